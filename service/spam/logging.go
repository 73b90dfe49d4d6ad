package spam

import (
	"context"
	"fmt"
	"github.com/postkit/mta/util"
	"log/slog"
	"net"
)

type logging struct {
	svc Service
	log *slog.Logger
}

func NewLogging(svc Service, log *slog.Logger) Service {
	return logging{
		svc: svc,
		log: log,
	}
}

func (l logging) CheckConnection(ctx context.Context, ip net.IP, helo string) (v ConnVerdict, err error) {
	v, err = l.svc.CheckConnection(ctx, ip, helo)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("spam.CheckConnection(ip=%s, helo=%s): %+v, %s", ip, helo, v, err))
	return
}

func (l logging) CheckMessage(ctx context.Context, req Request) (v Verdict, err error) {
	v, err = l.svc.CheckMessage(ctx, req)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("spam.CheckMessage(from=%s, to=%v, len=%d): %+v, %s", req.From, req.To, len(req.Body), v, err))
	return
}
