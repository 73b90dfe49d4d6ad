package sender

import (
	"context"
	"fmt"
	"github.com/postkit/mta/model"
	"github.com/postkit/mta/service/queue"
	"github.com/postkit/mta/util"
	"log/slog"
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

func (l logging) Deliver(ctx context.Context, j queue.Job) (r Result, err error) {
	r, err = l.svc.Deliver(ctx, j)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("sender.Deliver(job=%s, kind=%s, attempt=%d): transport=%s, accepted=%v, rejected=%v, deferred=%v, %s", j.Id, j.Payload.Kind, j.Attempts, r.Transport, r.Accepted, r.Rejected, r.Deferred, err))
	for _, w := range r.Warnings {
		l.log.Warn(fmt.Sprintf("sender.Deliver(job=%s): %s", j.Id, w))
	}
	return
}

func (l logging) Verify(ctx context.Context, cfg model.SmtpConfig) (err error) {
	err = l.svc.Verify(ctx, cfg)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("sender.Verify(host=%s, port=%d, tls=%s, user=%s): %s", cfg.Host, cfg.Port, cfg.Tls, cfg.Username, err))
	return
}
