package antivirus

import (
	"context"
	"fmt"
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

func (l logging) Scan(ctx context.Context, data []byte) (r Result, err error) {
	r, err = l.svc.Scan(ctx, data)
	lvl := util.LogLevel(err)
	if r.Infected {
		lvl = slog.LevelWarn
	}
	l.log.Log(ctx, lvl, fmt.Sprintf("antivirus.Scan(len=%d): %+v, %s", len(data), r, err))
	return
}
