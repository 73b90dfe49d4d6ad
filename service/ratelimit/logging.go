package ratelimit

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

func (l logging) Allow(ctx context.Context, key string) (allowed bool, err error) {
	allowed, err = l.svc.Allow(ctx, key)
	lvl := util.LogLevel(err)
	if err == nil && !allowed {
		lvl = slog.LevelWarn
	}
	l.log.Log(ctx, lvl, fmt.Sprintf("ratelimit.Allow(key=%s): %t, %s", key, allowed, err))
	return
}
