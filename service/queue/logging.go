package queue

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

func (l logging) Enqueue(ctx context.Context, p Payload) (id string, err error) {
	id, err = l.svc.Enqueue(ctx, p)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("queue.Enqueue(kind=%s): %s, %s", p.Kind, id, err))
	return
}

func (l logging) Job(ctx context.Context, id string) (j Job, err error) {
	j, err = l.svc.Job(ctx, id)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("queue.Job(%s): state=%s, attempts=%d, %s", id, j.State, j.Attempts, err))
	return
}

func (l logging) Failed(ctx context.Context, limit int) (jobs []Job, err error) {
	jobs, err = l.svc.Failed(ctx, limit)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("queue.Failed(limit=%d): %d, %s", limit, len(jobs), err))
	return
}

func (l logging) Stats(ctx context.Context) (s Stats, err error) {
	s, err = l.svc.Stats(ctx)
	l.log.Log(ctx, util.LogLevel(err), fmt.Sprintf("queue.Stats(): %+v, %s", s, err))
	return
}
