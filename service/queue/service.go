package queue

import (
	"context"
	"github.com/segmentio/ksuid"
	"time"
)

// Service is the producer and inspection side of the delivery queue.
type Service interface {

	// Enqueue validates the payload and stores it as a new pending job, due immediately.
	Enqueue(ctx context.Context, p Payload) (id string, err error)

	Job(ctx context.Context, id string) (j Job, err error)

	// Failed returns the jobs which exhausted their attempts or failed permanently.
	Failed(ctx context.Context, limit int) (jobs []Job, err error)

	Stats(ctx context.Context) (s Stats, err error)
}

type svc struct {
	store       Store
	maxAttempts int
	now         func() time.Time
}

func NewService(store Store, maxAttempts int) Service {
	if maxAttempts < 1 {
		maxAttempts = MaxAttemptsDefault
	}
	return svc{
		store:       store,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (s svc) Enqueue(ctx context.Context, p Payload) (id string, err error) {
	err = p.validate()
	if err == nil {
		now := s.now().UTC()
		j := Job{
			Id:          ksuid.New().String(),
			Payload:     p,
			MaxAttempts: s.maxAttempts,
			State:       StatePending,
			CreatedAt:   now,
			DueAt:       now,
		}
		err = s.store.Put(ctx, j)
		if err == nil {
			id = j.Id
			metricEnqueued.WithLabelValues(string(p.Kind)).Inc()
		}
	}
	return
}

func (s svc) Job(ctx context.Context, id string) (j Job, err error) {
	return s.store.Get(ctx, id)
}

func (s svc) Failed(ctx context.Context, limit int) (jobs []Job, err error) {
	return s.store.List(ctx, StateFailed, limit)
}

func (s svc) Stats(ctx context.Context) (st Stats, err error) {
	return s.store.Counts(ctx)
}
