package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler performs one delivery attempt of a claimed job.
type Handler interface {
	Handle(ctx context.Context, j Job) (r Result, err error)
}

// ErrPermanent marks a handler failure which no retry can fix: the job fails at once.
var ErrPermanent = errors.New("permanent delivery failure")

type Worker interface {

	// ProcessOne claims and handles at most one due job. It reports false when nothing was due.
	ProcessOne(ctx context.Context) (processed bool, err error)

	// Run polls the store from every configured poller until the context is done.
	Run(ctx context.Context) (err error)
}

type WorkerConfig struct {
	Policy  Policy
	Lease   time.Duration
	Poll    time.Duration
	Pollers int
	// AttemptTimeout bounds a single Handle call, zero means the lease.
	AttemptTimeout time.Duration
}

type worker struct {
	store   Store
	handler Handler
	cfg     WorkerConfig
	log     *slog.Logger
	now     func() time.Time
}

func NewWorker(store Store, handler Handler, cfg WorkerConfig, log *slog.Logger) Worker {
	return newWorker(store, handler, cfg, log)
}

func newWorker(store Store, handler Handler, cfg WorkerConfig, log *slog.Logger) *worker {
	if cfg.Pollers < 1 {
		cfg.Pollers = 1
	}
	if cfg.AttemptTimeout <= 0 || cfg.AttemptTimeout > cfg.Lease {
		cfg.AttemptTimeout = cfg.Lease
	}
	return &worker{
		store:   store,
		handler: handler,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

func (w *worker) Run(ctx context.Context) (err error) {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.poll(ctx, i)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *worker) poll(ctx context.Context, n int) {
	t := time.NewTicker(w.cfg.Poll)
	defer t.Stop()
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			w.log.Error(fmt.Sprintf("queue worker %d: %s", n, err))
		}
		if processed && err == nil {
			// drain without waiting while jobs are due
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (w *worker) ProcessOne(ctx context.Context) (processed bool, err error) {
	var j Job
	j, processed, err = w.store.Claim(ctx, w.now(), w.cfg.Lease)
	if err != nil || !processed {
		return
	}
	kind := string(j.Payload.Kind)
	attemptCtx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	start := time.Now()
	r, handleErr := w.handler.Handle(attemptCtx, j)
	cancel()
	metricAttemptDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	switch {
	case handleErr == nil:
		err = w.store.Complete(ctx, j.Id)
		metricOutcome.WithLabelValues(kind, "delivered").Inc()
		w.log.Info(fmt.Sprintf("queue job %s delivered on attempt %d via %s: accepted=%v, rejected=%v", j.Id, j.Attempts, r.Transport, r.Accepted, r.Rejected))
	case errors.Is(handleErr, ErrPermanent) || j.Attempts >= j.MaxAttempts:
		err = w.store.Fail(ctx, j.Id, handleErr.Error())
		metricOutcome.WithLabelValues(kind, "failed").Inc()
		w.log.Warn(fmt.Sprintf("queue job %s failed on attempt %d/%d: %s", j.Id, j.Attempts, j.MaxAttempts, handleErr))
	default:
		dueAt := w.now().Add(w.cfg.Policy.Delay(j.Attempts))
		err = w.store.Retry(ctx, j.Id, dueAt, handleErr.Error())
		metricOutcome.WithLabelValues(kind, "retry").Inc()
		w.log.Warn(fmt.Sprintf("queue job %s attempt %d/%d failed, retry at %s: %s", j.Id, j.Attempts, j.MaxAttempts, dueAt.Format(time.RFC3339), handleErr))
	}
	return
}
