package queue

import (
	"context"
	"errors"
	"time"
)

// Store is the durable job storage shared by the workers of every process.
type Store interface {

	// Put adds a new pending job.
	Put(ctx context.Context, j Job) (err error)

	// Claim atomically takes the earliest due job, pending or with an expired lease, marks it active, counts the
	// attempt and moves its due time to now+lease. A job is never claimed by two workers at once: if the worker
	// crashes, the job becomes claimable again after the lease.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (j Job, ok bool, err error)

	// Complete removes the job.
	Complete(ctx context.Context, id string) (err error)

	// Retry makes the job pending again, due at the given time.
	Retry(ctx context.Context, id string, dueAt time.Time, lastErr string) (err error)

	// Fail retains the job in the failed state, it is never claimed again.
	Fail(ctx context.Context, id string, lastErr string) (err error)

	Get(ctx context.Context, id string) (j Job, err error)

	List(ctx context.Context, state State, limit int) (jobs []Job, err error)

	Counts(ctx context.Context) (s Stats, err error)

	Close() error
}

var ErrNotFound = errors.New("job not found")
var ErrInvalidPayload = errors.New("invalid job payload")
var ErrStore = errors.New("queue store failure")
