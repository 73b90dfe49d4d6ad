package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service is a fixed-window limiter keyed by an arbitrary identifier such as a remote address.
type Service interface {
	// Allow counts one more hit for the key and reports whether it is still within the limit.
	// On a counter store failure the hit is allowed and the failure returned, so callers stay available.
	Allow(ctx context.Context, key string) (allowed bool, err error)
}

var ErrStore = errors.New("rate limit store failure")

type svc struct {
	store  Store
	prefix string
	limit  uint32
	window time.Duration
	now    func() time.Time
}

func NewService(store Store, prefix string, limit uint32, window time.Duration) Service {
	return svc{
		store:  store,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (s svc) Allow(ctx context.Context, key string) (allowed bool, err error) {
	var count int64
	count, err = s.store.Incr(ctx, s.prefix+":"+key, s.window, s.now())
	switch err {
	case nil:
		allowed = count <= int64(s.limit)
	default:
		allowed = true
		err = fmt.Errorf("%w: %s", ErrStore, err)
	}
	return
}
