package ratelimit

import (
	"context"
	"time"
)

// Store keeps one {count, windowStart} record per key.
// Incr must be atomic: the count resets to 1 once now - windowStart >= window, otherwise it increments.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, err error)
}
