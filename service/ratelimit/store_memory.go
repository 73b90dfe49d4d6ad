package ratelimit

import (
	"context"
	"sync"
	"time"
)

type record struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	lock    sync.Mutex
	records map[string]record
}

// NewMemoryStore returns an empty store. Use Sweep or RunSweep to drop expired records.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]record{},
	}
}

func (ms *MemoryStore) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, err error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	r, ok := ms.records[key]
	switch {
	case !ok, now.Sub(r.windowStart) >= window:
		r = record{
			count:       1,
			windowStart: now,
			window:      window,
		}
	default:
		r.count++
	}
	ms.records[key] = r
	count = r.count
	return
}

func (ms *MemoryStore) Sweep(now time.Time) (n int) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	for k, r := range ms.records {
		if now.Sub(r.windowStart) >= r.window {
			delete(ms.records, k)
			n++
		}
	}
	return
}

func (ms *MemoryStore) RunSweep(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			ms.Sweep(now)
		}
	}
}
