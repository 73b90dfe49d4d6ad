package cache

import (
	"context"
	"github.com/hashicorp/golang-lru/v2"
	"time"
)

// Cache is a bounded key/value cache with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(k K) (v V, ok bool)
	Set(k K, v V)
	SetWithTtl(k K, v V, ttl time.Duration)
	// Sweep evicts the expired entries and returns how many were removed.
	Sweep() (n int)
	Len() int
	Purge()
}

type Entry[V any] struct {
	Data      V
	ExpiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	entries *lru.Cache[K, Entry[V]]
	ttl     time.Duration
	now     func() time.Time
}

func NewTtlCache[K comparable, V any](size int, ttl time.Duration) (c Cache[K, V], err error) {
	var tc *ttlCache[K, V]
	tc, err = newTtlCache[K, V](size, ttl, time.Now)
	if err == nil {
		c = tc
	}
	return
}

func newTtlCache[K comparable, V any](size int, ttl time.Duration, now func() time.Time) (c *ttlCache[K, V], err error) {
	var entries *lru.Cache[K, Entry[V]]
	entries, err = lru.New[K, Entry[V]](size)
	if err == nil {
		c = &ttlCache[K, V]{
			entries: entries,
			ttl:     ttl,
			now:     now,
		}
	}
	return
}

func (c *ttlCache[K, V]) Get(k K) (v V, ok bool) {
	var e Entry[V]
	e, ok = c.entries.Get(k)
	switch {
	case !ok:
	case !c.now().Before(e.ExpiresAt):
		c.entries.Remove(k)
		ok = false
	default:
		v = e.Data
	}
	return
}

func (c *ttlCache[K, V]) Set(k K, v V) {
	c.SetWithTtl(k, v, c.ttl)
}

func (c *ttlCache[K, V]) SetWithTtl(k K, v V, ttl time.Duration) {
	c.entries.Add(k, Entry[V]{
		Data:      v,
		ExpiresAt: c.now().Add(ttl),
	})
}

func (c *ttlCache[K, V]) Sweep() (n int) {
	now := c.now()
	for _, k := range c.entries.Keys() {
		e, ok := c.entries.Peek(k)
		if ok && !now.Before(e.ExpiresAt) {
			if c.entries.Remove(k) {
				n++
			}
		}
	}
	return
}

func (c *ttlCache[K, V]) Len() int {
	return c.entries.Len()
}

func (c *ttlCache[K, V]) Purge() {
	c.entries.Purge()
}

// RunSweep sweeps the cache every interval until the context is done, then purges it.
// Expired entries are evicted even when nothing reads them.
func RunSweep[K comparable, V any](ctx context.Context, c Cache[K, V], interval time.Duration, onSweep func(n int)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Purge()
			return
		case <-t.C:
			n := c.Sweep()
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}
