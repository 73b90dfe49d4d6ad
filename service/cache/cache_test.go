package cache

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	lock sync.Mutex
	t    time.Time
}

func (fc *fakeClock) Now() time.Time {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.t
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	fc.t = fc.t.Add(d)
}

func TestTtlCache_Get(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 10, 10, 12, 0, 0, 0, time.UTC)}
	c, err := newTtlCache[string, int](10, time.Minute, clock.Now)
	require.Nil(t, err)
	c.Set("a", 1)
	c.SetWithTtl("b", 2, 2*time.Minute)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	clock.Advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)
	v, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestTtlCache_Sweep(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 10, 10, 12, 0, 0, 0, time.UTC)}
	c, err := newTtlCache[string, int](10, time.Minute, clock.Now)
	require.Nil(t, err)
	c.Set("a", 1)
	c.Set("b", 2)
	c.SetWithTtl("c", 3, time.Hour)
	assert.Equal(t, 0, c.Sweep())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestTtlCache_Bounded(t *testing.T) {
	c, err := NewTtlCache[int, int](2, time.Hour)
	require.Nil(t, err)
	for i := 0; i < 5; i++ {
		c.Set(i, i)
	}
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(0)
	assert.False(t, ok)
	_, ok = c.Get(4)
	assert.True(t, ok)
}

func TestRunSweep(t *testing.T) {
	c, err := NewTtlCache[string, int](10, time.Millisecond)
	require.Nil(t, err)
	c.Set("a", 1)
	ctx, cancel := context.WithCancel(context.Background())
	var swept atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunSweep[string, int](ctx, c, 5*time.Millisecond, func(n int) {
			swept.Add(int64(n))
		})
	}()
	assert.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, int64(1), swept.Load())
}
