package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	clock := newClock()
	l := New(clock.Now)

	for i := 0; i < 5; i++ {
		r := l.Check("agent_1", 5, time.Minute)
		require.True(t, r.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 5-(i+1), r.Remaining)
		assert.Equal(t, 5, r.Limit)
	}

	clock.Advance(10 * time.Second)
	r := l.Check("agent_1", 5, time.Minute)
	assert.False(t, r.Allowed)
	assert.Equal(t, 0, r.Remaining)
	assert.Equal(t, int64(50_000), r.RetryAfterMs)
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	clock := newClock()
	l := New(clock.Now)

	l.Check("agent_1", 2, time.Second)
	l.Check("agent_1", 2, time.Second)
	assert.False(t, l.Check("agent_1", 2, time.Second).Allowed)

	clock.Advance(time.Second)
	r := l.Check("agent_1", 2, time.Second)
	assert.True(t, r.Allowed)
	assert.Equal(t, 1, r.Remaining)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(newClock().Now)

	assert.True(t, l.Check("a", 1, time.Minute).Allowed)
	assert.False(t, l.Check("a", 1, time.Minute).Allowed)
	assert.True(t, l.Check("b", 1, time.Minute).Allowed)
}

func TestLimiter_UnlimitedAlwaysAllows(t *testing.T) {
	l := New(nil)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Check("a", 0, time.Minute).Allowed)
	}
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_ConcurrentChecksNeverOverAdmit(t *testing.T) {
	l := New(newClock().Now)

	const limit = 50
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("hot", limit, time.Hour).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(limit), allowed.Load())
}

func TestLimiter_Prune(t *testing.T) {
	clock := newClock()
	l := New(clock.Now)

	for i := 0; i < 3; i++ {
		l.Check(fmt.Sprintf("agent_%d", i), 10, time.Minute)
	}
	assert.Equal(t, 0, l.Prune(time.Minute))

	clock.Advance(3 * time.Minute)
	l.Check("agent_fresh", 10, time.Minute)
	assert.Equal(t, 3, l.Prune(time.Minute))
	assert.Equal(t, 1, l.Len())

	// A pruned key starts over.
	r := l.Check("agent_0", 10, time.Minute)
	assert.Equal(t, 9, r.Remaining)
}

func TestLimiter_Reset(t *testing.T) {
	l := New(newClock().Now)
	l.Check("a", 1, time.Minute)
	assert.False(t, l.Check("a", 1, time.Minute).Allowed)
	l.Reset("a")
	assert.True(t, l.Check("a", 1, time.Minute).Allowed)
}
