// Package ratelimit implements per-key fixed-window request counting.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of one Check.
type Result struct {
	Allowed      bool
	Limit        int
	Remaining    int
	RetryAfterMs int64
	ResetAt      time.Time
}

type window struct {
	mu     sync.Mutex
	start  time.Time
	length time.Duration
	count  int
	dead   bool
}

// Limiter keeps one fixed window per key. Keys never share a bucket and
// checks on different keys do not contend.
type Limiter struct {
	windows sync.Map // key -> *window
	now     func() time.Time
}

// New creates a Limiter. now may be nil.
func New(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{now: now}
}

// Check consumes one request from key's window of limit requests per
// window. The increment is part of the check, so two concurrent callers can
// never both take the last slot. A non-positive limit always allows.
func (l *Limiter) Check(key string, limit int, length time.Duration) Result {
	if limit <= 0 || length <= 0 {
		return Result{Allowed: true, Limit: limit, Remaining: -1}
	}

	now := l.now()
	w := l.acquire(key, now, length)
	defer w.mu.Unlock()

	if w.length != length || now.Sub(w.start) >= w.length {
		w.start = now
		w.length = length
		w.count = 0
	}
	resetAt := w.start.Add(w.length)

	if w.count >= limit {
		retry := resetAt.Sub(now).Milliseconds()
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, Limit: limit, Remaining: 0, RetryAfterMs: retry, ResetAt: resetAt}
	}

	w.count++
	return Result{Allowed: true, Limit: limit, Remaining: limit - w.count, ResetAt: resetAt}
}

// acquire returns key's live window, locked.
func (l *Limiter) acquire(key string, now time.Time, length time.Duration) *window {
	for {
		v, _ := l.windows.LoadOrStore(key, &window{start: now, length: length})
		w := v.(*window)
		w.mu.Lock()
		if !w.dead {
			return w
		}
		w.mu.Unlock()
	}
}

// Reset drops key's window.
func (l *Limiter) Reset(key string) {
	if v, ok := l.windows.LoadAndDelete(key); ok {
		w := v.(*window)
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
	}
}

// Prune removes windows that ended more than grace ago and returns how many
// were dropped.
func (l *Limiter) Prune(grace time.Duration) int {
	now := l.now()
	removed := 0
	l.windows.Range(func(key, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		if now.Sub(w.start.Add(w.length)) > grace && l.windows.CompareAndDelete(key, w) {
			w.dead = true
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
