package app

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/agentgate/agentgate/internal/logger"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/ratelimit"
	"github.com/agentgate/agentgate/internal/spending"
	"github.com/agentgate/agentgate/internal/storage"
)

// JanitorStats are cumulative counts since the janitor was created.
type JanitorStats struct {
	Runs              int64 `json:"runs"`
	Failures          int64 `json:"failures"`
	ChallengesRemoved int64 `json:"challengesRemoved"`
	WindowsRemoved    int64 `json:"windowsRemoved"`
	RecordsRemoved    int64 `json:"recordsRemoved"`
}

// Janitor periodically removes expired challenges, idle rate-limit windows and
// spending records from past periods. It owns no goroutine until Run is
// called and stops when Run's context is canceled.
type Janitor struct {
	store    storage.Store
	limiter  *ratelimit.Limiter
	tracker  *spending.Tracker
	metrics  *metrics.Metrics
	interval time.Duration
	timeout  time.Duration

	runs              atomic.Int64
	failures          atomic.Int64
	challengesRemoved atomic.Int64
	windowsRemoved    atomic.Int64
	recordsRemoved    atomic.Int64
}

// NewJanitor creates a janitor. limiter, tracker and m may be nil.
func NewJanitor(store storage.Store, limiter *ratelimit.Limiter, tracker *spending.Tracker, m *metrics.Metrics, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:    store,
		limiter:  limiter,
		tracker:  tracker,
		metrics:  m,
		interval: interval,
		timeout:  interval,
	}
}

// Run calls RunOnce every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "janitor run failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single cleanup pass. In-process pruning happens even
// when the store call fails.
func (j *Janitor) RunOnce(ctx context.Context) error {
	j.runs.Inc()

	if j.limiter != nil {
		n := j.limiter.Prune(j.interval)
		j.windowsRemoved.Add(int64(n))
		j.metrics.Cleaned("rate_limit_windows", n)
	}
	if j.tracker != nil {
		n := j.tracker.Prune()
		j.recordsRemoved.Add(int64(n))
		j.metrics.Cleaned("spending_records", n)
	}

	sctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	n, err := j.store.CleanExpiredChallenges(sctx)
	if err != nil {
		j.failures.Inc()
		return err
	}
	j.challengesRemoved.Add(int64(n))
	j.metrics.Cleaned("challenges", n)
	if n > 0 {
		logger.Debug(ctx, "expired challenges removed", "count", n)
	}
	return nil
}

// Stats returns the cumulative counters.
func (j *Janitor) Stats() JanitorStats {
	return JanitorStats{
		Runs:              j.runs.Load(),
		Failures:          j.failures.Load(),
		ChallengesRemoved: j.challengesRemoved.Load(),
		WindowsRemoved:    j.windowsRemoved.Load(),
		RecordsRemoved:    j.recordsRemoved.Load(),
	}
}
