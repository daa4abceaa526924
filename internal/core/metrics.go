package core

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/orrn/printq/internal/clock"
)

const failureWindow = 24 * time.Hour

// MetricsAggregator serves status counts from a short-lived cache.
// Concurrent misses share a single computation.
type MetricsAggregator struct {
	jobs   JobStore
	clock  clock.Clock
	ttl    time.Duration
	group  singleflight.Group
	mu     sync.RWMutex
	cached *Metrics
	expiry time.Time
}

func NewMetricsAggregator(jobs JobStore, clk clock.Clock, ttl time.Duration) *MetricsAggregator {
	if clk == nil {
		clk = clock.Real()
	}
	return &MetricsAggregator{jobs: jobs, clock: clk, ttl: ttl}
}

func (a *MetricsAggregator) Snapshot(ctx context.Context) (Metrics, error) {
	now := a.clock.Now()

	a.mu.RLock()
	if a.cached != nil && now.Before(a.expiry) {
		m := *a.cached
		a.mu.RUnlock()
		return m, nil
	}
	a.mu.RUnlock()

	v, err, _ := a.group.Do("metrics", func() (any, error) {
		m, err := a.compute(ctx, now)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.cached = &m
		a.expiry = now.Add(a.ttl)
		a.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return Metrics{}, err
	}
	return v.(Metrics), nil
}

func (a *MetricsAggregator) compute(ctx context.Context, now time.Time) (Metrics, error) {
	counts, err := a.jobs.CountByStatus(ctx, "")
	if err != nil {
		return Metrics{}, err
	}
	failed24h, err := a.jobs.CountFailedSince(ctx, now.Add(-failureWindow))
	if err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		Scheduled: counts[JobStatusScheduled],
		Pending:   counts[JobStatusPending],
		Printing:  counts[JobStatusPrinting],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Cancelled: counts[JobStatusCancelled],
		Failed24h: failed24h,
		Timestamp: now,
	}
	m.Queued = m.Scheduled + m.Pending
	for _, n := range counts {
		m.Total += n
	}
	return m, nil
}

// UserStats counts one owner's jobs by status. It is not cached.
func (a *MetricsAggregator) UserStats(ctx context.Context, ownerID string) (UserStats, error) {
	counts, err := a.jobs.CountByStatus(ctx, ownerID)
	if err != nil {
		return UserStats{}, err
	}
	s := UserStats{
		Scheduled: counts[JobStatusScheduled],
		Pending:   counts[JobStatusPending],
		Printing:  counts[JobStatusPrinting],
		Completed: counts[JobStatusCompleted],
		Failed:    counts[JobStatusFailed],
		Cancelled: counts[JobStatusCancelled],
	}
	for _, n := range counts {
		s.Total += n
	}
	return s, nil
}
