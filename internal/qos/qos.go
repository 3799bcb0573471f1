// Package qos throttles outbound remote calls with a QPS cap, a concurrency
// cap, and a minimum inter-call spacing.
package qos

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Stats is a snapshot of limiter activity and configuration.
type Stats struct {
	TotalDispatched int64   `json:"total_dispatched"`
	Waiting         int64   `json:"waiting"`
	QPS             float64 `json:"qps"`
	MaxConcurrent   int     `json:"max_concurrent"`
	IntervalMs      int     `json:"interval_ms"`
}

// Limiter bounds concurrent in-flight remote calls and enforces a minimum
// spacing of max(1/qps, interval) between dispatches. The pacer serializes
// its own reservation bookkeeping, so concurrent callers can never observe a
// stale last-dispatch time and burst past the QPS cap.
type Limiter struct {
	mu            sync.Mutex
	sem           *semaphore.Weighted
	pacer         *rate.Limiter
	qps           float64
	maxConcurrent int
	interval      time.Duration
	dispatched    int64
	waiting       int64
	logger        *slog.Logger
}

// New creates a Limiter. qps must be positive, maxConcurrent at least 1.
func New(qps float64, maxConcurrent int, intervalMs int, logger *slog.Logger) *Limiter {
	if qps <= 0 {
		qps = 1
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	l := &Limiter{
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		pacer:         rate.NewLimiter(rate.Every(minSpacing(qps, interval)), 1),
		qps:           qps,
		maxConcurrent: maxConcurrent,
		interval:      interval,
		logger:        logger.With(slog.String("component", "qos")),
	}
	l.logger.Info("qos limiter initialized",
		"qps", qps, "max_concurrent", maxConcurrent, "interval_ms", intervalMs)
	return l
}

// minSpacing is the effective gap between dispatches: the stricter of the
// QPS-derived gap and the configured interval floor.
func minSpacing(qps float64, interval time.Duration) time.Duration {
	gap := time.Duration(float64(time.Second) / qps)
	if interval > gap {
		return interval
	}
	return gap
}

// Acquire blocks until a concurrency slot is free and the spacing constraint
// is satisfied, then returns a release func that must be called on every exit
// path. It returns an error when ctx is done before a slot is granted.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	l.mu.Lock()
	sem := l.sem
	pacer := l.pacer
	l.waiting++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.waiting--
		if err == nil {
			l.dispatched++
		}
		l.mu.Unlock()
	}()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	if err := pacer.Wait(ctx); err != nil {
		sem.Release(1)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

// UpdateLimits atomically swaps the limiter configuration. Nil arguments
// leave the corresponding setting unchanged. Slots already held keep
// releasing against the semaphore they were acquired from.
func (l *Limiter) UpdateLimits(qps *float64, maxConcurrent *int, intervalMs *int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if qps != nil && *qps > 0 {
		l.qps = *qps
	}
	if maxConcurrent != nil && *maxConcurrent >= 1 && *maxConcurrent != l.maxConcurrent {
		l.maxConcurrent = *maxConcurrent
		l.sem = semaphore.NewWeighted(int64(*maxConcurrent))
	}
	if intervalMs != nil && *intervalMs >= 0 {
		l.interval = time.Duration(*intervalMs) * time.Millisecond
	}
	l.pacer.SetLimit(rate.Every(minSpacing(l.qps, l.interval)))

	l.logger.Info("qos limits updated",
		"qps", l.qps, "max_concurrent", l.maxConcurrent,
		"interval_ms", int(l.interval/time.Millisecond))
}

// Stats returns a snapshot of limiter activity and configuration.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalDispatched: l.dispatched,
		Waiting:         l.waiting,
		QPS:             l.qps,
		MaxConcurrent:   l.maxConcurrent,
		IntervalMs:      int(l.interval / time.Millisecond),
	}
}
