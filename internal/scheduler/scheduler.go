// Package scheduler triggers periodic full scans at a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/strmsync/strmsync/internal/scanner"
)

// Service runs the scan-all operation on a fixed ticker.
type Service struct {
	scanFn    func(ctx context.Context) error
	logger    *slog.Logger
	interval  time.Duration
	onStartup bool
}

// New creates a scheduler. scanFn is invoked once per tick; a run still in
// progress when the tick fires is reported and skipped, never queued.
func New(scanFn func(ctx context.Context) error, interval time.Duration, onStartup bool, logger *slog.Logger) *Service {
	return &Service{
		scanFn:    scanFn,
		logger:    logger.With(slog.String("component", "scheduler")),
		interval:  interval,
		onStartup: onStartup,
	}
}

// Start blocks until the context is canceled, triggering a scan on each tick
// (and once at startup when configured).
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Error("scheduler not started: non-positive interval", "interval", s.interval.String())
		return
	}
	s.logger.Info("scheduler started", "interval", s.interval.String(), "on_startup", s.onStartup)

	if s.onStartup {
		s.run(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.run(ctx)
		}
	}
}

func (s *Service) run(ctx context.Context) {
	s.logger.Info("scheduled scan starting")
	if err := s.scanFn(ctx); err != nil {
		if errors.Is(err, scanner.ErrScanInProgress) {
			s.logger.Warn("scheduled scan skipped: a scan is already running")
			return
		}
		s.logger.Error("scheduled scan failed", "error", err)
	}
}
