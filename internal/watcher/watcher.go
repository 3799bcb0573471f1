// Package watcher reloads the configuration file when it changes on disk,
// hot-applying the settings that can change at runtime.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/strmsync/strmsync/internal/config"
)

// Service watches the config file and invokes apply with each successfully
// reloaded configuration.
type Service struct {
	path     string
	apply    func(*config.Config)
	logger   *slog.Logger
	debounce time.Duration
}

// New creates a config watcher.
func New(path string, apply func(*config.Config), logger *slog.Logger) *Service {
	return &Service{
		path:     path,
		apply:    apply,
		logger:   logger.With(slog.String("component", "config-watcher")),
		debounce: 500 * time.Millisecond,
	}
}

// SetDebounce overrides the default debounce interval (for testing).
func (s *Service) SetDebounce(d time.Duration) {
	s.debounce = d
}

// Start blocks until ctx is canceled. The parent directory is watched rather
// than the file itself, since editors and config writers typically replace
// the file via rename.
func (s *Service) Start(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("fsnotify unavailable, config hot reload disabled", "error", err)
		return
	}
	defer w.Close() //nolint:errcheck

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		s.logger.Warn("watching config directory failed, hot reload disabled",
			"dir", dir, "error", err)
		return
	}
	s.logger.Info("watching config file", "path", s.path)

	// Debounce timer coalesces the write bursts editors produce.
	// Starts stopped; reset on each relevant event.
	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	reloadPending := false

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("config watcher stopping")
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(s.debounce)
			reloadPending = true

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "error", err)

		case <-debounceTimer.C:
			if reloadPending {
				reloadPending = false
				s.reload()
			}
		}
	}
}

func (s *Service) reload() {
	cfg, err := config.Load(s.path)
	if err != nil {
		s.logger.Error("config reload failed, keeping previous settings",
			"path", s.path, "error", err)
		return
	}
	s.logger.Info("config reloaded", "path", s.path)
	s.apply(cfg)
}
