// Package scanner drives one synchronization run: walk the remote tree,
// decide per file via the change cache, write placeholder artifacts, and
// reconcile deletions afterwards.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/strmsync/strmsync/internal/cache"
	"github.com/strmsync/strmsync/internal/event"
	"github.com/strmsync/strmsync/internal/openlist"
	"github.com/strmsync/strmsync/internal/strm"
)

// ErrScanInProgress is returned when a scan is started while one is running.
// Concurrent starts are rejected, never queued.
var ErrScanInProgress = errors.New("a scan is already running")

// errCancelled stops the walk at the next suspension point. It marks a
// cooperative stop, not a failure.
var errCancelled = errors.New("scan cancelled")

// Lister is the remote traversal the orchestrator drives.
type Lister interface {
	Walk(ctx context.Context, root string, maxDepth int, fn openlist.WalkFunc) error
}

// Callback receives the final progress snapshot after a run finishes.
type Callback func(Progress)

// Service runs scans against the remote listing. Only one scan runs at a
// time; progress snapshots are safe to poll concurrently.
type Service struct {
	lister    Lister
	generator *strm.Generator
	cache     *cache.Service
	settings  Settings
	logger    *slog.Logger
	eventBus  *event.Bus

	mu         sync.Mutex
	running    bool
	cancelled  bool
	progress   Progress
	onComplete []Callback
	onError    []Callback
}

// NewService creates a scanner service.
func NewService(lister Lister, generator *strm.Generator, cacheService *cache.Service, settings Settings, logger *slog.Logger) *Service {
	return &Service{
		lister:    lister,
		generator: generator,
		cache:     cacheService,
		settings:  settings,
		logger:    logger.With(slog.String("component", "scanner")),
	}
}

// SetEventBus sets the bus for publishing scan lifecycle events.
func (s *Service) SetEventBus(bus *event.Bus) {
	s.eventBus = bus
}

// OnComplete registers a callback invoked after a run completes successfully.
func (s *Service) OnComplete(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, cb)
}

// OnError registers a callback invoked after a run fails.
func (s *Service) OnError(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, cb)
}

// IsRunning reports whether a scan is currently executing.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Cancel requests cooperative cancellation of the running scan. The flag is
// checked at each directory boundary and before each file; an in-flight
// artifact write is allowed to finish. Cancelling an idle service is a no-op.
func (s *Service) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.cancelled = true
		s.logger.Info("scan cancellation requested")
	}
}

// Progress returns a snapshot of the current or most recent scan. The
// returned value is a copy and safe to read without synchronization.
func (s *Service) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() Progress {
	p := s.progress
	p.Errors = append([]string(nil), p.Errors...)
	if !p.StartedAt.IsZero() {
		end := time.Now().UTC()
		if p.EndedAt != nil {
			end = *p.EndedAt
		}
		p.DurationSeconds = end.Sub(p.StartedAt).Seconds()
	}
	return p
}

// Scan synchronously scans one remote folder and returns the final progress.
// Per-file and per-subtree errors are recorded and never abort the run; a
// failure before any listing succeeds marks the run failed.
func (s *Service) Scan(ctx context.Context, folder string, force bool) (Progress, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Progress{}, ErrScanInProgress
	}
	s.running = true
	s.cancelled = false
	s.progress = Progress{
		ID:        uuid.New().String(),
		Folder:    folder,
		Status:    StatusScanning,
		StartedAt: time.Now().UTC(),
	}
	s.mu.Unlock()

	s.generator.ResetCounters()

	scanID, err := s.cache.RecordScanStart(ctx, folder)
	if err != nil {
		err = fmt.Errorf("recording scan start: %w", err)
		return s.finish(ctx, 0, false, err), err
	}

	s.logger.Info("scan started", "folder", folder, "force", force)
	s.publish(event.ScanStarted, map[string]any{"folder": folder, "force": force})

	processed := make(map[string]struct{})

	walkErr := s.lister.Walk(ctx, folder, s.settings.MaxDepth, func(dir string, subdirs, files []openlist.Entry) error {
		if s.isCancelled() || ctx.Err() != nil {
			return errCancelled
		}
		s.setCurrentPath(dir)

		for _, f := range files {
			if s.isCancelled() {
				return errCancelled
			}
			s.processFile(ctx, f, force, processed)
		}
		return nil
	})

	cancelled := s.isCancelled() || errors.Is(walkErr, errCancelled) ||
		errors.Is(walkErr, context.Canceled) || ctx.Err() != nil
	var fatal error
	if walkErr != nil && !cancelled {
		fatal = walkErr
	}

	// An incomplete walk must never be mistaken for remote absence, so the
	// deletion pass only runs after a clean, uncancelled walk.
	if fatal == nil && !cancelled {
		if err := s.reconcileDeleted(ctx, folder, processed); err != nil {
			fatal = err
		}
	}

	return s.finish(ctx, scanID, cancelled, fatal), nil
}

// ScanAll scans every configured source folder sequentially. The shared rate
// limiter and the single-scan invariant make sequential execution the only
// safe order. It stops early when cancellation is requested.
func (s *Service) ScanAll(ctx context.Context, force bool) ([]Progress, error) {
	var results []Progress
	for _, folder := range s.settings.Folders {
		if ctx.Err() != nil {
			break
		}
		p, err := s.Scan(ctx, folder, force)
		if err != nil {
			return results, err
		}
		results = append(results, p)
		if p.Status == StatusCancelled {
			break
		}
	}
	return results, nil
}

// History returns the most recent scan runs, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]cache.ScanRun, error) {
	return s.cache.ScanHistory(ctx, limit)
}

// LastCompleted returns the most recent completed run, optionally filtered
// by folder.
func (s *Service) LastCompleted(ctx context.Context, folder string) (*cache.ScanRun, error) {
	return s.cache.LastCompleted(ctx, folder)
}

func (s *Service) processFile(ctx context.Context, f openlist.Entry, force bool, processed map[string]struct{}) {
	s.mu.Lock()
	s.progress.Scanned++
	s.mu.Unlock()

	if !s.generator.IsMediaFile(f.Name) {
		return
	}
	processed[f.Path] = struct{}{}

	if s.settings.Incremental && !force {
		changed, err := s.cache.HasChanged(ctx, f.Path, f.Modified, f.Size, s.settings.CheckMethod)
		if err != nil {
			s.addError(fmt.Sprintf("checking %s: %v", f.Path, err))
			return
		}
		if !changed {
			s.incSkipped()
			return
		}
	}

	artifactPath, outcome, err := s.generator.Generate(f.Path, force)
	if err != nil {
		s.addError(fmt.Sprintf("generating %s: %v", f.Path, err))
		return
	}
	if artifactPath == "" {
		s.incSkipped()
		return
	}

	refresh := true
	s.mu.Lock()
	switch outcome {
	case strm.OutcomeCreated:
		s.progress.Created++
	case strm.OutcomeUpdated:
		s.progress.Updated++
	case strm.OutcomeSkipped:
		if s.settings.Incremental && !force {
			// The tracked metadata changed but the resolved URL did not, so
			// the write was elided. Refresh the record anyway, or the same
			// change would be re-detected on every subsequent scan.
			s.progress.Updated++
		} else {
			s.progress.Skipped++
			refresh = false
		}
	}
	s.mu.Unlock()
	if !refresh {
		return
	}

	rec := &cache.Record{
		Path:     f.Path,
		Name:     f.Name,
		Size:     f.Size,
		Modified: f.Modified,
		StrmPath: artifactPath,
	}
	if err := s.cache.UpsertRecord(ctx, rec); err != nil {
		// The artifact exists but the cache missed the update, so the next
		// scan treats the file as changed and regenerates it. At-least-once,
		// not exactly-once.
		s.addError(fmt.Sprintf("caching %s: %v", f.Path, err))
	}
}

// reconcileDeleted removes artifacts and cache records for files that were
// present in a prior scan but absent from the new listing.
func (s *Service) reconcileDeleted(ctx context.Context, folder string, processed map[string]struct{}) error {
	records, err := s.cache.ListRecords(ctx, folder)
	if err != nil {
		return fmt.Errorf("listing cache records for cleanup: %w", err)
	}

	for _, rec := range records {
		if _, ok := processed[rec.Path]; ok {
			continue
		}
		if rec.StrmPath != "" {
			if err := s.generator.Delete(rec.StrmPath); err != nil {
				s.addError(fmt.Sprintf("deleting artifact %s: %v", rec.StrmPath, err))
				continue
			}
		}
		if err := s.cache.DeleteRecord(ctx, rec.Path); err != nil {
			s.addError(fmt.Sprintf("deleting cache record %s: %v", rec.Path, err))
			continue
		}

		s.mu.Lock()
		s.progress.Deleted++
		s.mu.Unlock()
		s.logger.Debug("removed artifact for vanished remote file", "path", rec.Path)
	}
	return nil
}

// finish settles the terminal status, persists the history entry, and fires
// callbacks and events. Callback failures are logged, never rethrown.
func (s *Service) finish(ctx context.Context, scanID int64, cancelled bool, fatal error) Progress {
	now := time.Now().UTC()

	if fatal != nil {
		s.addError(fatal.Error())
	}

	s.mu.Lock()
	s.progress.EndedAt = &now
	switch {
	case fatal != nil:
		s.progress.Status = StatusFailed
		s.progress.ErrorMessage = fatal.Error()
	case cancelled:
		s.progress.Status = StatusCancelled
	default:
		s.progress.Status = StatusCompleted
	}
	p := s.snapshotLocked()
	s.running = false
	s.cancelled = false
	var callbacks []Callback
	switch p.Status {
	case StatusCompleted:
		callbacks = append(callbacks, s.onComplete...)
	case StatusFailed:
		callbacks = append(callbacks, s.onError...)
	}
	s.mu.Unlock()

	if scanID != 0 {
		counters := cache.Counters{
			Scanned: p.Scanned,
			Created: p.Created,
			Updated: p.Updated,
			Deleted: p.Deleted,
		}
		// The run may be ending because ctx itself was cancelled; the
		// history row must still reach a terminal status.
		finishCtx := context.WithoutCancel(ctx)
		if err := s.cache.RecordScanFinish(finishCtx, scanID, counters, string(p.Status), p.ErrorMessage); err != nil {
			s.logger.Error("recording scan finish", "scan_id", scanID, "error", err)
		}
	}

	s.logger.Info("scan finished",
		"folder", p.Folder,
		"status", string(p.Status),
		"scanned", p.Scanned,
		"created", p.Created,
		"updated", p.Updated,
		"deleted", p.Deleted,
		"errors", p.ErrorCount,
	)

	s.publish(eventTypeFor(p.Status), map[string]any{
		"scan_id": p.ID,
		"folder":  p.Folder,
		"status":  string(p.Status),
		"scanned": p.Scanned,
		"created": p.Created,
		"updated": p.Updated,
		"deleted": p.Deleted,
	})

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("scan callback panicked", "panic", r)
				}
			}()
			cb(p)
		}()
	}

	return p
}

func (s *Service) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Service) setCurrentPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.CurrentPath = path
}

func (s *Service) incSkipped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.Skipped++
}

func (s *Service) addError(msg string) {
	s.logger.Warn("scan error", "error", msg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.ErrorCount++
	s.progress.Errors = append(s.progress.Errors, msg)
	if len(s.progress.Errors) > maxTrackedErrors {
		s.progress.Errors = s.progress.Errors[len(s.progress.Errors)-maxTrackedErrors:]
	}
}

func (s *Service) publish(t event.Type, data map[string]any) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(event.Event{Type: t, Data: data})
}

func eventTypeFor(status Status) event.Type {
	switch status {
	case StatusFailed:
		return event.ScanFailed
	case StatusCancelled:
		return event.ScanCancelled
	default:
		return event.ScanCompleted
	}
}
