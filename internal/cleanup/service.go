// Package cleanup reconciles the local output tree with the change cache:
// placeholder files no record tracks, broken symlinks, and empty
// directories left behind by earlier syncs.
package cleanup

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/strmsync/strmsync/internal/cache"
	"github.com/strmsync/strmsync/internal/strm"
)

// Report lists the inconsistencies found under the output root and, for a
// non-dry run, what was removed.
type Report struct {
	OrphanedStrm   []string `json:"orphaned_strm"`
	BrokenSymlinks []string `json:"broken_symlinks"`
	EmptyDirs      []string `json:"empty_dirs"`
	DeletedCount   int      `json:"deleted_count"`
	DryRun         bool     `json:"dry_run"`
	Errors         []string `json:"errors"`
	TotalIssues    int      `json:"total_issues"`
}

// Service sweeps the output root for local state the cache no longer backs.
type Service struct {
	cache      *cache.Service
	outputRoot string
	logger     *slog.Logger
}

// NewService creates a cleanup service over the given output root.
func NewService(cacheService *cache.Service, outputRoot string, logger *slog.Logger) *Service {
	return &Service{
		cache:      cacheService,
		outputRoot: outputRoot,
		logger:     logger,
	}
}

// Run scans the output root and, unless dryRun is set, removes what it
// found. Individual removal failures are recorded in the report and never
// abort the sweep; only a failure to scan at all is returned as an error.
func (s *Service) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun}

	if _, err := os.Stat(s.outputRoot); os.IsNotExist(err) {
		return report, nil
	}

	tracked, err := s.trackedArtifacts(ctx)
	if err != nil {
		return nil, err
	}

	var dirs []string
	walkErr := filepath.WalkDir(s.outputRoot, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("scanning %s: %v", path, err))
			return nil
		}
		if path == s.outputRoot {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			if _, err := os.Stat(path); err != nil {
				report.BrokenSymlinks = append(report.BrokenSymlinks, path)
			}
			return nil
		}
		if d.IsDir() {
			dirs = append(dirs, path)
			return nil
		}
		if strings.HasSuffix(d.Name(), strm.Extension) {
			if _, ok := tracked[path]; !ok {
				report.OrphanedStrm = append(report.OrphanedStrm, path)
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("scanning output root: %w", walkErr)
	}

	// WalkDir visits parents before children, so the reversed order checks
	// children first.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("reading %s: %v", dirs[i], err))
			continue
		}
		if len(entries) == 0 {
			report.EmptyDirs = append(report.EmptyDirs, dirs[i])
		}
	}

	if !dryRun {
		s.remove(report)
	}

	report.TotalIssues = len(report.OrphanedStrm) + len(report.BrokenSymlinks) + len(report.EmptyDirs)

	s.logger.Info("cleanup sweep finished",
		"dry_run", dryRun,
		"orphaned_strm", len(report.OrphanedStrm),
		"broken_symlinks", len(report.BrokenSymlinks),
		"empty_dirs", len(report.EmptyDirs),
		"deleted", report.DeletedCount,
	)
	return report, nil
}

// trackedArtifacts returns the set of artifact paths the cache still
// references.
func (s *Service) trackedArtifacts(ctx context.Context) (map[string]struct{}, error) {
	records, err := s.cache.ListRecords(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing cache records: %w", err)
	}
	tracked := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.StrmPath != "" {
			tracked[rec.StrmPath] = struct{}{}
		}
	}
	return tracked, nil
}

func (s *Service) remove(report *Report) {
	for _, path := range report.BrokenSymlinks {
		if err := os.Remove(path); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("removing %s: %v", path, err))
			continue
		}
		report.DeletedCount++
		s.logger.Debug("removed broken symlink", "path", path)
	}
	for _, path := range report.OrphanedStrm {
		if err := os.Remove(path); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("removing %s: %v", path, err))
			continue
		}
		report.DeletedCount++
		s.logger.Debug("removed orphaned artifact", "path", path)
	}
	// Directories that were empty at scan time; ones emptied by the
	// removals above are picked up on the next sweep.
	for _, path := range report.EmptyDirs {
		if err := os.Remove(path); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("removing %s: %v", path, err))
			continue
		}
		report.DeletedCount++
		s.logger.Debug("removed empty directory", "path", path)
	}
}
