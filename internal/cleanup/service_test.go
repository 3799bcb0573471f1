package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/strmsync/strmsync/internal/cache"
	"github.com/strmsync/strmsync/internal/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *cache.Service, string) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cacheService := cache.NewService(db)
	outputRoot := t.TempDir()
	return NewService(cacheService, outputRoot, testLogger()), cacheService, outputRoot
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// seedInconsistencies builds a tracked artifact, an orphaned one, a broken
// symlink, and an empty directory under the output root.
func seedInconsistencies(t *testing.T, cacheService *cache.Service, root string) (tracked, orphan, link, emptyDir string) {
	t.Helper()
	ctx := context.Background()

	tracked = filepath.Join(root, "lib", "a.strm")
	writeFile(t, tracked, "/lib/a.mp4")
	if err := cacheService.UpsertRecord(ctx, &cache.Record{
		Path: "/lib/a.mp4", Name: "a.mp4", Size: 10, Modified: "t1", StrmPath: tracked,
	}); err != nil {
		t.Fatal(err)
	}

	orphan = filepath.Join(root, "lib", "stale.strm")
	writeFile(t, orphan, "/lib/stale.mp4")

	link = filepath.Join(root, "lib", "dangling")
	if err := os.Symlink(filepath.Join(root, "lib", "missing-target"), link); err != nil {
		t.Fatal(err)
	}

	emptyDir = filepath.Join(root, "lib", "empty")
	if err := os.MkdirAll(emptyDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return tracked, orphan, link, emptyDir
}

func TestRunDryRunReportsWithoutDeleting(t *testing.T) {
	svc, cacheService, root := newTestService(t)
	tracked, orphan, link, emptyDir := seedInconsistencies(t, cacheService, root)

	report, err := svc.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !report.DryRun {
		t.Error("report not flagged as dry run")
	}
	if len(report.OrphanedStrm) != 1 || report.OrphanedStrm[0] != orphan {
		t.Errorf("orphaned = %v, want [%s]", report.OrphanedStrm, orphan)
	}
	if len(report.BrokenSymlinks) != 1 || report.BrokenSymlinks[0] != link {
		t.Errorf("broken symlinks = %v, want [%s]", report.BrokenSymlinks, link)
	}
	if len(report.EmptyDirs) != 1 || report.EmptyDirs[0] != emptyDir {
		t.Errorf("empty dirs = %v, want [%s]", report.EmptyDirs, emptyDir)
	}
	if report.TotalIssues != 3 {
		t.Errorf("total issues = %d, want 3", report.TotalIssues)
	}
	if report.DeletedCount != 0 {
		t.Errorf("deleted = %d on dry run, want 0", report.DeletedCount)
	}

	// Nothing was touched.
	for _, path := range []string{tracked, orphan, emptyDir} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("dry run removed %s: %v", path, err)
		}
	}
	if _, err := os.Lstat(link); err != nil {
		t.Errorf("dry run removed symlink %s: %v", link, err)
	}
}

func TestRunRemovesUntrackedState(t *testing.T) {
	svc, cacheService, root := newTestService(t)
	tracked, orphan, link, emptyDir := seedInconsistencies(t, cacheService, root)

	report, err := svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.DeletedCount != 3 {
		t.Errorf("deleted = %d, want 3 (errors: %v)", report.DeletedCount, report.Errors)
	}
	for _, path := range []string{orphan, emptyDir} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s still exists after cleanup", path)
		}
	}
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Error("broken symlink still exists after cleanup")
	}

	// The tracked artifact and the output root survive.
	if _, err := os.Stat(tracked); err != nil {
		t.Errorf("tracked artifact removed: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("output root removed: %v", err)
	}
}

func TestRunMissingOutputRoot(t *testing.T) {
	svc, _, root := newTestService(t)
	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}

	report, err := svc.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TotalIssues != 0 || report.DeletedCount != 0 {
		t.Errorf("report for missing root = %+v", report)
	}
}
