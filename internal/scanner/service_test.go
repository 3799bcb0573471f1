package scanner

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/strmsync/strmsync/internal/cache"
	"github.com/strmsync/strmsync/internal/database"
	"github.com/strmsync/strmsync/internal/openlist"
	"github.com/strmsync/strmsync/internal/strm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeLister serves a canned remote tree, visiting directories depth-first
// like the real walker.
type fakeLister struct {
	dirs  map[string][]openlist.Entry
	err   error
	onDir func(dir string)
}

func (f *fakeLister) Walk(ctx context.Context, root string, maxDepth int, fn openlist.WalkFunc) error {
	if f.err != nil {
		return f.err
	}
	stack := []string{root}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.onDir != nil {
			f.onDir(dir)
		}

		var subdirs, files []openlist.Entry
		for _, e := range f.dirs[dir] {
			if e.IsDir {
				subdirs = append(subdirs, e)
			} else {
				files = append(files, e)
			}
		}
		if err := fn(dir, subdirs, files); err != nil {
			return err
		}
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i].Path)
		}
	}
	return nil
}

type testEnv struct {
	svc       *Service
	lister    *fakeLister
	generator *strm.Generator
	cache     *cache.Service
	db        *sql.DB
	outputDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	outputDir := t.TempDir()
	generator := strm.NewGenerator(strm.Config{
		OutputRoot:    outputDir,
		Extensions:    []string{".mp4", ".mkv"},
		KeepStructure: true,
	}, testLogger())

	lister := &fakeLister{dirs: map[string][]openlist.Entry{}}
	cacheService := cache.NewService(db)
	svc := NewService(lister, generator, cacheService, Settings{
		Folders:     []string{"/lib"},
		Incremental: true,
		CheckMethod: cache.CheckBoth,
		MaxDepth:    -1,
	}, testLogger())

	return &testEnv{
		svc:       svc,
		lister:    lister,
		generator: generator,
		cache:     cacheService,
		db:        db,
		outputDir: outputDir,
	}
}

func (env *testEnv) seedTree() {
	env.lister.dirs = map[string][]openlist.Entry{
		"/lib": {
			{Path: "/lib/a.mp4", Name: "a.mp4", Size: 10, Modified: "t1"},
			{Path: "/lib/readme.txt", Name: "readme.txt", Size: 1, Modified: "t1"},
			{Path: "/lib/sub", Name: "sub", IsDir: true},
		},
		"/lib/sub": {
			{Path: "/lib/sub/b.mkv", Name: "b.mkv", Size: 20, Modified: "t2"},
		},
	}
}

func TestScanGeneratesArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx := context.Background()

	p, err := env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", p.Status)
	}
	if p.Scanned != 3 || p.Created != 2 || p.Updated != 0 || p.Deleted != 0 {
		t.Errorf("counters = %+v", p)
	}
	if p.EndedAt == nil || p.ID == "" {
		t.Errorf("run metadata incomplete: %+v", p)
	}

	content, err := os.ReadFile(filepath.Join(env.outputDir, "lib", "a.strm"))
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if string(content) != "/lib/a.mp4" {
		t.Errorf("artifact content = %q, want %q", content, "/lib/a.mp4")
	}
	if _, err := os.Stat(filepath.Join(env.outputDir, "lib", "sub", "b.strm")); err != nil {
		t.Errorf("nested artifact missing: %v", err)
	}

	rec, err := env.cache.GetRecord(ctx, "/lib/a.mp4")
	if err != nil || rec == nil {
		t.Fatalf("cache record after scan = %v, %v", rec, err)
	}
	if rec.Modified != "t1" || rec.Size != 10 || rec.StrmPath == "" {
		t.Errorf("cache record = %+v", rec)
	}

	runs, err := env.svc.History(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("history = %v, %v", runs, err)
	}
	if runs[0].Status != cache.StatusCompleted || runs[0].Created != 2 {
		t.Errorf("history entry = %+v", runs[0])
	}
}

func TestIncrementalRescanSkipsUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx := context.Background()

	if _, err := env.svc.Scan(ctx, "/lib", false); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	p, err := env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if p.Created != 0 || p.Updated != 0 || p.Skipped != 2 {
		t.Errorf("rescan counters = created %d, updated %d, skipped %d; want 0, 0, 2",
			p.Created, p.Updated, p.Skipped)
	}
}

func TestRescanAfterTokenChange(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx := context.Background()

	if _, err := env.svc.Scan(ctx, "/lib", false); err != nil {
		t.Fatalf("first Scan: %v", err)
	}

	env.lister.dirs["/lib"][0].Modified = "t2"
	p, err := env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	// The artifact content is unchanged, so the write is elided, but the run
	// counts the file as updated and records the new token.
	if p.Updated != 1 || p.Created != 0 {
		t.Errorf("counters = updated %d, created %d; want 1, 0", p.Updated, p.Created)
	}
	rec, _ := env.cache.GetRecord(ctx, "/lib/a.mp4")
	if rec == nil || rec.Modified != "t2" {
		t.Errorf("record after token change = %+v", rec)
	}

	// The change is settled: a third scan skips everything again.
	p, err = env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("third Scan: %v", err)
	}
	if p.Updated != 0 || p.Skipped != 2 {
		t.Errorf("third scan counters = updated %d, skipped %d; want 0, 2", p.Updated, p.Skipped)
	}
}

func TestForceRegeneratesAll(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx := context.Background()

	if _, err := env.svc.Scan(ctx, "/lib", false); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	p, err := env.svc.Scan(ctx, "/lib", true)
	if err != nil {
		t.Fatalf("forced Scan: %v", err)
	}
	if p.Updated != 2 || p.Skipped != 0 {
		t.Errorf("forced counters = updated %d, skipped %d; want 2, 0", p.Updated, p.Skipped)
	}
}

func TestReconcileDeletedFiles(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx := context.Background()

	if _, err := env.svc.Scan(ctx, "/lib", false); err != nil {
		t.Fatalf("first Scan: %v", err)
	}

	// The remote file in the subdirectory vanishes before the next scan.
	delete(env.lister.dirs, "/lib/sub")
	env.lister.dirs["/lib"] = env.lister.dirs["/lib"][:2]

	p, err := env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if p.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", p.Deleted)
	}
	if _, err := os.Stat(filepath.Join(env.outputDir, "lib", "sub", "b.strm")); !os.IsNotExist(err) {
		t.Error("artifact for vanished file still exists")
	}
	// The now-empty parent is pruned, the output root is not.
	if _, err := os.Stat(filepath.Join(env.outputDir, "lib", "sub")); !os.IsNotExist(err) {
		t.Error("empty parent directory not pruned")
	}
	if _, err := os.Stat(env.outputDir); err != nil {
		t.Errorf("output root removed: %v", err)
	}
	if rec, _ := env.cache.GetRecord(ctx, "/lib/sub/b.mkv"); rec != nil {
		t.Errorf("cache record for vanished file still exists: %+v", rec)
	}
}

func TestReconcileIgnoresSiblingFolders(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx := context.Background()

	// A record from a sibling folder whose name shares the scanned folder
	// as a string prefix. A scan of /lib must not touch it.
	sibling := filepath.Join(env.outputDir, "lib2", "c.strm")
	if err := os.MkdirAll(filepath.Dir(sibling), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sibling, []byte("/lib2/c.mp4"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.cache.UpsertRecord(ctx, &cache.Record{
		Path: "/lib2/c.mp4", Name: "c.mp4", Size: 7, Modified: "t1", StrmPath: sibling,
	}); err != nil {
		t.Fatal(err)
	}

	p, err := env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p.Deleted != 0 {
		t.Errorf("deleted = %d, want 0", p.Deleted)
	}
	if _, err := os.Stat(sibling); err != nil {
		t.Errorf("sibling folder artifact removed by scan of /lib: %v", err)
	}
	if rec, _ := env.cache.GetRecord(ctx, "/lib2/c.mp4"); rec == nil {
		t.Error("sibling folder cache record removed by scan of /lib")
	}
}

func TestCancellationSkipsReconciliation(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx := context.Background()

	// Seed a stale record that a full scan would reconcile away.
	stale := filepath.Join(env.outputDir, "lib", "gone.strm")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("/lib/gone.mp4"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.cache.UpsertRecord(ctx, &cache.Record{
		Path: "/lib/gone.mp4", Name: "gone.mp4", Size: 5, Modified: "t0", StrmPath: stale,
	}); err != nil {
		t.Fatal(err)
	}

	env.lister.onDir = func(dir string) {
		if dir == "/lib/sub" {
			env.svc.Cancel()
		}
	}

	p, err := env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", p.Status)
	}
	if p.Deleted != 0 {
		t.Errorf("deleted = %d on cancelled scan, want 0", p.Deleted)
	}
	if _, err := os.Stat(stale); err != nil {
		t.Errorf("stale artifact removed despite cancellation: %v", err)
	}
	if rec, _ := env.cache.GetRecord(ctx, "/lib/gone.mp4"); rec == nil {
		t.Error("stale cache record removed despite cancellation")
	}

	runs, _ := env.svc.History(ctx, 1)
	if len(runs) != 1 || runs[0].Status != cache.StatusCancelled {
		t.Errorf("history after cancellation = %+v", runs)
	}
}

func TestContextCancelledScanRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.lister.onDir = func(dir string) {
		if dir == "/lib/sub" {
			cancel()
		}
	}

	p, err := env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", p.Status)
	}

	// The history row must still reach a terminal status even though the
	// scan's own context is already cancelled.
	runs, err := env.svc.History(context.Background(), 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	if runs[0].Status != cache.StatusCancelled {
		t.Errorf("history status = %q, want %q", runs[0].Status, cache.StatusCancelled)
	}
	if runs[0].EndedAt == nil {
		t.Error("history row has no ended_at after a context-cancelled scan")
	}
}

func TestConcurrentScanRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()

	started := make(chan struct{})
	release := make(chan struct{})
	env.lister.onDir = func(dir string) {
		if dir == "/lib" {
			close(started)
			<-release
		}
	}

	done := make(chan Progress, 1)
	go func() {
		p, _ := env.svc.Scan(context.Background(), "/lib", false)
		done <- p
	}()

	<-started
	if _, err := env.svc.Scan(context.Background(), "/lib", false); !errors.Is(err, ErrScanInProgress) {
		t.Errorf("second Scan error = %v, want ErrScanInProgress", err)
	}
	close(release)

	if p := <-done; p.Status != StatusCompleted {
		t.Errorf("first scan status = %s", p.Status)
	}
	// Idle again: a new scan is accepted.
	env.lister.onDir = nil
	if _, err := env.svc.Scan(context.Background(), "/lib", false); err != nil {
		t.Errorf("scan after completion: %v", err)
	}
}

func TestRootListingFailureFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.lister.err = &openlist.Error{Code: -1, Message: "connection refused"}
	ctx := context.Background()

	p, err := env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", p.Status)
	}
	if p.ErrorMessage == "" {
		t.Error("error message not retained in progress")
	}

	runs, _ := env.svc.History(ctx, 1)
	if len(runs) != 1 || runs[0].Status != cache.StatusFailed || runs[0].ErrorMessage == "" {
		t.Errorf("history after failure = %+v", runs)
	}
}

func TestCallbacks(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx := context.Background()

	var completed, failed []Progress
	env.svc.OnComplete(func(p Progress) { completed = append(completed, p) })
	env.svc.OnComplete(func(p Progress) { panic("boom") }) // must not crash the run
	env.svc.OnError(func(p Progress) { failed = append(failed, p) })

	if _, err := env.svc.Scan(ctx, "/lib", false); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(completed) != 1 || len(failed) != 0 {
		t.Fatalf("callbacks after success: completed %d, failed %d", len(completed), len(failed))
	}
	if completed[0].Status != StatusCompleted {
		t.Errorf("callback snapshot status = %s", completed[0].Status)
	}

	env.lister.err = &openlist.Error{Code: 500, Message: "remote broke"}
	if _, err := env.svc.Scan(ctx, "/lib", false); err != nil {
		t.Fatalf("failing Scan: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("OnError callbacks after failure = %d, want 1", len(failed))
	}
}

func TestScanAllSequential(t *testing.T) {
	env := newTestEnv(t)
	env.svc.settings.Folders = []string{"/lib", "/other"}
	env.seedTree()
	env.lister.dirs["/other"] = []openlist.Entry{
		{Path: "/other/c.mp4", Name: "c.mp4", Size: 7, Modified: "t3"},
	}

	results, err := env.svc.ScanAll(context.Background(), false)
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, p := range results {
		if p.Status != StatusCompleted {
			t.Errorf("folder %s status = %s", p.Folder, p.Status)
		}
	}
	if _, err := os.Stat(filepath.Join(env.outputDir, "other", "c.strm")); err != nil {
		t.Errorf("artifact for second folder missing: %v", err)
	}
}

func TestPerFileErrorDoesNotAbort(t *testing.T) {
	env := newTestEnv(t)
	env.seedTree()
	ctx := context.Background()

	// Make one artifact path unwritable by occupying its parent with a file.
	blocker := filepath.Join(env.outputDir, "lib", "sub")
	if err := os.MkdirAll(filepath.Join(env.outputDir, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(blocker, []byte("not a directory"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := env.svc.Scan(ctx, "/lib", false)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if p.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed despite per-file error", p.Status)
	}
	if p.ErrorCount == 0 || len(p.Errors) == 0 {
		t.Error("per-file error not recorded")
	}
	if p.Created != 1 {
		t.Errorf("created = %d, want 1 (the unaffected file)", p.Created)
	}
}
