// Package cache is the durable change-tracking store: last-seen metadata per
// remote path plus an append-only scan history log.
//
// All access funnels through one *sql.DB with a single writer connection
// (see internal/database), so concurrent upserts during a scan and read-only
// queries from the API cannot interleave into a torn record. Sharing the
// store between processes is not supported.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const recordColumns = `path, name, size, modified, is_dir, strm_path, last_sync`

// Service provides change-cache data operations.
type Service struct {
	db *sql.DB
}

// NewService creates a cache service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetRecord retrieves the cached record for a remote path.
// Returns nil, nil when the path has never been synced.
func (s *Service) GetRecord(ctx context.Context, path string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM file_cache WHERE path = ?`, path)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cache record: %w", err)
	}
	return rec, nil
}

// UpsertRecord creates or updates the record for rec.Path and refreshes its
// last-sync timestamp.
func (s *Service) UpsertRecord(ctx context.Context, rec *Record) error {
	if rec.Path == "" {
		return fmt.Errorf("record path is required")
	}
	now := time.Now().UTC()
	rec.LastSync = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_cache (path, name, size, modified, is_dir, strm_path, last_sync, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			modified = excluded.modified,
			is_dir = excluded.is_dir,
			strm_path = excluded.strm_path,
			last_sync = excluded.last_sync
	`,
		rec.Path, rec.Name, rec.Size, rec.Modified, boolToInt(rec.IsDir),
		nullableString(rec.StrmPath), now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting cache record: %w", err)
	}
	return nil
}

// HasChanged reports whether the file at path differs from its cached record
// under the given method. Absence of a record counts as changed.
func (s *Service) HasChanged(ctx context.Context, path, modified string, size int64, method CheckMethod) (bool, error) {
	rec, err := s.GetRecord(ctx, path)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return true, nil
	}

	if method == CheckMtime || method == CheckBoth {
		if modified != "" && rec.Modified != modified {
			return true, nil
		}
	}
	if method == CheckSize || method == CheckBoth {
		if rec.Size != size {
			return true, nil
		}
	}
	return false, nil
}

// DeleteRecord removes the record for a remote path. Deleting an unknown
// path is a no-op.
func (s *Service) DeleteRecord(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_cache WHERE path = ?`, path); err != nil {
		return fmt.Errorf("deleting cache record: %w", err)
	}
	return nil
}

// ListRecords returns all non-directory records under the given folder.
// The folder is matched as a path boundary, so "/lib" does not match
// records under a sibling "/lib2". An empty folder returns every file
// record.
func (s *Service) ListRecords(ctx context.Context, folder string) ([]Record, error) {
	prefix := folder
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM file_cache WHERE is_dir = 0 AND path LIKE ? ORDER BY path`,
		prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("listing cache records: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cache record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Stats returns summary totals over the cache contents.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE is_dir = 0),
			COUNT(*) FILTER (WHERE is_dir = 1),
			COUNT(*) FILTER (WHERE strm_path IS NOT NULL),
			COALESCE(SUM(size) FILTER (WHERE is_dir = 0), 0)
		FROM file_cache`)
	if err := row.Scan(&st.TotalFiles, &st.TotalDirectories, &st.TotalStrm, &st.TotalSize); err != nil {
		return nil, fmt.Errorf("computing cache stats: %w", err)
	}
	return &st, nil
}

// RecordScanStart appends a running scan history entry and returns its id.
func (s *Service) RecordScanStart(ctx context.Context, folder string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_history (folder, started_at, status)
		VALUES (?, ?, ?)
	`, folder, time.Now().UTC().Format(time.RFC3339), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recording scan start: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading scan id: %w", err)
	}
	return id, nil
}

// RecordScanFinish marks a scan run terminal with its final counters.
func (s *Service) RecordScanFinish(ctx context.Context, id int64, c Counters, status, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_history SET
			ended_at = ?,
			scanned = ?,
			created = ?,
			updated = ?,
			deleted = ?,
			status = ?,
			error_message = ?
		WHERE id = ? AND ended_at IS NULL
	`,
		time.Now().UTC().Format(time.RFC3339),
		c.Scanned, c.Created, c.Updated, c.Deleted,
		status, errorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("recording scan finish: %w", err)
	}
	return nil
}

// ScanHistory returns the most recent scan runs, newest first.
func (s *Service) ScanHistory(ctx context.Context, limit int) ([]ScanRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folder, started_at, ended_at, scanned, created, updated, deleted, status, error_message
		FROM scan_history
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing scan history: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var runs []ScanRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LastCompleted returns the most recent completed scan, optionally filtered
// by folder. Returns nil, nil when no scan has completed yet.
func (s *Service) LastCompleted(ctx context.Context, folder string) (*ScanRun, error) {
	query := `
		SELECT id, folder, started_at, ended_at, scanned, created, updated, deleted, status, error_message
		FROM scan_history
		WHERE status = ?`
	args := []any{StatusCompleted}
	if folder != "" {
		query += ` AND folder = ?`
		args = append(args, folder)
	}
	query += ` ORDER BY ended_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting last completed scan: %w", err)
	}
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var isDir int
	var strmPath sql.NullString
	var lastSync string
	if err := row.Scan(&rec.Path, &rec.Name, &rec.Size, &rec.Modified, &isDir, &strmPath, &lastSync); err != nil {
		return nil, err
	}
	rec.IsDir = isDir != 0
	rec.StrmPath = strmPath.String
	if t, err := time.Parse(time.RFC3339, lastSync); err == nil {
		rec.LastSync = t
	}
	return &rec, nil
}

func scanRun(row rowScanner) (*ScanRun, error) {
	var run ScanRun
	var startedAt string
	var endedAt sql.NullString
	var errMsg sql.NullString
	if err := row.Scan(&run.ID, &run.Folder, &startedAt, &endedAt,
		&run.Scanned, &run.Created, &run.Updated, &run.Deleted,
		&run.Status, &errMsg); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		run.StartedAt = t
	}
	if endedAt.Valid {
		if t, err := time.Parse(time.RFC3339, endedAt.String); err == nil {
			run.EndedAt = &t
		}
	}
	run.ErrorMessage = errMsg.String
	return &run, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
