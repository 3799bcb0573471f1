package cache

import "time"

// CheckMethod selects which metadata fields drive change detection.
type CheckMethod string

// Supported change-detection methods.
const (
	CheckMtime CheckMethod = "mtime"
	CheckSize  CheckMethod = "size"
	CheckBoth  CheckMethod = "both"
)

// Scan run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Record is the last-seen metadata for one remote path.
type Record struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified string    `json:"modified"` // opaque remote modification token
	IsDir    bool      `json:"is_dir"`
	StrmPath string    `json:"strm_path,omitempty"` // empty when no artifact exists
	LastSync time.Time `json:"last_sync"`
}

// ScanRun is one append-only scan history entry. It is immutable once its
// status becomes terminal.
type ScanRun struct {
	ID           int64      `json:"id"`
	Folder       string     `json:"folder"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Scanned      int        `json:"scanned"`
	Created      int        `json:"created"`
	Updated      int        `json:"updated"`
	Deleted      int        `json:"deleted"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Counters bundles the per-run totals recorded on scan finish.
type Counters struct {
	Scanned int
	Created int
	Updated int
	Deleted int
}

// Stats summarizes the cache contents.
type Stats struct {
	TotalFiles       int   `json:"total_files"`
	TotalDirectories int   `json:"total_directories"`
	TotalStrm        int   `json:"total_strm"`
	TotalSize        int64 `json:"total_size"`
}
