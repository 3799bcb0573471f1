package scanner

import (
	"time"

	"github.com/strmsync/strmsync/internal/cache"
)

// Status is the orchestrator state.
type Status string

// Scan statuses. A run moves Idle → Scanning → {Completed, Failed,
// Cancelled}, then the orchestrator is Idle again; Progress keeps the
// terminal status of the last run.
const (
	StatusIdle      Status = "idle"
	StatusScanning  Status = "scanning"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// maxTrackedErrors bounds the error list carried in Progress.
const maxTrackedErrors = 10

// Progress is a point-in-time snapshot of the current or most recent scan.
// Snapshots returned by Service.Progress are copies and safe for concurrent
// pollers.
type Progress struct {
	ID              string     `json:"id"`
	Folder          string     `json:"folder"`
	Status          Status     `json:"status"`
	CurrentPath     string     `json:"current_path,omitempty"`
	Scanned         int        `json:"scanned"`
	Created         int        `json:"created"`
	Updated         int        `json:"updated"`
	Deleted         int        `json:"deleted"`
	Skipped         int        `json:"skipped"`
	Errors          []string   `json:"errors,omitempty"` // last 10 only
	ErrorCount      int        `json:"error_count"`
	ErrorMessage    string     `json:"error_message,omitempty"` // fatal error, when status is failed
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// Settings is the read-only configuration snapshot the orchestrator runs with.
type Settings struct {
	Folders     []string
	Incremental bool
	CheckMethod cache.CheckMethod
	MaxDepth    int // -1 for unlimited
}
