package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// InputFile is one uploaded file attached to a job. Immutable once the job
// is created.
type InputFile struct {
	Path string `json:"path"`
	Name string `json:"name"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}

type Job struct {
	ID              uuid.UUID   `json:"id"`
	State           JobState    `json:"state"`
	Files           []InputFile `json:"files"`
	Attempts        int         `json:"attempts"`
	MaxAttempts     int         `json:"max_attempts"`
	FilesProcessed  int         `json:"files_processed"`
	FailedFiles     int         `json:"failed_files"`
	EmailsFound     int         `json:"emails_found"`
	CancelRequested bool        `json:"cancel_requested"`
	ClaimedBy       string      `json:"claimed_by,omitempty"`
	ErrorSummary    *string     `json:"error_summary,omitempty"`
	OutputPath      *string     `json:"output_path,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	HeartbeatAt     *time.Time  `json:"heartbeat_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// Metrics holds job counts by state plus running totals.
type Metrics struct {
	TotalJobs     int64 `json:"total_jobs"`
	PendingJobs   int64 `json:"pending_jobs"`
	RunningJobs   int64 `json:"running_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	EmailsFound   int64 `json:"emails_found"`
}
