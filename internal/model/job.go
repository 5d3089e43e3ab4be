package model

import "time"

// Status is the job lifecycle state.
//
// queued -> running -> completed | failed
//
// A running job whose lease expired may be sent back to queued by the stale
// sweep (retry budget permitting). Terminal states are never left again.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one image-fetch unit of work.
//
// Nullable timestamps are pointers: nil means "never happened".
// LeaseExpiresAt is only meaningful while Status is running; an expired (or
// nil) lease on a running job marks it reclaimable.
type Job struct {
	ID          string  `json:"id"`
	Image       string  `json:"image"`
	Status      Status  `json:"status"`
	Priority    int     `json:"priority"`
	RetryCount  int     `json:"retry_count"`
	MaxAttempts int     `json:"max_attempts"`
	Result      *string `json:"result,omitempty"`
	ErrorDetail *string `json:"error_detail,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
}

// JobSummary is the list-view projection of a Job.
type JobSummary struct {
	ID        string    `json:"id"`
	Image     string    `json:"image"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ClaimedJob is what the claim operation hands to the dispatcher: just enough
// to execute, plus the lease deadline for observability.
type ClaimedJob struct {
	ID             string
	Image          string
	LeaseExpiresAt time.Time
}

// Metric is a (job, key) -> value fact with last-write-wins semantics.
// Labels, when present, is a JSON object string.
type Metric struct {
	JobID     string    `json:"job_id"`
	Key       string    `json:"key"`
	Value     *float64  `json:"value"`
	Unit      *string   `json:"unit,omitempty"`
	Labels    *string   `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
