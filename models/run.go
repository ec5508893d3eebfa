package models

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusError
}

type ErrorKind string

const (
	ErrorKindNavigation     ErrorKind = "navigation"
	ErrorKindBrowser        ErrorKind = "browser"
	ErrorKindCancelled      ErrorKind = "cancelled"
	ErrorKindCaptchaTimeout ErrorKind = "captcha_timeout"
	ErrorKindStorage        ErrorKind = "storage"
	ErrorKindStale          ErrorKind = "stale"
	ErrorKindConfig         ErrorKind = "config"
)

// Run is one execution of the ingestion pipeline.
type Run struct {
	ID             string     `json:"id" db:"id"`
	Status         RunStatus  `json:"status" db:"status"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at" db:"finished_at"`
	Progress       float64    `json:"progress" db:"progress"`
	CurrentStep    string     `json:"current_step" db:"current_step"`
	CurrentMessage string     `json:"current_message" db:"current_message"`

	RunCounters

	RawLog         string          `json:"raw_log" db:"raw_log"`
	Config         json.RawMessage `json:"config" db:"config"`
	ChildProcessID int             `json:"child_process_id" db:"child_process_id"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
}

// RunCounters are the accumulated result counters of a run.
type RunCounters struct {
	TotalCollected     int `json:"total_collected" db:"total_collected"`
	TotalUpserts       int `json:"total_upserts" db:"total_upserts"`
	CreatedCount       int `json:"created_count" db:"created_count"`
	UpdatedCount       int `json:"updated_count" db:"updated_count"`
	SkippedRecentCount int `json:"skipped_recent_count" db:"skipped_recent_count"`
}

// Add merges other into c. Negative values are ignored so counters never shrink.
func (c *RunCounters) Add(other RunCounters) {
	c.TotalCollected += nonNegative(other.TotalCollected)
	c.CreatedCount += nonNegative(other.CreatedCount)
	c.UpdatedCount += nonNegative(other.UpdatedCount)
	c.SkippedRecentCount += nonNegative(other.SkippedRecentCount)
	c.TotalUpserts = c.CreatedCount + c.UpdatedCount
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Clone returns a deep copy safe to hand out while the original keeps mutating.
func (r *Run) Clone() *Run {
	cp := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	if r.Config != nil {
		cp.Config = append(json.RawMessage(nil), r.Config...)
	}
	return &cp
}
