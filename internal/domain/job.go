package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates the lifecycle states of a reading job.
type JobStatus string

const (
	JobStatusIdle     JobStatus = "idle"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusError    JobStatus = "error"
)

// Terminal reports whether the status is an end state of a run.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// Job tracks one generation run: its identifier, the bearer token bound at
// creation, and the outcome fields filled in by the task runner. Result and
// Error are mutually exclusive; both are empty while the job is running.
type Job struct {
	ID        string          `json:"job_id"`
	Status    JobStatus       `json:"status"`
	Token     string          `json:"token"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Expired reports whether the job's TTL has elapsed at the given instant.
// A job without an expiry deadline (idle or still running) never expires.
func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && !now.Before(*j.ExpiresAt)
}

// Snapshot is the durable record written after every mutation: the job, its
// full event log, and the next event id to assign. One snapshot per job id.
type Snapshot struct {
	Job         Job     `json:"job"`
	Events      []Event `json:"events"`
	NextEventID int64   `json:"next_event_id"`
}
