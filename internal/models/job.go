package models

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job record. A record is always in
// exactly one state; Done and Failed are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is the unit of work persisted in the record store.
//
// Payload and Result are opaque to the engine; only the work handler
// interprets them. ClaimedAt is non-nil iff Status is running, and
// CompletedAt is non-nil iff Status is terminal.
type Job struct {
	ID               string          `json:"id"`
	Status           Status          `json:"status"`
	Payload          json.RawMessage `json:"payload"`
	AttemptCount     int             `json:"attempt_count"`
	MaxAttempts      int             `json:"max_attempts"`
	IdempotencyToken *string         `json:"idempotency_token,omitempty"`
	Tenant           string          `json:"tenant"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	LastError        *string         `json:"last_error,omitempty"`
}

// DeadLetter is an immutable snapshot of a job that exhausted its retry
// budget. Payload is a copy taken at failure time, not a reference.
type DeadLetter struct {
	ID                string          `json:"id"`
	JobID             string          `json:"job_id"`
	Payload           json.RawMessage `json:"payload"`
	FinalAttemptCount int             `json:"final_attempt_count"`
	LastError         string          `json:"last_error"`
	FailedAt          time.Time       `json:"failed_at"`
	Tenant            string          `json:"tenant"`
}
