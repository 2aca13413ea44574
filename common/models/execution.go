package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the lifecycle state of one workflow run
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// Execution is one attempt at running a workflow
type Execution struct {
	ID              uuid.UUID       `json:"id"`
	WorkflowID      uuid.UUID       `json:"workflow_id"`
	UserID          string          `json:"user_id"`
	Status          ExecutionStatus `json:"status"`
	Input           map[string]any  `json:"input"`
	Output          map[string]any  `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	AttemptCount    int             `json:"attempt_count"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
}

// ExecutionPatch carries the optional fields of a status transition
type ExecutionPatch struct {
	Output     map[string]any
	Error      string
	FinishedAt *time.Time
}
