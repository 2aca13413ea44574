package models

import (
	"time"

	"github.com/google/uuid"
)

// NodeStatus is the lifecycle state of one node attempt
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// NodeExecution is one attempt at one node within one execution.
// Exactly one row exists per (execution_id, node_id, attempt).
type NodeExecution struct {
	ID          uuid.UUID      `json:"id"`
	ExecutionID uuid.UUID      `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Attempt     int            `json:"attempt"`
	Status      NodeStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Handle      string         `json:"handle,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	RetryCount  int            `json:"retry_count"`
}

// NodeExecutionPatch is the write payload for a node transition
type NodeExecutionPatch struct {
	Status     NodeStatus
	Input      map[string]any
	Output     map[string]any
	Handle     string
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
	RetryCount int
}
