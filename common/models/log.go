package models

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel for execution log entries
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// ExecutionLog is an append-only structured log entry. NodeID is empty for
// execution-level entries.
type ExecutionLog struct {
	ID          uuid.UUID      `json:"id"`
	ExecutionID uuid.UUID      `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Level       LogLevel       `json:"level"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
