package models

import (
	"time"

	"github.com/google/uuid"
)

// Pause is a suspension record awaiting external resume data.
// At most one unresumed pause exists per execution.
type Pause struct {
	ID          uuid.UUID      `json:"id"`
	ExecutionID uuid.UUID      `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	CreatedAt   time.Time      `json:"created_at"`
	ResumedAt   *time.Time     `json:"resumed_at,omitempty"`
	ResumeData  map[string]any `json:"resume_data,omitempty"`
}
