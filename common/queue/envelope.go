package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the wire format version carried in the `v` field
const EnvelopeVersion = 1

// Kind discriminates the job types carried on the bus
type Kind string

const (
	KindStart     Kind = "start"
	KindResume    Kind = "resume"
	KindRetryNode Kind = "retry-node"
)

// Envelope is the durable job record for one execution dispatch.
// The format is stable; consumers reject unknown versions.
type Envelope struct {
	V           int            `json:"v"`
	JobID       uuid.UUID      `json:"jobId"`
	Kind        Kind           `json:"kind"`
	ExecutionID uuid.UUID      `json:"executionId"`
	WorkflowID  uuid.UUID      `json:"workflowId"`
	UserID      string         `json:"userId"`
	Attempt     int            `json:"attempt"`
	EnqueuedAt  time.Time      `json:"enqueuedAt"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// NewEnvelope builds a versioned envelope with a fresh job id
func NewEnvelope(kind Kind, executionID, workflowID uuid.UUID, userID string) *Envelope {
	return &Envelope{
		V:           EnvelopeVersion,
		JobID:       uuid.New(),
		Kind:        kind,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		UserID:      userID,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Encode serializes the envelope to its wire form
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and version-checks an envelope
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.V != EnvelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	return &env, nil
}

// DeadLetter preserves the original envelope plus the failure context
type DeadLetter struct {
	Envelope      *Envelope `json:"envelope"`
	FailureReason string    `json:"failureReason"`
	LastError     string    `json:"lastError,omitempty"`
	DeadAt        time.Time `json:"deadAt"`
}

// Backoff computes the redelivery delay for a given attempt:
// min(cap, base * 2^attempt)
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
