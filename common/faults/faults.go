package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind string

const (
	// KindBadConfig marks schema validation failures; never retried.
	KindBadConfig Kind = "bad_config"
	// KindBadWorkflow marks an invalid graph (cycle, dangling edge).
	KindBadWorkflow Kind = "bad_workflow"
	// KindTransient marks retryable failures (network blip, 5xx).
	KindTransient Kind = "transient"
	// KindPermanent marks non-retryable failures.
	KindPermanent Kind = "permanent"
	// KindPaused signals the executor to park the execution; not an error
	// in the usual sense, carried as one so it flows through handler returns.
	KindPaused Kind = "paused"
	// KindCancelled marks external cancel or timeout.
	KindCancelled Kind = "cancelled"
	// KindCircuitOpen marks a call rejected by an open circuit breaker.
	KindCircuitOpen Kind = "circuit_open"
	// KindEnqueueFailed marks a dispatcher publish failure.
	KindEnqueueFailed Kind = "enqueue_failed"
	// KindQuotaExceeded marks admission rejection.
	KindQuotaExceeded Kind = "quota_exceeded"
	// KindUnauthorized marks a failed session check.
	KindUnauthorized Kind = "unauthorized"
	// KindNotFound marks a missing resource.
	KindNotFound Kind = "not_found"
	// KindConflict marks an invalid state transition request.
	KindConflict Kind = "conflict"
)

// Error carries a failure kind alongside a wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a fault of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf walks the error chain and returns the first fault kind found.
// Plain errors default to KindPermanent so unclassified failures are
// never silently retried.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindPermanent
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether a node failure is eligible for the executor's
// backoff retry loop.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindCircuitOpen:
		return true
	default:
		return false
	}
}
