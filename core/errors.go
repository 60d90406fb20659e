package core

import (
	"errors"
	"fmt"
)

// ErrTurnNotFound is returned when a turn id resolves to nothing.
var ErrTurnNotFound = errors.New("turn not found")

// ErrTurnDeadline marks a breach of the turn-level wall-clock ceiling. A turn
// that finishes its steps but exceeds the aggregate ceiling still fails, to
// bound worst-case end-to-end latency.
var ErrTurnDeadline = errors.New("turn deadline exceeded")

// ErrSessionArchived is returned when a turn is submitted to an archived session.
var ErrSessionArchived = errors.New("session archived")

// ValidationError reports malformed caller input. It is raised before any
// state mutation, so a rejected request leaves no trace.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// AgentFailure reports a step whose capability failed after exhausting
// retries. The engine absorbs it into fallback-or-turn-failure; it is never
// surfaced to callers as a raw error.
type AgentFailure struct {
	StepID     string
	Capability string
	Err        error
}

// Error implements error.
func (e *AgentFailure) Error() string {
	return fmt.Sprintf("step %s (%s) failed: %v", e.StepID, e.Capability, e.Err)
}

// Unwrap exposes the underlying capability error.
func (e *AgentFailure) Unwrap() error { return e.Err }
