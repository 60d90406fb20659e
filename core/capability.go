package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Task is the input handed to a capability invocation. Prior step outputs are
// provided under Context keyed by step id so capabilities stay stateless.
type Task struct {
	SessionID string            `json:"session_id"`
	TurnID    string            `json:"turn_id"`
	Input     string            `json:"input"`
	Context   map[string]string `json:"context,omitempty"`
}

// Result is a successful capability outcome.
type Result struct {
	Output string            `json:"output"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Capability is the uniform contract every agent implementation fulfils.
//
// Implementations may be local computations or calls to external services.
// They must honor ctx cancellation/deadline, be safe for concurrent use, and
// have no observable side effects beyond the returned result; persistence is
// the workflow engine's job, which keeps capabilities substitutable in tests.
type Capability interface {
	// ID returns the versioned capability identifier, "kind@vN"
	// (e.g. "narrator@v1"). The registry rejects malformed ids at startup.
	ID() string

	// Invoke runs the task and returns a result or a typed failure.
	Invoke(ctx context.Context, task Task) (*Result, error)
}

// FailureKind classifies capability failures.
type FailureKind string

const (
	// FailureTimeout means the invocation exceeded its deadline.
	FailureTimeout FailureKind = "timeout"
	// FailureInvalidInput means the task was malformed for this capability.
	FailureInvalidInput FailureKind = "invalid_input"
	// FailureUnavailable means the backing service could not be reached.
	FailureUnavailable FailureKind = "unavailable"
	// FailureInternal is any other capability-side fault.
	FailureInternal FailureKind = "internal"
)

// CapabilityError is the typed failure returned by capability invocations.
type CapabilityError struct {
	Kind       FailureKind
	Capability string
	Err        error
}

// Error implements error.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s failed (%s): %v", e.Capability, e.Kind, e.Err)
}

// Unwrap exposes the wrapped cause.
func (e *CapabilityError) Unwrap() error { return e.Err }

// NewCapabilityError wraps err as a typed capability failure.
func NewCapabilityError(kind FailureKind, capability string, err error) *CapabilityError {
	return &CapabilityError{Kind: kind, Capability: capability, Err: err}
}

// FailureKindOf extracts the failure kind from err, defaulting to internal.
func FailureKindOf(err error) FailureKind {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureInternal
}

// ParseCapabilityID splits a versioned id into kind and version.
// Returns an error when the id does not match "kind@vN".
func ParseCapabilityID(id string) (kind, version string, err error) {
	kind, version, ok := strings.Cut(id, "@")
	if !ok || kind == "" || len(version) < 2 || version[0] != 'v' {
		return "", "", fmt.Errorf("malformed capability id %q: want kind@vN", id)
	}
	for _, r := range version[1:] {
		if r < '0' || r > '9' {
			return "", "", fmt.Errorf("malformed capability id %q: want kind@vN", id)
		}
	}
	return kind, version, nil
}
