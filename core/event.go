package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType labels the observable fact a WorkflowEvent reports.
type EventType string

const (
	// EventTurnStarted is emitted when a turn leaves the pending state.
	EventTurnStarted EventType = "turn_started"
	// EventStageChanged is emitted on every workflow stage transition.
	EventStageChanged EventType = "stage_changed"
	// EventStepStarted is emitted when a capability invocation begins.
	EventStepStarted EventType = "step_started"
	// EventStepCompleted is emitted when a step reaches a terminal status.
	EventStepCompleted EventType = "step_completed"
	// EventTurnCompleted is emitted once per turn with its terminal status.
	EventTurnCompleted EventType = "turn_completed"
	// EventSafetyFlagged is emitted when an assessment marks the session flagged.
	EventSafetyFlagged EventType = "safety_flagged"
	// EventSafetyEscalated is emitted when safety screening escalates a turn.
	EventSafetyEscalated EventType = "safety_escalated"
	// EventHealthPing is a liveness heartbeat on every session topic.
	EventHealthPing EventType = "health_ping"
	// EventGap tells a replaying subscriber that requested events have
	// already left the replay buffer.
	EventGap EventType = "gap"
)

// WorkflowEvent is an observable fact about a state change. Events are
// transient: published once and retained only in a short replay buffer.
// Sequence is assigned by the publisher, monotonic per session, and lets
// observers detect gaps.
type WorkflowEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id,omitempty"`
	Sequence  uint64         `json:"sequence"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an event for a session; the sequence number is assigned
// when the publisher accepts it.
func NewEvent(typ EventType, sessionID, turnID string, payload map[string]any) WorkflowEvent {
	return WorkflowEvent{
		ID:        NewID(),
		Type:      typ,
		SessionID: sessionID,
		TurnID:    turnID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewStageEvent reports a stage transition.
func NewStageEvent(sessionID, turnID string, from, to Stage) WorkflowEvent {
	return NewEvent(EventStageChanged, sessionID, turnID, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

// NewStepEvent reports a step lifecycle change.
func NewStepEvent(typ EventType, sessionID, turnID string, step AgentStep) WorkflowEvent {
	return NewEvent(typ, sessionID, turnID, map[string]any{
		"step_id":    step.ID,
		"capability": step.Capability,
		"status":     string(step.Status),
		"attempts":   step.Attempts,
	})
}

// NewID generates a unique identifier for events, turns, and steps.
func NewID() string { return uuid.NewString() }
