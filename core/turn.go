package core

import "time"

// Stage identifies a position in the per-turn workflow state machine.
type Stage string

const (
	// StageIntake is the initial stage; the raw input is safety pre-checked here.
	StageIntake Stage = "intake"
	// StagePlanning builds the step graph for the turn.
	StagePlanning Stage = "planning"
	// StageAgentExecution runs the planned capability steps.
	StageAgentExecution Stage = "agent_execution"
	// StageSynthesis assembles the final narrative output from step results.
	StageSynthesis Stage = "synthesis"
	// StageSafetyReview scores the synthesized output before release.
	StageSafetyReview Stage = "safety_review"
	// StageCompletion is the terminal stage of a successful turn.
	StageCompletion Stage = "completion"
	// StageEscalation is the terminal stage of a safety-escalated turn.
	StageEscalation Stage = "escalation"
)

// TurnStatus is the lifecycle status of a Turn.
type TurnStatus string

const (
	// TurnPending means the turn is queued behind another turn of the same session.
	TurnPending TurnStatus = "pending"
	// TurnRunning means the turn is actively advancing through the workflow.
	TurnRunning TurnStatus = "running"
	// TurnCompleted means the turn finished and its output passed safety review.
	TurnCompleted TurnStatus = "completed"
	// TurnCancelled means the caller cancelled the turn before completion.
	TurnCancelled TurnStatus = "cancelled"
	// TurnEscalated means safety screening replaced the output with a
	// substitute response and flagged the session.
	TurnEscalated TurnStatus = "escalated"
	// TurnFailed means a step exhausted its retries without a fallback, the
	// turn ceiling was breached, or the engine hit an internal fault.
	TurnFailed TurnStatus = "failed"
)

// IsTerminal reports whether the status is final. Terminal turns are
// immutable and appended to the session history.
func (s TurnStatus) IsTerminal() bool {
	switch s {
	case TurnCompleted, TurnCancelled, TurnEscalated, TurnFailed:
		return true
	}
	return false
}

// StepStatus is the lifecycle status of an AgentStep.
type StepStatus string

const (
	// StepPending means the step is waiting on prerequisites or a worker slot.
	StepPending StepStatus = "pending"
	// StepRunning means the capability invocation is in flight.
	StepRunning StepStatus = "running"
	// StepSucceeded means the capability returned a result.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the capability failed after exhausting retries.
	StepFailed StepStatus = "failed"
	// StepSkipped means the step never ran (cancellation, escalation, or a
	// failed prerequisite).
	StepSkipped StepStatus = "skipped"
)

// AgentStep records one capability invocation within a turn's workflow graph.
type AgentStep struct {
	ID         string        `json:"id"`
	Capability string        `json:"capability"`
	Input      string        `json:"input"`
	Output     string        `json:"output,omitempty"`
	Attempts   int           `json:"attempts"`
	Status     StepStatus    `json:"status"`
	Error      string        `json:"error,omitempty"`
	Fallback   bool          `json:"fallback,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Resource points a user at a support channel. Attached to escalated turns
// alongside the substitute output.
type Resource struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
	Note    string `json:"note,omitempty"`
}

// Turn is one request/response cycle within a session. Once its status is
// terminal the turn must be treated as immutable.
type Turn struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	Input            string            `json:"input"`
	Steps            []AgentStep       `json:"steps,omitempty"`
	Output           string            `json:"output,omitempty"`
	Resources        []Resource        `json:"resources,omitempty"`
	InputAssessment  *SafetyAssessment `json:"input_assessment,omitempty"`
	OutputAssessment *SafetyAssessment `json:"output_assessment,omitempty"`
	Status           TurnStatus        `json:"status"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	Duration         time.Duration     `json:"duration"`
}

// NewTurn constructs a pending turn bound to a session.
func NewTurn(turnID, sessionID, input string) *Turn {
	if turnID == "" {
		turnID = NewID()
	}
	return &Turn{
		ID:        turnID,
		SessionID: sessionID,
		Input:     input,
		Status:    TurnPending,
		StartedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the turn safe for independent mutation.
func (t *Turn) Clone() *Turn {
	clone := *t
	clone.Steps = make([]AgentStep, len(t.Steps))
	copy(clone.Steps, t.Steps)
	if t.Resources != nil {
		clone.Resources = make([]Resource, len(t.Resources))
		copy(clone.Resources, t.Resources)
	}
	if t.InputAssessment != nil {
		a := *t.InputAssessment
		clone.InputAssessment = &a
	}
	if t.OutputAssessment != nil {
		a := *t.OutputAssessment
		clone.OutputAssessment = &a
	}
	return &clone
}

// Step returns a pointer to the step with the given id, or nil.
func (t *Turn) Step(id string) *AgentStep {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}
