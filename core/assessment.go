package core

import (
	"context"
	"time"
)

// ScoreSource distinguishes what side of the turn a text was taken from.
type ScoreSource string

const (
	// SourceInput marks raw user input scored at intake.
	SourceInput ScoreSource = "input"
	// SourceOutput marks synthesized output scored at safety review.
	SourceOutput ScoreSource = "output"
)

// ScoreContext carries the session circumstances a scorer may weigh.
type ScoreContext struct {
	SessionID string
	TurnID    string
	Source    ScoreSource
	// Pinned indicates the session previously escalated; scorers and the
	// interceptor apply more conservative thresholds until a reviewer
	// clears the pin.
	Pinned bool
}

// SafetyAssessment is the result of scoring one piece of text. Assessments
// attach monotonically to the turn/session they concern and are never
// retroactively weakened once escalated.
type SafetyAssessment struct {
	Level      RiskLevel   `json:"level"`
	Categories []string    `json:"categories,omitempty"`
	AssessedAt time.Time   `json:"assessed_at"`
	Source     ScoreSource `json:"source"`
}

// Scorer is the pluggable risk classifier. It sits on the critical path of
// every turn, so implementations must stay within a hard latency budget
// (target: under 1s at p95). On internal error callers treat the text as the
// highest applicable risk for the context (fail closed) rather than passing
// it through.
type Scorer interface {
	Score(ctx context.Context, text string, sc ScoreContext) (SafetyAssessment, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, text string, sc ScoreContext) (SafetyAssessment, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, text string, sc ScoreContext) (SafetyAssessment, error) {
	return f(ctx, text, sc)
}
