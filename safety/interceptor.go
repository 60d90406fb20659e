package safety

import (
	"context"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/logging"
)

// Decision is the interceptor's verdict on one piece of text.
type Decision int

const (
	// Allow releases the text unchanged.
	Allow Decision = iota
	// Flag releases the text but marks the session flagged for review.
	Flag
	// Escalate terminates the turn: the caller receives a substitute
	// response, never the text that triggered it.
	Escalate
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Flag:
		return "flag"
	case Escalate:
		return "escalate"
	default:
		return "allow"
	}
}

// InterceptorOptions configures an Interceptor.
type InterceptorOptions struct {
	// FlagThreshold marks the session flagged at this level or above.
	FlagThreshold core.RiskLevel
	// EscalateThreshold forces escalation at this level or above.
	EscalateThreshold core.RiskLevel
	// Logger receives assessment telemetry. Defaults to no-op.
	Logger logging.Logger
}

// Interceptor routes text through the scorer and applies the threshold
// policy. Pinned sessions (those that previously escalated) are scored
// against thresholds shifted one level down; the pin is only removed by an
// external reviewer, a deliberate hysteresis against flag/clear oscillation.
type Interceptor struct {
	scorer            core.Scorer
	flagThreshold     core.RiskLevel
	escalateThreshold core.RiskLevel
	logger            logging.Logger
}

// NewInterceptor constructs an Interceptor over scorer. The scorer is
// expected to already be fail-closed (see Failsafe).
func NewInterceptor(scorer core.Scorer, optFns ...func(o *InterceptorOptions)) *Interceptor {
	opts := InterceptorOptions{
		FlagThreshold:     core.RiskModerate,
		EscalateThreshold: core.RiskHigh,
		Logger:            logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Interceptor{
		scorer:            scorer,
		flagThreshold:     opts.FlagThreshold,
		escalateThreshold: opts.EscalateThreshold,
		logger:            opts.Logger,
	}
}

// Assess scores text and returns the assessment together with the decision.
// A context error surfaces as-is so the engine resolves the turn as cancelled
// or deadline-breached; only genuine scorer faults fail closed.
func (i *Interceptor) Assess(ctx context.Context, text string, sc core.ScoreContext) (core.SafetyAssessment, Decision, error) {
	assessment, err := i.scorer.Score(ctx, text, sc)
	if err != nil {
		if ctx.Err() != nil {
			return core.SafetyAssessment{}, Allow, ctx.Err()
		}
		// Scorer contract violation; treat like a scorer fault.
		i.logger.Error("scorer returned error past failsafe", "error", err)
		assessment = core.SafetyAssessment{
			Level:      core.RiskCritical,
			Categories: []string{CategoryScorerFault},
			Source:     sc.Source,
		}
	}

	flagAt, escalateAt := i.thresholds(sc.Pinned)

	decision := Allow
	switch {
	case assessment.Level >= escalateAt:
		decision = Escalate
	case assessment.Level >= flagAt:
		decision = Flag
	}

	i.logger.Debug("assessed text",
		"source", string(sc.Source),
		"level", assessment.Level.String(),
		"decision", decision.String(),
		"pinned", sc.Pinned,
	)

	return assessment, decision, nil
}

// thresholds returns the effective thresholds, shifted one level down for
// pinned sessions but never below low.
func (i *Interceptor) thresholds(pinned bool) (flagAt, escalateAt core.RiskLevel) {
	flagAt, escalateAt = i.flagThreshold, i.escalateThreshold
	if !pinned {
		return flagAt, escalateAt
	}
	if flagAt > core.RiskLow {
		flagAt--
	}
	if escalateAt > core.RiskLow {
		escalateAt--
	}
	return flagAt, escalateAt
}
