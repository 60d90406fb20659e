package safety

import (
	"context"
	"time"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/logging"
)

// CategoryScorerFault is attached to assessments produced by the fail-closed
// path so reviewers can tell a scorer fault from a genuine match.
const CategoryScorerFault = "scorer_fault"

// Failsafe wraps a core.Scorer with the hard latency budget and the
// fail-closed guarantee: if the inner scorer errors or overruns its budget,
// the text is treated as critical risk instead of being passed through.
type Failsafe struct {
	inner  core.Scorer
	budget time.Duration
	logger logging.Logger
}

// NewFailsafe wraps inner with budget. A nil logger is substituted with a no-op.
func NewFailsafe(inner core.Scorer, budget time.Duration, logger logging.Logger) *Failsafe {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Failsafe{inner: inner, budget: budget, logger: logger}
}

// Score implements core.Scorer. A scorer fault becomes a critical assessment,
// which the interceptor turns into escalation. Cancellation of the parent
// context is not a scorer fault: the caller gave up on the turn, so the error
// propagates instead of manufacturing a crisis assessment.
func (f *Failsafe) Score(ctx context.Context, text string, sc core.ScoreContext) (core.SafetyAssessment, error) {
	scoreCtx, cancel := context.WithTimeout(ctx, f.budget)
	defer cancel()

	type outcome struct {
		assessment core.SafetyAssessment
		err        error
	}

	// Run the inner scorer in its own goroutine so a stuck implementation
	// cannot hold the turn past the budget.
	resultCh := make(chan outcome, 1)
	go func() {
		a, err := f.inner.Score(scoreCtx, text, sc)
		resultCh <- outcome{assessment: a, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			if err := ctx.Err(); err != nil {
				return core.SafetyAssessment{}, err
			}
			f.logger.Error("scorer failed, failing closed", "error", res.err, "source", string(sc.Source))
			return f.closed(sc), nil
		}
		return res.assessment, nil
	case <-scoreCtx.Done():
		if err := ctx.Err(); err != nil {
			return core.SafetyAssessment{}, err
		}
		f.logger.Error("scorer overran budget, failing closed", "budget", f.budget, "source", string(sc.Source))
		return f.closed(sc), nil
	}
}

func (f *Failsafe) closed(sc core.ScoreContext) core.SafetyAssessment {
	return core.SafetyAssessment{
		Level:      core.RiskCritical,
		Categories: []string{CategoryScorerFault},
		AssessedAt: time.Now().UTC(),
		Source:     sc.Source,
	}
}
