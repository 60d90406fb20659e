package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/logging"
	"github.com/loomhq/loom/safety"
)

// errEscalated aborts in-flight execution when a step output trips the
// escalation threshold. Internal control flow only; callers see the turn's
// escalated status, never this error.
var errEscalated = errors.New("safety escalation")

// escalationSignal carries the triggering assessment out of a step guard so
// the engine records it on the turn from a single goroutine. It matches
// errors.Is(err, errEscalated).
type escalationSignal struct {
	assessment core.SafetyAssessment
}

func (s *escalationSignal) Error() string { return errEscalated.Error() }

func (s *escalationSignal) Unwrap() error { return errEscalated }

// EventSink receives every workflow event the engine emits. The publisher
// implements it; tests use a slice collector.
type EventSink interface {
	Publish(ev core.WorkflowEvent)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ev core.WorkflowEvent)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(ev core.WorkflowEvent) { f(ev) }

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Planner builds the per-turn step graph. Defaults to DefaultPlanner
	// with the stock fallback narrator.
	Planner Planner
	// TurnCeiling is the wall-clock limit for a whole turn. A turn whose
	// steps all finish within their own budgets but exceed this aggregate
	// still fails, to bound worst-case end-to-end latency.
	TurnCeiling time.Duration
	// Substitute is returned in place of generated content on escalation.
	Substitute safety.SubstituteResponse
	// Sink receives workflow events. Defaults to a discard sink.
	Sink EventSink
	// Logger defaults to no-op.
	Logger logging.Logger
}

// Engine drives the per-turn state machine:
//
//	intake → planning → agent_execution → synthesis → safety_review → completion
//
// with escalation as the terminal alternative at either safety gate. The
// engine is the sole mutator of session state; it persists progress to the
// store and emits exactly one event per state change.
type Engine struct {
	store       core.Store
	interceptor *safety.Interceptor
	executor    *Executor

	planner     Planner
	turnCeiling time.Duration
	substitute  safety.SubstituteResponse
	sink        EventSink
	logger      logging.Logger

	// active tracks in-flight turns for best-effort cancellation.
	active   map[string]*turnHandle
	activeMu sync.Mutex
}

type turnHandle struct {
	cancel    context.CancelFunc
	cancelled bool
}

// NewEngine constructs an Engine.
func NewEngine(store core.Store, interceptor *safety.Interceptor, executor *Executor, optFns ...func(o *EngineOptions)) *Engine {
	opts := EngineOptions{
		Planner:     &DefaultPlanner{NarratorFallback: "narrator-fallback@v1"},
		TurnCeiling: 60 * time.Second,
		Substitute:  safety.DefaultSubstitute(),
		Sink:        EventSinkFunc(func(core.WorkflowEvent) {}),
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Engine{
		store:       store,
		interceptor: interceptor,
		executor:    executor,
		planner:     opts.Planner,
		turnCeiling: opts.TurnCeiling,
		substitute:  opts.Substitute,
		sink:        opts.Sink,
		logger:      opts.Logger,
		active:      make(map[string]*turnHandle),
	}
}

// Cancel requests best-effort cancellation of an in-flight turn. It marks
// state immediately and returns without waiting for in-flight capability
// calls to acknowledge; they observe cancellation at their next suspension
// point. Unknown or already-terminal turn ids report core.ErrTurnNotFound.
func (e *Engine) Cancel(turnID string) error {
	e.activeMu.Lock()
	handle, ok := e.active[turnID]
	if ok {
		handle.cancelled = true
	}
	e.activeMu.Unlock()

	if !ok {
		return core.ErrTurnNotFound
	}
	handle.cancel()
	return nil
}

// wasCancelled reports whether the turn's context ended by explicit Cancel
// rather than by the turn ceiling.
func (e *Engine) wasCancelled(turnID string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if handle, ok := e.active[turnID]; ok {
		return handle.cancelled
	}
	return false
}

// RunTurn advances turn to a terminal state. The turn and session are
// mutated in place, persisted, and the terminal turn is appended to the
// session history. RunTurn never returns an error for abnormal-but-terminal
// outcomes (failed, cancelled, escalated); those are reported in the turn
// itself so callers always receive a structured result instead of a crash.
func (e *Engine) RunTurn(ctx context.Context, sess *core.Session, turn *core.Turn) *core.Turn {
	turnCtx, cancel := context.WithTimeout(ctx, e.turnCeiling)
	defer cancel()

	e.activeMu.Lock()
	e.active[turn.ID] = &turnHandle{cancel: cancel}
	e.activeMu.Unlock()

	turn.Status = core.TurnRunning
	e.emit(core.NewEvent(core.EventTurnStarted, sess.ID, turn.ID, map[string]any{"input_len": len(turn.Input)}))

	e.runStages(turnCtx, sess, turn)

	// Terminal bookkeeping happens exactly once, whatever path got here.
	turn.Duration = time.Since(turn.StartedAt)
	sess.AppendTurn(*turn.Clone())
	if turn.Status == core.TurnCompleted {
		sess.SetStage(core.StageCompletion)
	}
	if err := e.store.Save(ctx, sess); err != nil {
		e.logger.Error("failed to persist session", "session_id", sess.ID, "error", err)
	}

	e.emit(core.NewEvent(core.EventTurnCompleted, sess.ID, turn.ID, map[string]any{
		"status":   string(turn.Status),
		"duration": turn.Duration.String(),
	}))

	e.activeMu.Lock()
	delete(e.active, turn.ID)
	e.activeMu.Unlock()

	return turn
}

// runStages walks the state machine, leaving turn in a terminal status.
func (e *Engine) runStages(ctx context.Context, sess *core.Session, turn *core.Turn) {
	// intake: screen the raw input before any planning happens.
	e.setStage(sess, turn, core.StageIntake)

	inputAssessment, decision, err := e.interceptor.Assess(ctx, turn.Input, core.ScoreContext{
		SessionID: sess.ID,
		TurnID:    turn.ID,
		Source:    core.SourceInput,
		Pinned:    sess.IsPinned(),
	})
	if err != nil {
		// The context ended while scoring; a cancel must never surface as
		// a safety outcome.
		e.interrupted(sess, turn)
		return
	}
	turn.InputAssessment = &inputAssessment
	e.applyDecision(sess, turn, decision, inputAssessment)
	if decision == safety.Escalate {
		e.escalate(sess, turn)
		return
	}
	if e.checkInterrupted(ctx, sess, turn) {
		return
	}

	// planning: build the typed step graph for this turn.
	e.setStage(sess, turn, core.StagePlanning)
	plan, err := e.planner.Plan(sess, turn)
	if err != nil {
		e.fail(sess, turn, "planning failed: "+err.Error())
		return
	}
	if e.checkInterrupted(ctx, sess, turn) {
		return
	}

	// agent_execution: bounded-parallel step graph interpretation. Step
	// outputs are screened as they land so a high-risk generation
	// interrupts siblings instead of riding along to synthesis.
	e.setStage(sess, turn, core.StageAgentExecution)
	outputs, execErr := e.executor.Run(ctx, turn, plan, e.stepGuard(sess, turn), e.emit)
	if execErr != nil {
		switch {
		case errors.Is(execErr, errEscalated):
			var sig *escalationSignal
			if errors.As(execErr, &sig) {
				turn.OutputAssessment = &sig.assessment
			}
			e.escalate(sess, turn)
		case errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded):
			e.interrupted(sess, turn)
		default:
			e.fail(sess, turn, execErr.Error())
		}
		return
	}
	if e.checkInterrupted(ctx, sess, turn) {
		return
	}

	// synthesis: assemble the final narrative from the graph's terminal steps.
	e.setStage(sess, turn, core.StageSynthesis)
	var parts []string
	for _, ps := range plan.Terminals() {
		if out, ok := outputs[ps.ID]; ok && out != "" {
			parts = append(parts, out)
		}
	}
	output := strings.Join(parts, "\n\n")
	if output == "" {
		e.fail(sess, turn, "synthesis produced no output")
		return
	}

	// safety_review: the synthesized output is scored before release.
	e.setStage(sess, turn, core.StageSafetyReview)
	outputAssessment, decision, err := e.interceptor.Assess(ctx, output, core.ScoreContext{
		SessionID: sess.ID,
		TurnID:    turn.ID,
		Source:    core.SourceOutput,
		Pinned:    sess.IsPinned(),
	})
	if err != nil {
		e.interrupted(sess, turn)
		return
	}
	turn.OutputAssessment = &outputAssessment
	e.applyDecision(sess, turn, decision, outputAssessment)
	if decision == safety.Escalate {
		e.escalate(sess, turn)
		return
	}
	if e.checkInterrupted(ctx, sess, turn) {
		return
	}

	turn.Output = output
	turn.Status = core.TurnCompleted
}

// stepGuard screens each completed step's output against the escalation
// threshold only. Flag-level step content is left for the output review;
// intermediate notes are never released to the caller anyway.
func (e *Engine) stepGuard(sess *core.Session, turn *core.Turn) StepGuard {
	return func(ctx context.Context, step core.AgentStep) error {
		assessment, decision, err := e.interceptor.Assess(ctx, step.Output, core.ScoreContext{
			SessionID: sess.ID,
			TurnID:    turn.ID,
			Source:    core.SourceOutput,
			Pinned:    sess.IsPinned(),
		})
		if err != nil {
			return err
		}
		if decision == safety.Escalate {
			// The assessment rides the error so only the engine goroutine
			// touches the turn, even when sibling guards fire together.
			return &escalationSignal{assessment: assessment}
		}
		return nil
	}
}

// applyDecision records a flag-level assessment on the session. Escalation
// handling is the caller's, since it ends the turn.
func (e *Engine) applyDecision(sess *core.Session, turn *core.Turn, decision safety.Decision, assessment core.SafetyAssessment) {
	if decision != safety.Flag {
		return
	}
	if sess.RaiseSafetyStatus(core.SafetyFlagged) {
		e.emit(core.NewEvent(core.EventSafetyFlagged, sess.ID, turn.ID, map[string]any{
			"level":      assessment.Level.String(),
			"categories": assessment.Categories,
			"source":     string(assessment.Source),
		}))
	}
}

// escalate terminates the turn with the substitute response and the support
// resource pointers, pins the session, and reports the escalation. The
// content that triggered it is retained on the turn's assessment for review
// but never released.
func (e *Engine) escalate(sess *core.Session, turn *core.Turn) {
	e.setStage(sess, turn, core.StageEscalation)
	turn.Status = core.TurnEscalated
	turn.Output = e.substitute.Message
	turn.Resources = e.substitute.Resources

	sess.RaiseSafetyStatus(core.SafetyEscalated)

	e.emit(core.NewEvent(core.EventSafetyEscalated, sess.ID, turn.ID, map[string]any{
		"resources": e.substitute.Resources,
	}))
}

// fail records an abnormal terminal outcome without releasing any partial output.
func (e *Engine) fail(sess *core.Session, turn *core.Turn, reason string) {
	turn.Status = core.TurnFailed
	turn.FailureReason = reason
	turn.Output = ""
	e.logger.Warn("turn failed", "session_id", sess.ID, "turn_id", turn.ID, "reason", reason)
}

// interrupted resolves a context-terminated turn into cancelled or failed,
// depending on whether an explicit Cancel arrived.
func (e *Engine) interrupted(sess *core.Session, turn *core.Turn) {
	if e.wasCancelled(turn.ID) {
		turn.Status = core.TurnCancelled
		turn.Output = ""
		return
	}
	e.fail(sess, turn, core.ErrTurnDeadline.Error())
}

// checkInterrupted handles cancellation or a ceiling breach observed between
// stages, so a dead context never masquerades as a scorer fault downstream.
func (e *Engine) checkInterrupted(ctx context.Context, sess *core.Session, turn *core.Turn) bool {
	e.activeMu.Lock()
	handle, ok := e.active[turn.ID]
	cancelled := ok && handle.cancelled
	e.activeMu.Unlock()

	if cancelled {
		turn.Status = core.TurnCancelled
		turn.Output = ""
		return true
	}
	if ctx.Err() != nil {
		e.fail(sess, turn, core.ErrTurnDeadline.Error())
		return true
	}
	return false
}

func (e *Engine) setStage(sess *core.Session, turn *core.Turn, stage core.Stage) {
	from := sess.Stage
	sess.SetStage(stage)
	e.emit(core.NewStageEvent(sess.ID, turn.ID, from, stage))
}

func (e *Engine) emit(ev core.WorkflowEvent) {
	e.sink.Publish(ev)
}
