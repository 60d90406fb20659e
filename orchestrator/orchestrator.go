package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/logging"
	"github.com/loomhq/loom/workflow"
)

// ErrQueueFull is returned when a session's pending-turn queue is at capacity.
var ErrQueueFull = errors.New("session turn queue full")

// Options configures an Orchestrator.
type Options struct {
	// MaxInputLen bounds a single turn's input, in bytes.
	MaxInputLen int
	// WaitBudget is how long StartTurn waits for a terminal result before
	// returning an in-progress snapshot.
	WaitBudget time.Duration
	// QueueDepth bounds queued turns per session.
	QueueDepth int
	// Logger defaults to no-op.
	Logger logging.Logger
}

// StartTurnRequest is one turn submission.
type StartTurnRequest struct {
	SessionID string
	OwnerID   string
	// TurnID is optional; supplying one makes the submission idempotent.
	TurnID string
	Input  string
	// WaitBudget overrides the configured wait budget for this submission
	// when positive.
	WaitBudget time.Duration
}

// Orchestrator serializes turns through one worker goroutine per session, so
// a session never has more than one non-terminal turn and concurrent
// submissions queue in arrival order.
type Orchestrator struct {
	store       core.Store
	engine      *workflow.Engine
	maxInputLen int
	waitBudget  time.Duration
	queueDepth  int
	logger      logging.Logger

	mu     sync.Mutex
	actors map[string]*actor
}

// actor owns one session's turn queue and its authoritative state.
type actor struct {
	sess  *core.Session
	queue chan *submission

	mu      sync.Mutex
	pending map[string]*submission
}

type submission struct {
	turn      *core.Turn
	cancelled bool
	done      chan *core.Turn
}

// New constructs an Orchestrator over store and engine.
func New(store core.Store, engine *workflow.Engine, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		MaxInputLen: 8192,
		WaitBudget:  30 * time.Second,
		QueueDepth:  8,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Orchestrator{
		store:       store,
		engine:      engine,
		maxInputLen: opts.MaxInputLen,
		waitBudget:  opts.WaitBudget,
		queueDepth:  opts.QueueDepth,
		logger:      opts.Logger,
		actors:      make(map[string]*actor),
	}
}

// StartTurn validates and enqueues a turn, then waits up to the wait budget
// for a terminal result. If the turn is still running when the budget ends,
// an in-progress snapshot is returned; the work continues and its result is
// observable via Status and the event stream.
//
// Resubmitting the id of a terminal turn returns the stored result without
// invoking any capability. Resubmitting an in-flight id joins the wait for
// the original submission.
func (o *Orchestrator) StartTurn(ctx context.Context, req StartTurnRequest) (*core.Turn, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	act, err := o.actorFor(ctx, req.SessionID, req.OwnerID)
	if err != nil {
		return nil, err
	}

	if req.TurnID != "" {
		// Terminal turns are served from history; in-flight ones are joined.
		if prior, ok := act.sess.TurnByID(req.TurnID); ok && prior.Status.IsTerminal() {
			return prior, nil
		}
		act.mu.Lock()
		if sub, ok := act.pending[req.TurnID]; ok {
			act.mu.Unlock()
			return o.await(ctx, sub, req.WaitBudget)
		}
		act.mu.Unlock()
	}

	turn := core.NewTurn(req.TurnID, req.SessionID, req.Input)
	sub := &submission{turn: turn, done: make(chan *core.Turn, 1)}

	act.mu.Lock()
	act.pending[turn.ID] = sub
	act.mu.Unlock()

	select {
	case act.queue <- sub:
	default:
		act.mu.Lock()
		delete(act.pending, turn.ID)
		act.mu.Unlock()
		return nil, ErrQueueFull
	}

	return o.await(ctx, sub, req.WaitBudget)
}

// await blocks on the submission's result within the wait budget.
func (o *Orchestrator) await(ctx context.Context, sub *submission, budget time.Duration) (*core.Turn, error) {
	if budget <= 0 {
		budget = o.waitBudget
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case result := <-sub.done:
		// Re-arm for any concurrent waiter joined on the same id.
		sub.done <- result
		return result.Clone(), nil
	case <-timer.C:
		return o.inProgressSnapshot(sub), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// inProgressSnapshot reports a running turn without touching fields the
// engine goroutine is still writing.
func (o *Orchestrator) inProgressSnapshot(sub *submission) *core.Turn {
	return &core.Turn{
		ID:        sub.turn.ID,
		SessionID: sub.turn.SessionID,
		Input:     sub.turn.Input,
		Status:    core.TurnRunning,
		StartedAt: sub.turn.StartedAt,
	}
}

// Status returns a read-only snapshot of the session.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*core.Session, error) {
	if sessionID == "" {
		return nil, core.NewValidationError("session_id", "must not be empty")
	}
	return o.store.Get(ctx, sessionID)
}

// ClearSafetyPin lifts a session's conservative-scoring pin. Reviewer surface.
func (o *Orchestrator) ClearSafetyPin(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return core.NewValidationError("session_id", "must not be empty")
	}
	o.mu.Lock()
	act, ok := o.actors[sessionID]
	o.mu.Unlock()
	if ok {
		act.sess.ClearPin()
	}
	return o.store.ClearSafetyPin(ctx, sessionID)
}

// CancelTurn requests cancellation of a queued or running turn. It returns
// immediately; a queued turn is dropped before it starts, a running one
// observes cancellation at its next suspension point. Terminal or unknown
// turns report core.ErrTurnNotFound.
func (o *Orchestrator) CancelTurn(ctx context.Context, sessionID, turnID string) error {
	o.mu.Lock()
	act, ok := o.actors[sessionID]
	o.mu.Unlock()
	if !ok {
		return core.ErrTurnNotFound
	}

	act.mu.Lock()
	sub, pending := act.pending[turnID]
	if pending {
		sub.cancelled = true
	}
	act.mu.Unlock()

	if !pending {
		return core.ErrTurnNotFound
	}

	// Running turns additionally get their context cancelled; a queued turn
	// has no engine handle yet and is dropped by the worker instead.
	if err := o.engine.Cancel(turnID); err != nil && !errors.Is(err, core.ErrTurnNotFound) {
		return err
	}
	return nil
}

// validate rejects malformed submissions before any state changes.
func (o *Orchestrator) validate(req StartTurnRequest) error {
	if req.SessionID == "" {
		return core.NewValidationError("session_id", "must not be empty")
	}
	if req.Input == "" {
		return core.NewValidationError("input", "must not be empty")
	}
	if len(req.Input) > o.maxInputLen {
		return core.NewValidationError("input", fmt.Sprintf("exceeds %d bytes", o.maxInputLen))
	}
	return nil
}

// actorFor returns the session's worker, creating session and worker on
// first use. Archived sessions accept no further turns.
func (o *Orchestrator) actorFor(ctx context.Context, sessionID, ownerID string) (*actor, error) {
	o.mu.Lock()
	if act, ok := o.actors[sessionID]; ok {
		o.mu.Unlock()
		return act, nil
	}
	o.mu.Unlock()

	// Store round-trip happens outside the orchestrator lock.
	sess, err := o.store.Create(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	if sess.Archived {
		return nil, core.ErrSessionArchived
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if act, ok := o.actors[sessionID]; ok {
		return act, nil
	}

	act := &actor{
		sess:    sess,
		queue:   make(chan *submission, o.queueDepth),
		pending: make(map[string]*submission),
	}
	o.actors[sessionID] = act
	go o.runActor(act)
	return act, nil
}

// runActor drains one session's queue serially, so at most one turn of the
// session is ever non-terminal.
func (o *Orchestrator) runActor(act *actor) {
	for sub := range act.queue {
		act.mu.Lock()
		cancelled := sub.cancelled
		act.mu.Unlock()

		var result *core.Turn
		if cancelled {
			sub.turn.Status = core.TurnCancelled
			act.sess.AppendTurn(*sub.turn.Clone())
			if err := o.store.Save(context.Background(), act.sess); err != nil {
				o.logger.Error("failed to persist cancelled turn", "session_id", act.sess.ID, "error", err)
			}
			result = sub.turn
		} else {
			result = o.engine.RunTurn(context.Background(), act.sess, sub.turn)
		}

		act.mu.Lock()
		delete(act.pending, sub.turn.ID)
		act.mu.Unlock()

		sub.done <- result
	}
}
