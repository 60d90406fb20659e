// Package loom provides a high-level façade over the orchestration core
// (sessions, the safety pipeline, the workflow engine and the event hub) for
// embedding narrative multi-agent sessions in a Go process. Most applications
// interact with this package by:
//  1. Creating a Loom via New() (optionally overriding the in-memory defaults)
//  2. Registering the capabilities the planner expects
//  3. Submitting turns with StartTurn and observing them via Subscribe
//
// The façade delegates orchestration to orchestrator.Orchestrator and
// workflow.Engine while keeping setup concise. All defaults are safe for
// local development and testing; production deployments supply the SQLite
// store, model-backed capabilities and a structured logger; see cmd/loomd.
package loom

import (
	"context"
	"time"

	"github.com/loomhq/loom/capability"
	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/logging"
	"github.com/loomhq/loom/orchestrator"
	"github.com/loomhq/loom/pubsub"
	"github.com/loomhq/loom/safety"
	"github.com/loomhq/loom/session"
	"github.com/loomhq/loom/workflow"
)

// Options configures a Loom instance.
type Options struct {
	// Store persists sessions. Defaults to the in-memory store.
	Store core.Store
	// Scorer screens every input and output. Defaults to the keyword
	// scorer behind the fail-closed wrapper.
	Scorer core.Scorer
	// WaitBudget bounds how long StartTurn blocks for a terminal result.
	WaitBudget time.Duration
	// TurnCeiling is the wall-clock limit per turn.
	TurnCeiling time.Duration
	// Logger defaults to no-op.
	Logger logging.Logger
}

// Loom aggregates the orchestration core behind one handle.
type Loom struct {
	registry *capability.Registry
	store    core.Store
	hub      *pubsub.Hub
	orch     *orchestrator.Orchestrator
}

// New creates a Loom instance with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) *Loom {
	opts := Options{
		Store:       session.NewMemoryStore(),
		WaitBudget:  30 * time.Second,
		TurnCeiling: 60 * time.Second,
		Logger:      logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Scorer == nil {
		opts.Scorer = safety.NewFailsafe(safety.NewKeywordScorer(), time.Second, opts.Logger)
	}

	registry := capability.NewRegistry()
	hub := pubsub.NewHub(func(o *pubsub.Options) {
		o.Logger = opts.Logger
	})
	interceptor := safety.NewInterceptor(opts.Scorer, func(o *safety.InterceptorOptions) {
		o.Logger = opts.Logger
	})
	executor := workflow.NewExecutor(registry, func(o *workflow.ExecutorOptions) {
		o.Logger = opts.Logger
	})
	engine := workflow.NewEngine(opts.Store, interceptor, executor, func(o *workflow.EngineOptions) {
		o.TurnCeiling = opts.TurnCeiling
		o.Sink = hub
		o.Logger = opts.Logger
	})
	orch := orchestrator.New(opts.Store, engine, func(o *orchestrator.Options) {
		o.WaitBudget = opts.WaitBudget
		o.Logger = opts.Logger
	})

	return &Loom{
		registry: registry,
		store:    opts.Store,
		hub:      hub,
		orch:     orch,
	}
}

// RegisterCapability adds a capability to the underlying registry.
func (l *Loom) RegisterCapability(c core.Capability) error {
	return l.registry.Register(c)
}

// StartTurn submits a turn and waits up to the wait budget for its result.
func (l *Loom) StartTurn(ctx context.Context, req orchestrator.StartTurnRequest) (*core.Turn, error) {
	return l.orch.StartTurn(ctx, req)
}

// Status returns a read-only session snapshot.
func (l *Loom) Status(ctx context.Context, sessionID string) (*core.Session, error) {
	return l.orch.Status(ctx, sessionID)
}

// CancelTurn requests cooperative cancellation of a queued or running turn.
func (l *Loom) CancelTurn(ctx context.Context, sessionID, turnID string) error {
	return l.orch.CancelTurn(ctx, sessionID, turnID)
}

// ClearSafetyPin lifts a session's conservative-scoring pin. Reviewer surface.
func (l *Loom) ClearSafetyPin(ctx context.Context, sessionID string) error {
	return l.orch.ClearSafetyPin(ctx, sessionID)
}

// Subscribe attaches an observer to a session's workflow event stream.
func (l *Loom) Subscribe(sessionID string, fromSeq uint64) *pubsub.Subscription {
	return l.hub.Subscribe(sessionID, fromSeq)
}
