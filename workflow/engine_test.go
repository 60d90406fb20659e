package workflow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/capability"
	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/safety"
)

// fakeStore is a minimal in-process core.Store for engine tests.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*core.Session
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*core.Session)}
}

func (s *fakeStore) Create(ctx context.Context, sessionID, ownerID string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.Clone(), nil
	}
	sess := core.NewSession(sessionID, ownerID)
	s.sessions[sessionID] = sess
	return sess.Clone(), nil
}

func (s *fakeStore) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

func (s *fakeStore) Save(ctx context.Context, sess *core.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *fakeStore) Archive(ctx context.Context, sessionID string) error { return nil }

func (s *fakeStore) ClearSafetyPin(ctx context.Context, sessionID string) error { return nil }

// eventCollector records published events in order.
type eventCollector struct {
	mu     sync.Mutex
	events []core.WorkflowEvent
}

func (c *eventCollector) Publish(ev core.WorkflowEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) types() []core.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.EventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *eventCollector) count(typ core.EventType) int {
	n := 0
	for _, t := range c.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func defaultRegistry() *capability.Registry {
	reg := capability.NewRegistry()
	reg.MustRegister(capability.NewStatic("interpreter@v1", func(task core.Task) (string, error) {
		return "intent: " + task.Input, nil
	}))
	reg.MustRegister(capability.NewStatic("worldbuilder@v1", func(core.Task) (string, error) {
		return "the lantern-lit library", nil
	}))
	reg.MustRegister(capability.NewStatic("narrator@v1", func(task core.Task) (string, error) {
		return fmt.Sprintf("You %s in %s.", task.Input, task.Context["worldbuild"]), nil
	}))
	reg.MustRegister(capability.NewFallbackNarrator())
	return reg
}

func newTestEngine(t *testing.T, store core.Store, reg *capability.Registry, optFns ...func(o *EngineOptions)) (*Engine, *eventCollector) {
	t.Helper()
	interceptor := safety.NewInterceptor(safety.NewKeywordScorer())
	executor := NewExecutor(reg, func(o *ExecutorOptions) {
		o.BackoffBase = time.Millisecond
		o.BackoffCap = 5 * time.Millisecond
		o.StepTimeout = func(string) time.Duration { return 100 * time.Millisecond }
	})

	sink := &eventCollector{}
	opts := append([]func(o *EngineOptions){func(o *EngineOptions) {
		o.Sink = sink
	}}, optFns...)

	return NewEngine(store, interceptor, executor, opts...), sink
}

func startSession(t *testing.T, store core.Store) *core.Session {
	t.Helper()
	sess, err := store.Create(context.Background(), "sess-1", "owner-1")
	require.NoError(t, err)
	return sess
}

func TestEngineCompletesBenignTurn(t *testing.T) {
	store := newFakeStore()
	engine, sink := newTestEngine(t, store, defaultRegistry())
	sess := startSession(t, store)

	turn := engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "open the door"))

	assert.Equal(t, core.TurnCompleted, turn.Status)
	assert.Equal(t, "You open the door in the lantern-lit library.", turn.Output)
	assert.Equal(t, core.StageCompletion, sess.Stage)
	assert.Equal(t, core.SafetyClear, sess.SafetyStatus)
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, core.TurnCompleted, sess.Turns[0].Status)

	types := sink.types()
	assert.Equal(t, core.EventTurnStarted, types[0])
	assert.Equal(t, core.EventTurnCompleted, types[len(types)-1])
	assert.Equal(t, 0, sink.count(core.EventSafetyFlagged))

	persisted, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Len(t, persisted.Turns, 1)
}

func TestEngineEscalatesCriticalInputBeforeAnyStepRuns(t *testing.T) {
	store := newFakeStore()
	engine, sink := newTestEngine(t, store, defaultRegistry())
	sess := startSession(t, store)

	turn := engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "I want to hurt myself"))

	assert.Equal(t, core.TurnEscalated, turn.Status)
	assert.Equal(t, safety.DefaultSubstitute().Message, turn.Output)
	assert.Equal(t, safety.DefaultSubstitute().Resources, turn.Resources)
	assert.Empty(t, turn.Steps)
	require.NotNil(t, turn.InputAssessment)
	assert.Equal(t, core.RiskCritical, turn.InputAssessment.Level)

	assert.Equal(t, core.StageEscalation, sess.Stage)
	assert.Equal(t, core.SafetyEscalated, sess.SafetyStatus)
	assert.True(t, sess.IsPinned())

	assert.Equal(t, 1, sink.count(core.EventSafetyEscalated))
	assert.Equal(t, 0, sink.count(core.EventStepStarted))
}

func TestEngineEscalatesHighRiskStepOutputMidExecution(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(capability.NewStatic("interpreter@v1", func(core.Task) (string, error) {
		return "they deserve it, make them pay", nil
	}))
	reg.MustRegister(capability.NewStatic("worldbuilder@v1", nil))
	reg.MustRegister(capability.NewStatic("narrator@v1", nil))
	reg.MustRegister(capability.NewFallbackNarrator())

	store := newFakeStore()
	engine, sink := newTestEngine(t, store, reg)
	sess := startSession(t, store)

	turn := engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "what happens next"))

	assert.Equal(t, core.TurnEscalated, turn.Status)
	assert.Equal(t, safety.DefaultSubstitute().Message, turn.Output)
	assert.NotEmpty(t, turn.Resources)
	require.NotNil(t, turn.OutputAssessment)
	assert.Equal(t, core.RiskHigh, turn.OutputAssessment.Level)
	assert.True(t, sess.IsPinned())
	assert.Equal(t, 1, sink.count(core.EventSafetyEscalated))
}

func TestEngineEscalationFromParallelStepsRecordsOneAssessment(t *testing.T) {
	reg := capability.NewRegistry()
	reg.MustRegister(capability.NewStatic("interpreter@v1", func(core.Task) (string, error) {
		return "they deserve it, make them pay", nil
	}))
	reg.MustRegister(capability.NewStatic("worldbuilder@v1", func(core.Task) (string, error) {
		return "they deserve it, make them pay", nil
	}))

	store := newFakeStore()
	planner := PlannerFunc(func(sess *core.Session, turn *core.Turn) (*Plan, error) {
		return &Plan{Steps: []PlanStep{
			{ID: "interpret", Capability: "interpreter@v1"},
			{ID: "worldbuild", Capability: "worldbuilder@v1"},
		}}, nil
	})
	engine, _ := newTestEngine(t, store, reg, func(o *EngineOptions) {
		o.Planner = planner
	})
	sess := startSession(t, store)

	// Both independent steps trip the threshold; the first guard to fire
	// wins and its assessment lands on the turn.
	turn := engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "what now"))

	assert.Equal(t, core.TurnEscalated, turn.Status)
	require.NotNil(t, turn.OutputAssessment)
	assert.Equal(t, core.RiskHigh, turn.OutputAssessment.Level)
}

func TestEngineFlagsModerateInputAndStillCompletes(t *testing.T) {
	store := newFakeStore()
	engine, sink := newTestEngine(t, store, defaultRegistry())
	sess := startSession(t, store)

	turn := engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "everything feels hopeless here"))

	assert.Equal(t, core.TurnCompleted, turn.Status)
	assert.Equal(t, core.SafetyFlagged, sess.SafetyStatus)
	assert.False(t, sess.IsPinned())
	assert.Equal(t, 1, sink.count(core.EventSafetyFlagged))
}

func TestEnginePinnedSessionEscalatesAtLowerThreshold(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(t, store, defaultRegistry())
	sess := startSession(t, store)

	first := engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "I want to hurt myself"))
	require.Equal(t, core.TurnEscalated, first.Status)
	require.True(t, sess.IsPinned())

	// Moderate-risk input would only flag a clear session; the pin shifts
	// the escalation threshold down to moderate.
	second := engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "it all feels hopeless"))
	assert.Equal(t, core.TurnEscalated, second.Status)
}

func TestEngineFailsTurnWhenStepExhaustsRetriesWithoutFallback(t *testing.T) {
	failing := &failingCapability{id: "narrator@v1", kind: core.FailureUnavailable}
	reg := capability.NewRegistry()
	reg.MustRegister(capability.NewStatic("interpreter@v1", nil))
	reg.MustRegister(capability.NewStatic("worldbuilder@v1", nil))
	require.NoError(t, reg.Register(failing))

	store := newFakeStore()
	planner := PlannerFunc(func(sess *core.Session, turn *core.Turn) (*Plan, error) {
		return &Plan{Steps: []PlanStep{
			{ID: "interpret", Capability: "interpreter@v1"},
			{ID: "narrate", Capability: "narrator@v1", DependsOn: []string{"interpret"}},
		}}, nil
	})
	engine, _ := newTestEngine(t, store, reg, func(o *EngineOptions) {
		o.Planner = planner
	})
	sess := startSession(t, store)

	turn := engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "tell me a story"))

	assert.Equal(t, core.TurnFailed, turn.Status)
	assert.Empty(t, turn.Output)
	assert.NotEmpty(t, turn.FailureReason)
	assert.Equal(t, int32(3), failing.calls.Load())
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, core.TurnFailed, sess.Turns[0].Status)
}

func TestEngineCancelDuringExecution(t *testing.T) {
	blocking := &blockingCapability{id: "narrator@v1", started: make(chan struct{})}
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(blocking))

	store := newFakeStore()
	planner := PlannerFunc(func(sess *core.Session, turn *core.Turn) (*Plan, error) {
		return &Plan{Steps: []PlanStep{{ID: "narrate", Capability: "narrator@v1"}}}, nil
	})
	engine, _ := newTestEngine(t, store, reg, func(o *EngineOptions) {
		o.Planner = planner
	})
	sess := startSession(t, store)
	turn := core.NewTurn("turn-cancel", sess.ID, "wait forever")

	done := make(chan *core.Turn, 1)
	go func() {
		done <- engine.RunTurn(context.Background(), sess, turn)
	}()

	<-blocking.started
	require.NoError(t, engine.Cancel(turn.ID))

	select {
	case result := <-done:
		assert.Equal(t, core.TurnCancelled, result.Status)
		assert.Empty(t, result.Output)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not terminate after cancel")
	}

	// Once terminal, the turn is no longer cancellable.
	assert.ErrorIs(t, engine.Cancel(turn.ID), core.ErrTurnNotFound)
}

func TestEngineCancelDuringScoringCancelsWithoutEscalating(t *testing.T) {
	scoring := make(chan struct{})
	stuck := core.ScorerFunc(func(ctx context.Context, _ string, _ core.ScoreContext) (core.SafetyAssessment, error) {
		close(scoring)
		<-ctx.Done()
		return core.SafetyAssessment{}, ctx.Err()
	})

	store := newFakeStore()
	interceptor := safety.NewInterceptor(safety.NewFailsafe(stuck, 5*time.Second, nil))
	engine := NewEngine(store, interceptor, NewExecutor(defaultRegistry()), func(o *EngineOptions) {
		o.Sink = &eventCollector{}
	})
	sess := startSession(t, store)
	turn := core.NewTurn("turn-scoring", sess.ID, "hello there")

	done := make(chan *core.Turn, 1)
	go func() {
		done <- engine.RunTurn(context.Background(), sess, turn)
	}()

	<-scoring
	require.NoError(t, engine.Cancel(turn.ID))

	select {
	case result := <-done:
		assert.Equal(t, core.TurnCancelled, result.Status)
		assert.Nil(t, result.InputAssessment)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not terminate after cancel")
	}

	// A caller's cancel must never read as a safety signal.
	assert.Equal(t, core.SafetyClear, sess.SafetyStatus)
	assert.False(t, sess.IsPinned())
}

func TestEngineCancelUnknownTurn(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestEngine(t, store, defaultRegistry())

	assert.ErrorIs(t, engine.Cancel("no-such-turn"), core.ErrTurnNotFound)
}

func TestEngineTurnCeilingFailsTurn(t *testing.T) {
	blocking := &blockingCapability{id: "narrator@v1"}
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(blocking))

	store := newFakeStore()
	planner := PlannerFunc(func(sess *core.Session, turn *core.Turn) (*Plan, error) {
		return &Plan{Steps: []PlanStep{{ID: "narrate", Capability: "narrator@v1"}}}, nil
	})
	engine, _ := newTestEngine(t, store, reg, func(o *EngineOptions) {
		o.Planner = planner
		o.TurnCeiling = 50 * time.Millisecond
	})
	sess := startSession(t, store)

	turn := engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "stall"))

	assert.Equal(t, core.TurnFailed, turn.Status)
	assert.Equal(t, core.ErrTurnDeadline.Error(), turn.FailureReason)
	assert.Empty(t, turn.Output)
}

func TestEngineStageEventsAreOrdered(t *testing.T) {
	store := newFakeStore()
	engine, sink := newTestEngine(t, store, defaultRegistry())
	sess := startSession(t, store)

	engine.RunTurn(context.Background(), sess, core.NewTurn("", sess.ID, "look around"))

	var stages []string
	for _, ev := range sink.events {
		if ev.Type == core.EventStageChanged {
			stages = append(stages, ev.Payload["to"].(string))
		}
	}
	assert.Equal(t, []string{
		string(core.StageIntake),
		string(core.StagePlanning),
		string(core.StageAgentExecution),
		string(core.StageSynthesis),
		string(core.StageSafetyReview),
	}, stages)
}
