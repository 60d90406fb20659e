package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/capability"
	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/safety"
	"github.com/loomhq/loom/session"
	"github.com/loomhq/loom/workflow"
)

// countingCapability counts invocations and optionally blocks until released.
type countingCapability struct {
	id      string
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *countingCapability) ID() string { return c.id }

func (c *countingCapability) Invoke(ctx context.Context, task core.Task) (*core.Result, error) {
	c.calls.Add(1)
	if c.started != nil {
		c.once.Do(func() { close(c.started) })
	}
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, core.NewCapabilityError(core.FailureTimeout, c.id, ctx.Err())
		}
	}
	return &core.Result{Output: "echo: " + task.Input}, nil
}

func singleStepPlanner() workflow.PlannerFunc {
	return func(sess *core.Session, turn *core.Turn) (*workflow.Plan, error) {
		return &workflow.Plan{Steps: []workflow.PlanStep{
			{ID: "narrate", Capability: "narrator@v1"},
		}}, nil
	}
}

func newTestOrchestrator(t *testing.T, narrator core.Capability, optFns ...func(o *Options)) (*Orchestrator, core.Store) {
	t.Helper()

	reg := capability.NewRegistry()
	reg.MustRegister(narrator)

	store := session.NewMemoryStore()
	interceptor := safety.NewInterceptor(safety.NewKeywordScorer())
	executor := workflow.NewExecutor(reg, func(o *workflow.ExecutorOptions) {
		o.BackoffBase = time.Millisecond
		o.StepTimeout = func(string) time.Duration { return time.Second }
	})
	engine := workflow.NewEngine(store, interceptor, executor, func(o *workflow.EngineOptions) {
		o.Planner = singleStepPlanner()
		o.TurnCeiling = 5 * time.Second
	})

	return New(store, engine, optFns...), store
}

func TestStartTurnCompletesAndPersists(t *testing.T) {
	narrator := &countingCapability{id: "narrator@v1"}
	orch, store := newTestOrchestrator(t, narrator)

	turn, err := orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		OwnerID:   "owner-1",
		Input:     "look around",
	})
	require.NoError(t, err)

	assert.Equal(t, core.TurnCompleted, turn.Status)
	assert.Equal(t, "echo: look around", turn.Output)

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, turn.ID, sess.Turns[0].ID)
}

func TestStartTurnValidation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &countingCapability{id: "narrator@v1"}, func(o *Options) {
		o.MaxInputLen = 32
	})

	tests := []struct {
		name  string
		req   StartTurnRequest
		field string
	}{
		{"empty session id", StartTurnRequest{Input: "hi"}, "session_id"},
		{"empty input", StartTurnRequest{SessionID: "sess-1"}, "input"},
		{"oversized input", StartTurnRequest{SessionID: "sess-1", Input: strings.Repeat("x", 33)}, "input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := orch.StartTurn(context.Background(), tt.req)
			var ve *core.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestStartTurnIdempotentOnTerminalTurn(t *testing.T) {
	narrator := &countingCapability{id: "narrator@v1"}
	orch, _ := newTestOrchestrator(t, narrator)

	first, err := orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Input:     "look around",
	})
	require.NoError(t, err)
	require.Equal(t, core.TurnCompleted, first.Status)
	require.Equal(t, int32(1), narrator.calls.Load())

	second, err := orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Input:     "look around",
	})
	require.NoError(t, err)

	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, core.TurnCompleted, second.Status)
	assert.Equal(t, int32(1), narrator.calls.Load(), "resubmission must not re-invoke capabilities")
}

func TestStartTurnSerializesPerSession(t *testing.T) {
	var active, maxActive atomic.Int32
	narrator := capability.NewStatic("narrator@v1", func(task core.Task) (string, error) {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return "ok", nil
	})
	orch, store := newTestOrchestrator(t, narrator)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := orch.StartTurn(context.Background(), StartTurnRequest{
				SessionID: "sess-1",
				Input:     fmt.Sprintf("turn %d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load(), "turns of one session must never overlap")

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 4)
}

func TestStartTurnWaitBudgetReturnsInProgressSnapshot(t *testing.T) {
	narrator := &countingCapability{
		id:      "narrator@v1",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	orch, store := newTestOrchestrator(t, narrator, func(o *Options) {
		o.WaitBudget = 20 * time.Millisecond
	})

	turn, err := orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		TurnID:    "turn-slow",
		Input:     "take your time",
	})
	require.NoError(t, err)
	assert.Equal(t, core.TurnRunning, turn.Status)
	assert.Empty(t, turn.Output)

	close(narrator.release)

	// The work finished in the background; the result lands in the store.
	require.Eventually(t, func() bool {
		sess, err := store.Get(context.Background(), "sess-1")
		if err != nil {
			return false
		}
		stored, ok := sess.TurnByID("turn-slow")
		return ok && stored.Status == core.TurnCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTurnPerRequestWaitBudget(t *testing.T) {
	narrator := &countingCapability{
		id:      "narrator@v1",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	orch, _ := newTestOrchestrator(t, narrator, func(o *Options) {
		o.WaitBudget = time.Hour
	})

	start := time.Now()
	turn, err := orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID:  "sess-1",
		Input:      "take your time",
		WaitBudget: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, core.TurnRunning, turn.Status)
	assert.Less(t, time.Since(start), time.Second)

	close(narrator.release)
}

func TestCancelTurnWhileRunning(t *testing.T) {
	narrator := &countingCapability{
		id:      "narrator@v1",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	orch, _ := newTestOrchestrator(t, narrator, func(o *Options) {
		o.WaitBudget = 5 * time.Second
	})

	done := make(chan *core.Turn, 1)
	go func() {
		turn, err := orch.StartTurn(context.Background(), StartTurnRequest{
			SessionID: "sess-1",
			TurnID:    "turn-1",
			Input:     "wait forever",
		})
		assert.NoError(t, err)
		done <- turn
	}()

	<-narrator.started
	require.NoError(t, orch.CancelTurn(context.Background(), "sess-1", "turn-1"))

	select {
	case turn := <-done:
		assert.Equal(t, core.TurnCancelled, turn.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled turn did not terminate")
	}
}

func TestCancelTurnWhileQueued(t *testing.T) {
	narrator := &countingCapability{
		id:      "narrator@v1",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	orch, store := newTestOrchestrator(t, narrator, func(o *Options) {
		o.WaitBudget = 10 * time.Millisecond
	})

	// First turn occupies the session worker.
	_, err := orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		TurnID:    "turn-1",
		Input:     "hold the line",
	})
	require.NoError(t, err)
	<-narrator.started

	// Second turn queues behind it and is cancelled before it starts.
	_, err = orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		TurnID:    "turn-2",
		Input:     "never mind",
	})
	require.NoError(t, err)
	require.NoError(t, orch.CancelTurn(context.Background(), "sess-1", "turn-2"))

	close(narrator.release)

	require.Eventually(t, func() bool {
		sess, err := store.Get(context.Background(), "sess-1")
		if err != nil {
			return false
		}
		queued, ok := sess.TurnByID("turn-2")
		return ok && queued.Status == core.TurnCancelled
	}, 2*time.Second, 10*time.Millisecond)

	// The queued turn never reached its capability.
	assert.Equal(t, int32(1), narrator.calls.Load())
}

func TestCancelTurnUnknown(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &countingCapability{id: "narrator@v1"})

	err := orch.CancelTurn(context.Background(), "sess-none", "turn-none")
	assert.ErrorIs(t, err, core.ErrTurnNotFound)
}

func TestStatusReturnsSnapshot(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &countingCapability{id: "narrator@v1"})

	_, err := orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		Input:     "hello there",
	})
	require.NoError(t, err)

	sess, err := orch.Status(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Len(t, sess.Turns, 1)

	_, err = orch.Status(context.Background(), "sess-unknown")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestStartTurnRejectsArchivedSession(t *testing.T) {
	orch, store := newTestOrchestrator(t, &countingCapability{id: "narrator@v1"})

	_, err := store.Create(context.Background(), "sess-1", "owner-1")
	require.NoError(t, err)
	require.NoError(t, store.Archive(context.Background(), "sess-1"))

	_, err = orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		Input:     "anyone home",
	})
	assert.ErrorIs(t, err, core.ErrSessionArchived)
}

func TestClearSafetyPinUnpinsFollowUpScoring(t *testing.T) {
	orch, store := newTestOrchestrator(t, &countingCapability{id: "narrator@v1"})

	turn, err := orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		Input:     "I want to hurt myself",
	})
	require.NoError(t, err)
	require.Equal(t, core.TurnEscalated, turn.Status)

	// Pinned: moderate input escalates under the shifted threshold.
	turn, err = orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		Input:     "it feels hopeless",
	})
	require.NoError(t, err)
	require.Equal(t, core.TurnEscalated, turn.Status)

	require.NoError(t, orch.ClearSafetyPin(context.Background(), "sess-1"))

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.False(t, sess.Pinned)

	// Unpinned: the same moderate input only flags.
	turn, err = orch.StartTurn(context.Background(), StartTurnRequest{
		SessionID: "sess-1",
		Input:     "it feels hopeless",
	})
	require.NoError(t, err)
	assert.Equal(t, core.TurnCompleted, turn.Status)
}
