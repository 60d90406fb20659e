package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/loomhq/loom/capability"
	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/logging"
)

// StepGuard screens a step's output as soon as it completes. A non-nil error
// aborts the remaining execution; the engine uses this to interrupt in-flight
// steps when safety screening escalates mid-execution.
type StepGuard func(ctx context.Context, step core.AgentStep) error

// ExecutorOptions tunes the step executor.
type ExecutorOptions struct {
	// RetryCeiling is the maximum attempts per capability binding,
	// first try included.
	RetryCeiling int
	// BackoffBase is the initial retry delay, doubled per attempt.
	BackoffBase time.Duration
	// BackoffCap bounds the delay growth.
	BackoffCap time.Duration
	// StepTimeout returns the per-invocation deadline for a capability
	// kind; agent latency profiles differ, so there is no single global
	// step deadline.
	StepTimeout func(kind string) time.Duration
	// MaxConcurrentSteps bounds in-flight invocations across all turns.
	MaxConcurrentSteps int64
	// MaxSessionSteps bounds in-flight invocations within one turn.
	MaxSessionSteps int64
	// Logger defaults to no-op.
	Logger logging.Logger
}

// Executor interprets a Plan: independent steps run concurrently under the
// global and per-session concurrency bounds, dependent steps wait on their
// prerequisites' results via channels. No lock is held across a capability
// invocation or any other suspension point.
type Executor struct {
	registry *capability.Registry
	global   *semaphore.Weighted
	opts     ExecutorOptions
}

// NewExecutor constructs an Executor over registry.
func NewExecutor(registry *capability.Registry, optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{
		RetryCeiling:       3,
		BackoffBase:        200 * time.Millisecond,
		BackoffCap:         5 * time.Second,
		StepTimeout:        func(string) time.Duration { return 15 * time.Second },
		MaxConcurrentSteps: 32,
		MaxSessionSteps:    4,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Executor{
		registry: registry,
		global:   semaphore.NewWeighted(opts.MaxConcurrentSteps),
		opts:     opts,
	}
}

// Run executes plan for turn, mutating turn.Steps as steps progress and
// emitting a WorkflowEvent per step state change. It returns the outputs of
// all succeeded steps keyed by step id. The first fatal error (step
// exhaustion without fallback, guard abort, or context cancellation) stops
// the remaining work; steps that never ran are marked skipped.
func (x *Executor) Run(
	ctx context.Context,
	turn *core.Turn,
	plan *Plan,
	guard StepGuard,
	emit func(core.WorkflowEvent),
) (map[string]string, error) {
	var mu sync.Mutex

	turn.Steps = make([]core.AgentStep, 0, len(plan.Steps))
	done := make(map[string]chan struct{}, len(plan.Steps))
	for _, ps := range plan.Steps {
		turn.Steps = append(turn.Steps, core.AgentStep{
			ID:         ps.ID,
			Capability: ps.Capability,
			Status:     core.StepPending,
		})
		done[ps.ID] = make(chan struct{})
	}

	outputs := make(map[string]string, len(plan.Steps))
	local := semaphore.NewWeighted(x.opts.MaxSessionSteps)

	g, gctx := errgroup.WithContext(ctx)

	for _, ps := range plan.Steps {
		g.Go(func() error {
			defer close(done[ps.ID])

			// Wait for prerequisites; results arrive via their done
			// channels, not shared state polling.
			for _, dep := range ps.DependsOn {
				select {
				case <-gctx.Done():
					return nil // terminal error already in flight
				case <-done[dep]:
				}
			}

			mu.Lock()
			ready := true
			for _, dep := range ps.DependsOn {
				if turn.Step(dep).Status != core.StepSucceeded {
					ready = false
					break
				}
			}
			if !ready {
				step := turn.Step(ps.ID)
				step.Status = core.StepSkipped
				snapshot := *step
				mu.Unlock()
				emit(core.NewStepEvent(core.EventStepCompleted, turn.SessionID, turn.ID, snapshot))
				return nil
			}
			task := core.Task{
				SessionID: turn.SessionID,
				TurnID:    turn.ID,
				Input:     turn.Input,
				Context:   make(map[string]string, len(ps.DependsOn)),
			}
			for _, dep := range ps.DependsOn {
				task.Context[dep] = outputs[dep]
			}
			mu.Unlock()

			if err := local.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer local.Release(1)
			if err := x.global.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer x.global.Release(1)

			output, err := x.runStep(gctx, turn, &mu, ps, task, emit)
			if err != nil {
				return err
			}

			mu.Lock()
			outputs[ps.ID] = output
			snapshot := *turn.Step(ps.ID)
			mu.Unlock()

			if guard != nil {
				if err := guard(gctx, snapshot); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()

	// Anything still pending never ran.
	mu.Lock()
	for i := range turn.Steps {
		if turn.Steps[i].Status == core.StepPending || turn.Steps[i].Status == core.StepRunning {
			turn.Steps[i].Status = core.StepSkipped
		}
	}
	mu.Unlock()

	if err != nil {
		return outputs, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return outputs, ctxErr
	}
	return outputs, nil
}

// runStep drives the retry/fallback loop for a single step. The turn is only
// touched under mu; the capability invocation itself runs lock-free.
func (x *Executor) runStep(
	ctx context.Context,
	turn *core.Turn,
	mu *sync.Mutex,
	ps PlanStep,
	task core.Task,
	emit func(core.WorkflowEvent),
) (string, error) {
	mu.Lock()
	step := turn.Step(ps.ID)
	step.Status = core.StepRunning
	step.Input = task.Input
	snapshot := *step
	mu.Unlock()
	emit(core.NewStepEvent(core.EventStepStarted, turn.SessionID, turn.ID, snapshot))

	started := time.Now()
	capabilityID := ps.Capability
	usingFallback := false

	for {
		output, attempts, err := x.invokeWithRetries(ctx, capabilityID, task)

		mu.Lock()
		step := turn.Step(ps.ID)
		step.Capability = capabilityID
		step.Attempts = attempts
		step.Fallback = usingFallback
		step.Duration = time.Since(started)

		if err == nil {
			step.Status = core.StepSucceeded
			step.Output = output
			snapshot := *step
			mu.Unlock()
			emit(core.NewStepEvent(core.EventStepCompleted, turn.SessionID, turn.ID, snapshot))
			x.opts.Logger.Debug("step succeeded", "step", ps.ID, "capability", capabilityID, "attempts", attempts)
			return output, nil
		}

		if !usingFallback && ps.Fallback != "" {
			// Substitute the configured fallback and keep the turn alive.
			mu.Unlock()
			x.opts.Logger.Warn("step exhausted retries, substituting fallback",
				"step", ps.ID, "capability", capabilityID, "fallback", ps.Fallback, "error", err)
			capabilityID = ps.Fallback
			usingFallback = true
			continue
		}

		step.Status = core.StepFailed
		step.Error = err.Error()
		snapshot := *step
		mu.Unlock()
		emit(core.NewStepEvent(core.EventStepCompleted, turn.SessionID, turn.ID, snapshot))
		x.opts.Logger.Error("step failed", "step", ps.ID, "capability", capabilityID, "attempts", attempts, "error", err)

		return "", &core.AgentFailure{StepID: ps.ID, Capability: capabilityID, Err: err}
	}
}

// invokeWithRetries runs one capability binding up to the retry ceiling with
// exponential backoff. Invalid input is never retried; the same bytes will
// not become valid on attempt two.
func (x *Executor) invokeWithRetries(ctx context.Context, capabilityID string, task core.Task) (string, int, error) {
	c, ok := x.registry.Get(capabilityID)
	if !ok {
		return "", 0, core.NewCapabilityError(core.FailureInternal, capabilityID, fmt.Errorf("capability %s not registered", capabilityID))
	}

	kind, _, _ := core.ParseCapabilityID(capabilityID)
	timeout := x.opts.StepTimeout(kind)

	var lastErr error
	for attempt := 1; attempt <= x.opts.RetryCeiling; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", attempt - 1, err
		}

		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := c.Invoke(stepCtx, task)
		cancel()

		if err == nil {
			return res.Output, attempt, nil
		}
		lastErr = err

		if core.FailureKindOf(err) == core.FailureInvalidInput {
			return "", attempt, err
		}
		if attempt == x.opts.RetryCeiling {
			break
		}
		if err := sleepCtx(ctx, x.backoffDelay(attempt)); err != nil {
			return "", attempt, err
		}
	}
	return "", x.opts.RetryCeiling, lastErr
}

func (x *Executor) backoffDelay(attempt int) time.Duration {
	d := x.opts.BackoffBase << (attempt - 1)
	if d > x.opts.BackoffCap {
		d = x.opts.BackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
