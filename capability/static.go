package capability

import (
	"context"

	"github.com/loomhq/loom/core"
)

// Static is a capability that computes its output from a pure function.
// Used as a configured fallback when a model-backed capability is exhausted,
// and as a substitutable fake in tests.
type Static struct {
	id string
	fn func(task core.Task) (string, error)
}

// NewStatic builds a static capability. fn may be nil, in which case the
// task input is echoed back.
func NewStatic(id string, fn func(task core.Task) (string, error)) *Static {
	if fn == nil {
		fn = func(task core.Task) (string, error) { return task.Input, nil }
	}
	return &Static{id: id, fn: fn}
}

// ID implements core.Capability.
func (s *Static) ID() string { return s.id }

// Invoke implements core.Capability.
func (s *Static) Invoke(ctx context.Context, task core.Task) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.NewCapabilityError(core.FailureTimeout, s.id, err)
	}
	out, err := s.fn(task)
	if err != nil {
		return nil, core.NewCapabilityError(core.FailureInternal, s.id, err)
	}
	return &core.Result{Output: out}, nil
}

// NewFallbackNarrator is a model-free narrator used when the configured
// narrator exhausts its retries: it acknowledges the input and hands the
// choice back to the player rather than failing the whole turn.
func NewFallbackNarrator() *Static {
	return NewStatic("narrator-fallback@v1", func(task core.Task) (string, error) {
		return "The story pauses for a moment, holding your words. " +
			"When you're ready, tell me what you'd like to do next.", nil
	})
}
