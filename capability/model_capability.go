package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loomhq/loom/core"
	"github.com/loomhq/loom/model"
)

// ModelCapability adapts a model.Model into a core.Capability by pairing it
// with fixed instructions. The task input and any prerequisite step outputs
// are folded into a single prompt; the capability itself stays stateless.
type ModelCapability struct {
	id           string
	instructions string
	backend      model.Model
}

// NewModelCapability builds a capability with the given versioned id.
func NewModelCapability(id, instructions string, backend model.Model) *ModelCapability {
	return &ModelCapability{id: id, instructions: instructions, backend: backend}
}

// ID implements core.Capability.
func (c *ModelCapability) ID() string { return c.id }

// Invoke implements core.Capability.
func (c *ModelCapability) Invoke(ctx context.Context, task core.Task) (*core.Result, error) {
	if strings.TrimSpace(task.Input) == "" && len(task.Context) == 0 {
		return nil, core.NewCapabilityError(core.FailureInvalidInput, c.id, errors.New("empty task"))
	}

	res, err := c.backend.Complete(ctx, model.Request{
		Instructions: c.instructions,
		Input:        buildPrompt(task),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, core.NewCapabilityError(core.FailureTimeout, c.id, err)
		}
		return nil, core.NewCapabilityError(core.FailureUnavailable, c.id, err)
	}

	return &core.Result{
		Output: res.Text,
		Meta:   map[string]string{"model": res.Model},
	}, nil
}

// buildPrompt folds prerequisite step outputs into the prompt in a stable
// order so reruns are reproducible.
func buildPrompt(task core.Task) string {
	if len(task.Context) == 0 {
		return task.Input
	}

	keys := make([]string, 0, len(task.Context))
	for k := range task.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", k, task.Context[k])
	}
	b.WriteString("[player]\n")
	b.WriteString(task.Input)
	return b.String()
}

// Built-in capability instructions. Kept short; the interesting behavior
// lives in the models, which are substitutable per deployment.
const (
	worldbuilderInstructions = "You maintain the setting of an interactive story. " +
		"Given the player's latest input and any prior context, describe the relevant " +
		"state of the world in a few compact sentences. Never address the player directly."

	interpreterInstructions = "You interpret player input for an interactive story. " +
		"State the player's intent, mood and any notable references in a short structured " +
		"summary. Do not write narrative."

	narratorInstructions = "You are the narrator of a gentle interactive story. " +
		"Using the interpreted intent and world notes provided, continue the story in " +
		"second person. Keep a calm, supportive tone and end with an open choice."
)

// NewWorldbuilder returns the world-building capability backed by m.
func NewWorldbuilder(m model.Model) *ModelCapability {
	return NewModelCapability("worldbuilder@v1", worldbuilderInstructions, m)
}

// NewInterpreter returns the input-interpretation capability backed by m.
func NewInterpreter(m model.Model) *ModelCapability {
	return NewModelCapability("interpreter@v1", interpreterInstructions, m)
}

// NewNarrator returns the narrative-generation capability backed by m.
func NewNarrator(m model.Model) *ModelCapability {
	return NewModelCapability("narrator@v1", narratorInstructions, m)
}
