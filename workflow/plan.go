package workflow

import (
	"fmt"

	"github.com/loomhq/loom/core"
)

// PlanStep is one node of a turn's workflow graph: which capability runs,
// what it waits for, and what substitutes for it if it exhausts its retries.
type PlanStep struct {
	ID         string   `json:"id"`
	Capability string   `json:"capability"`
	DependsOn  []string `json:"depends_on,omitempty"`
	// Fallback names a capability substituted after retry exhaustion.
	// Empty means exhaustion fails the turn.
	Fallback string `json:"fallback,omitempty"`
}

// Plan is the typed, serializable workflow graph built once per turn during
// planning and interpreted by the executor. Keeping the plan a plain data
// structure (instead of runtime dispatch) makes per-turn graphs inspectable
// and replayable.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// Validate checks the plan is a well-formed DAG with known dependencies.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	byID := make(map[string]PlanStep, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" || s.Capability == "" {
			return fmt.Errorf("plan step missing id or capability")
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("duplicate plan step %q", s.ID)
		}
		byID[s.ID] = s
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("step %q depends on itself", s.ID)
			}
		}
	}

	// cycle check via iterative DFS
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(p.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("plan contains a cycle through %q", id)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range p.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Terminals returns the steps no other step depends on, in plan order.
// Their outputs feed synthesis.
func (p *Plan) Terminals() []PlanStep {
	depended := map[string]bool{}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			depended[dep] = true
		}
	}
	var out []PlanStep
	for _, s := range p.Steps {
		if !depended[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// Planner builds the workflow graph for a turn. The graph may vary per turn;
// the executor interpreting it is fixed.
type Planner interface {
	Plan(sess *core.Session, turn *core.Turn) (*Plan, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(sess *core.Session, turn *core.Turn) (*Plan, error)

// Plan implements Planner.
func (f PlannerFunc) Plan(sess *core.Session, turn *core.Turn) (*Plan, error) {
	return f(sess, turn)
}

// DefaultPlanner produces the standard narrative graph: interpreter and
// worldbuilder run independently, the narrator waits on both. On follow-up
// turns the worldbuilder is skipped (the world is already established), so
// the graph genuinely varies per turn.
type DefaultPlanner struct {
	// NarratorFallback, when non-empty, is attached to the narrator step.
	NarratorFallback string
}

// Plan implements Planner.
func (d *DefaultPlanner) Plan(sess *core.Session, turn *core.Turn) (*Plan, error) {
	steps := []PlanStep{
		{ID: "interpret", Capability: "interpreter@v1"},
	}
	narratorDeps := []string{"interpret"}

	if len(sess.Turns) == 0 {
		steps = append(steps, PlanStep{ID: "worldbuild", Capability: "worldbuilder@v1"})
		narratorDeps = append(narratorDeps, "worldbuild")
	}

	steps = append(steps, PlanStep{
		ID:         "narrate",
		Capability: "narrator@v1",
		DependsOn:  narratorDeps,
		Fallback:   d.NarratorFallback,
	})

	plan := &Plan{Steps: steps}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}
