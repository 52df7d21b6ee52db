// Package planner defines the StepPlanner collaborator interface and
// ships two reference implementations for wiring and tests — concrete
// LLM-backed planning is out of scope per spec.md's OUT OF SCOPE list.
// Grounded on the teacher's autonomous.StepPlanner interface
// (internal/autonomous/execution.go) and StaticPlanner
// (internal/autonomous/orchestrator.go).
package planner

import (
	"context"

	"github.com/oldeucryptoboi/agentkernel/internal/taskstate"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Options carries the agentic-iteration context a planner call needs
// beyond the task itself.
type Options struct {
	Iteration         int
	TaskDomain        string
	RelevantMemories  []types.MemoryLesson
	Snapshot          taskstate.Snapshot
}

// Planner is the collaborator interface the Kernel calls during the
// planning phase.
type Planner interface {
	Plan(ctx context.Context, task types.Task, schemas map[string]types.ToolSchema, opts Options) (types.Plan, error)
}

// StaticPlanner proposes exactly one configured step on its first
// call, then an empty "done" plan on every subsequent call — the
// minimal planner needed to exercise the happy-path E2E scenario.
type StaticPlanner struct {
	Step types.Step
	Goal string
}

// Plan implements Planner.
func (p *StaticPlanner) Plan(ctx context.Context, task types.Task, schemas map[string]types.ToolSchema, opts Options) (types.Plan, error) {
	if opts.Iteration > 1 {
		return types.Plan{SchemaVersion: "1.0.0", Goal: p.Goal}, nil
	}
	return types.Plan{
		SchemaVersion: "1.0.0",
		Goal:          p.Goal,
		Steps:         []types.Step{p.Step},
	}, nil
}

// ScriptedPlanner replays a fixed sequence of plans keyed by
// iteration number (1-indexed), for deterministic multi-step tests
// such as the replan loop and futility scenarios. A request for an
// iteration beyond the script returns an empty "done" plan.
type ScriptedPlanner struct {
	Plans []types.Plan
}

// Plan implements Planner.
func (p *ScriptedPlanner) Plan(ctx context.Context, task types.Task, schemas map[string]types.ToolSchema, opts Options) (types.Plan, error) {
	idx := opts.Iteration - 1
	if idx < 0 || idx >= len(p.Plans) {
		return types.Plan{SchemaVersion: "1.0.0"}, nil
	}
	return p.Plans[idx], nil
}
