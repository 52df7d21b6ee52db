package planner

import (
	"context"
	"testing"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

func TestStaticPlannerProposesThenSignalsDone(t *testing.T) {
	p := &StaticPlanner{Goal: "g", Step: types.Step{StepID: "s1", ToolRef: types.ToolRef{Name: "test-tool"}}}

	first, err := p.Plan(context.Background(), types.Task{}, nil, Options{Iteration: 1})
	if err != nil {
		t.Fatalf("iteration 1: %v", err)
	}
	if len(first.Steps) != 1 {
		t.Fatalf("expected 1 step on first call, got %d", len(first.Steps))
	}

	second, err := p.Plan(context.Background(), types.Task{}, nil, Options{Iteration: 2})
	if err != nil {
		t.Fatalf("iteration 2: %v", err)
	}
	if len(second.Steps) != 0 {
		t.Fatal("expected zero-step done signal on second call")
	}
}

func TestScriptedPlannerReplaysByIteration(t *testing.T) {
	p := &ScriptedPlanner{Plans: []types.Plan{
		{Goal: "first"},
		{Goal: "second"},
	}}

	first, _ := p.Plan(context.Background(), types.Task{}, nil, Options{Iteration: 1})
	if first.Goal != "first" {
		t.Fatalf("expected first plan, got %q", first.Goal)
	}
	second, _ := p.Plan(context.Background(), types.Task{}, nil, Options{Iteration: 2})
	if second.Goal != "second" {
		t.Fatalf("expected second plan, got %q", second.Goal)
	}
	third, _ := p.Plan(context.Background(), types.Task{}, nil, Options{Iteration: 3})
	if len(third.Steps) != 0 {
		t.Fatal("expected done signal past end of script")
	}
}
