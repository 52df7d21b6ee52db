package critics

import (
	"testing"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

func testSchemas() map[string]types.ToolSchema {
	return map[string]types.ToolSchema{
		"test-tool": {
			Name:  "test-tool",
			Input: []types.ToolFieldSpec{{Name: "query", Required: true}},
		},
	}
}

func TestUnknownToolFailsOnUnregisteredTool(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{{StepID: "s1", ToolRef: types.ToolRef{Name: "ghost-tool"}}}}
	res := UnknownTool(plan, Context{Schemas: testSchemas()})
	if res.Passed {
		t.Fatal("expected unknown-tool critic to fail")
	}
}

func TestToolInputFailsOnMissingRequiredField(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{{StepID: "s1", ToolRef: types.ToolRef{Name: "test-tool"}, Input: map[string]any{}}}}
	res := ToolInput(plan, Context{Schemas: testSchemas()})
	if res.Passed {
		t.Fatal("expected tool-input critic to fail")
	}
}

func TestToolInputPassesWhenBoundViaInputFrom(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{{
		StepID:    "s1",
		ToolRef:   types.ToolRef{Name: "test-tool"},
		InputFrom: map[string]string{"query": "s0.output.text"},
	}}}
	res := ToolInput(plan, Context{Schemas: testSchemas()})
	if !res.Passed {
		t.Fatalf("expected tool-input critic to pass, got %s", res.Message)
	}
}

func TestStepLimitFailsWhenOverMax(t *testing.T) {
	plan := types.Plan{Steps: make([]types.Step, 6)}
	res := StepLimit(plan, Context{Limits: types.Limits{MaxSteps: 5}})
	if res.Passed {
		t.Fatal("expected step-limit critic to fail")
	}
}

func TestSelfReferenceDetectsSelfDependency(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{{StepID: "s1", DependsOn: []string{"s1"}}}}
	res := SelfReference(plan, Context{})
	if res.Passed {
		t.Fatal("expected self-reference critic to fail on self-dependency")
	}
}

func TestSelfReferenceDetectsCycle(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{
		{StepID: "a", DependsOn: []string{"b"}},
		{StepID: "b", DependsOn: []string{"a"}},
	}}
	res := SelfReference(plan, Context{})
	if res.Passed {
		t.Fatal("expected self-reference critic to fail on A<->B cycle")
	}
}

func TestSelfReferencePassesOnAcyclicGraph(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{
		{StepID: "a"},
		{StepID: "b", DependsOn: []string{"a"}},
		{StepID: "c", DependsOn: []string{"a", "b"}},
	}}
	res := SelfReference(plan, Context{})
	if !res.Passed {
		t.Fatalf("expected acyclic graph to pass, got %s", res.Message)
	}
}

func TestRunAndAnyErrors(t *testing.T) {
	plan := types.Plan{Steps: []types.Step{{StepID: "s1", ToolRef: types.ToolRef{Name: "ghost"}}}}
	results := Run(Default, plan, Context{Schemas: testSchemas(), Limits: types.Limits{MaxSteps: 10}})
	if !AnyErrors(results) {
		t.Fatal("expected AnyErrors to detect the unknown-tool failure")
	}
}
