package tools

import (
	"context"
	"testing"

	"github.com/oldeucryptoboi/agentkernel/internal/circuitbreaker"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

func testSchema() types.ToolSchema {
	return types.ToolSchema{
		Name:     "test-tool",
		Category: types.CategoryOther,
		Input:    []types.ToolFieldSpec{{Name: "query", Required: true}},
	}
}

func TestMockModeRoundRobinsResponses(t *testing.T) {
	reg := NewRegistry()
	reg.Register(testSchema(), nil, []any{map[string]any{"echo": "mock echo"}})

	rt := NewRuntime(reg, circuitbreaker.New(), nil)
	out, err := rt.Execute(context.Background(), types.ModeMock, "test-tool", map[string]any{"query": "hi"}, types.Policy{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["echo"] != "mock echo" {
		t.Fatalf("unexpected mock output: %+v", out)
	}
}

func TestMissingRequiredFieldFails(t *testing.T) {
	reg := NewRegistry()
	reg.Register(testSchema(), nil, []any{"ok"})
	rt := NewRuntime(reg, circuitbreaker.New(), nil)

	_, err := rt.Execute(context.Background(), types.ModeMock, "test-tool", map[string]any{}, types.Policy{})
	if err == nil {
		t.Fatal("expected error for missing required field")
	}
}

func TestUnknownToolReturnsToolNotFound(t *testing.T) {
	reg := NewRegistry()
	rt := NewRuntime(reg, circuitbreaker.New(), nil)
	_, err := rt.Execute(context.Background(), types.ModeMock, "ghost", map[string]any{}, types.Policy{})
	if err != ErrToolNotFound {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
}

func TestLiveModeInvokesHandlerAndPolicyChecker(t *testing.T) {
	reg := NewRegistry()
	var handlerCalled bool
	reg.Register(testSchema(), func(ctx context.Context, input map[string]any) (any, error) {
		handlerCalled = true
		return "handled", nil
	}, nil)

	var policyCalled bool
	policy := func(toolName string, input map[string]any, p types.Policy) error {
		policyCalled = true
		return nil
	}
	rt := NewRuntime(reg, circuitbreaker.New(), policy)

	out, err := rt.Execute(context.Background(), types.ModeLive, "test-tool", map[string]any{"query": "x"}, types.Policy{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !handlerCalled || !policyCalled {
		t.Fatal("expected handler and policy checker to be invoked")
	}
	if out != "handled" {
		t.Fatalf("unexpected output: %v", out)
	}
}

func TestCircuitBreakerOpenBlocksExecution(t *testing.T) {
	reg := NewRegistry()
	reg.Register(testSchema(), nil, []any{"ok"})
	cb := circuitbreaker.New()
	for i := 0; i < 3; i++ {
		cb.RecordFailure("test-tool", types.CategoryOther, true)
	}
	rt := NewRuntime(reg, cb, nil)

	_, err := rt.Execute(context.Background(), types.ModeMock, "test-tool", map[string]any{"query": "x"}, types.Policy{})
	if err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}
