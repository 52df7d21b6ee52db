package kernel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/circuitbreaker"
	"github.com/oldeucryptoboi/agentkernel/internal/journal"
	"github.com/oldeucryptoboi/agentkernel/internal/planner"
	"github.com/oldeucryptoboi/agentkernel/internal/tools"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

func newTestJournal(t *testing.T) *journal.Store {
	t.Helper()
	store, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// immediateSleep never actually sleeps, so retry-with-backoff tests
// run instantly.
func immediateSleep(ctx context.Context, d time.Duration) bool {
	return ctx.Err() == nil
}

func TestRunHappyPathSingleStepCompletes(t *testing.T) {
	store := newTestJournal(t)
	registry := tools.NewRegistry()
	registry.Register(types.ToolSchema{Name: "echo", Category: types.CategoryOther}, nil, []any{"done"})
	runtime := tools.NewRuntime(registry, circuitbreaker.New(), nil)

	p := &planner.StaticPlanner{
		Goal: "say hello",
		Step: types.Step{StepID: "s1", Title: "say it", ToolRef: types.ToolRef{Name: "echo"}, FailurePolicy: types.FailureAbort},
	}

	k := New(Config{
		Journal:      store,
		ToolRegistry: registry,
		ToolRuntime:  runtime,
		Planner:      p,
		Agentic:      true,
		Sleep:        immediateSleep,
	})

	ctx := context.Background()
	if _, err := k.CreateSession(ctx, types.Task{Text: "say hello"}, types.ModeMock, types.Limits{}, types.Policy{}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sess, err := k.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.Status != types.SessionCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}

	snap, err := k.GetTaskState()
	if err != nil {
		t.Fatalf("task state: %v", err)
	}
	if snap.CompletedSteps != 1 {
		t.Fatalf("expected 1 completed step, got %d", snap.CompletedSteps)
	}
	if snap.StepResults["s1"].Status != types.StepSucceeded {
		t.Fatalf("expected s1 succeeded, got %s", snap.StepResults["s1"].Status)
	}
}

func TestRunCircularDependencyFailsSession(t *testing.T) {
	store := newTestJournal(t)
	registry := tools.NewRegistry()
	registry.Register(types.ToolSchema{Name: "echo", Category: types.CategoryOther}, nil, []any{"done"})
	runtime := tools.NewRuntime(registry, circuitbreaker.New(), nil)

	badPlan := types.Plan{
		Goal: "cyclic",
		Steps: []types.Step{
			{StepID: "a", ToolRef: types.ToolRef{Name: "echo"}, DependsOn: []string{"b"}},
			{StepID: "b", ToolRef: types.ToolRef{Name: "echo"}, DependsOn: []string{"a"}},
		},
	}
	p := &planner.ScriptedPlanner{Plans: []types.Plan{badPlan}}

	k := New(Config{
		Journal:      store,
		ToolRegistry: registry,
		ToolRuntime:  runtime,
		Planner:      p,
		Agentic:      true,
		Sleep:        immediateSleep,
		PlannerRetry: PlannerRetry{MaxAttempts: 2, Timeout: time.Second},
	})

	ctx := context.Background()
	if _, err := k.CreateSession(ctx, types.Task{Text: "do a cyclic thing"}, types.ModeMock, types.Limits{}, types.Policy{}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sess, err := k.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.Status != types.SessionFailed {
		t.Fatalf("expected failed, got %s", sess.Status)
	}
}

func TestRunStepRetriesThenSucceeds(t *testing.T) {
	store := newTestJournal(t)
	registry := tools.NewRegistry()

	var calls int32
	handler := func(ctx context.Context, input map[string]any) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, errFlaky
		}
		return "ok", nil
	}
	registry.Register(types.ToolSchema{Name: "flaky", Category: types.CategoryOther}, handler, nil)
	runtime := tools.NewRuntime(registry, circuitbreaker.New(), nil)

	p := &planner.StaticPlanner{
		Goal: "retry until it works",
		Step: types.Step{StepID: "s1", ToolRef: types.ToolRef{Name: "flaky"}, FailurePolicy: types.FailureAbort, MaxRetries: 2},
	}

	k := New(Config{
		Journal:      store,
		ToolRegistry: registry,
		ToolRuntime:  runtime,
		Planner:      p,
		Agentic:      true,
		Sleep:        immediateSleep,
	})

	ctx := context.Background()
	if _, err := k.CreateSession(ctx, types.Task{Text: "retry task"}, types.ModeLive, types.Limits{}, types.Policy{}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sess, err := k.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.Status != types.SessionCompleted {
		t.Fatalf("expected completed, got %s", sess.Status)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	snap, _ := k.GetTaskState()
	if snap.StepResults["s1"].Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", snap.StepResults["s1"].Attempts)
	}
}

func TestRunLimitExceededFailsSessionMidExecution(t *testing.T) {
	store := newTestJournal(t)
	registry := tools.NewRegistry()
	registry.Register(types.ToolSchema{Name: "echo", Category: types.CategoryOther}, nil, []any{"done"})
	runtime := tools.NewRuntime(registry, circuitbreaker.New(), nil)

	p := &planner.StaticPlanner{
		Goal: "spend money",
		Step: types.Step{StepID: "s1", ToolRef: types.ToolRef{Name: "echo"}, FailurePolicy: types.FailureAbort},
	}

	cost := 0.05
	k := New(Config{
		Journal:      store,
		ToolRegistry: registry,
		ToolRuntime:  runtime,
		Planner:      p,
		Agentic:      true,
		Sleep:        immediateSleep,
		UsageFunc: func() *types.UsageRecord {
			return &types.UsageRecord{CostUSD: &cost}
		},
	})

	ctx := context.Background()
	if _, err := k.CreateSession(ctx, types.Task{Text: "spend money"}, types.ModeMock, types.Limits{MaxCostUSD: 0.01}, types.Policy{}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sess, err := k.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.Status != types.SessionFailed {
		t.Fatalf("expected failed due to cost limit, got %s", sess.Status)
	}
}

// TestRunStepRetriesWithRealBackoffThenAborts reproduces the literal
// retry-with-backoff scenario: a tool that always fails output
// validation, max_retries=1, failure_policy="abort" — after Run the
// step's attempts is 2 and wall-clock elapsed is at least 400ms, since
// the kernel's real backoff(0) schedule is 500ms plus jitter.
func TestRunStepRetriesWithRealBackoffThenAborts(t *testing.T) {
	store := newTestJournal(t)
	registry := tools.NewRegistry()
	registry.Register(types.ToolSchema{
		Name:     "bad-output",
		Category: types.CategoryOther,
		Output:   []types.ToolFieldSpec{{Name: "result", Required: true, Type: "string"}},
	}, func(ctx context.Context, input map[string]any) (any, error) {
		return map[string]any{"wrong_field": "oops"}, nil
	}, nil)
	runtime := tools.NewRuntime(registry, circuitbreaker.New(), nil)

	p := &planner.StaticPlanner{
		Goal: "always fails output validation",
		Step: types.Step{StepID: "s1", ToolRef: types.ToolRef{Name: "bad-output"}, FailurePolicy: types.FailureAbort, MaxRetries: 1},
	}

	k := New(Config{
		Journal:      store,
		ToolRegistry: registry,
		ToolRuntime:  runtime,
		Planner:      p,
		Agentic:      true,
	})

	ctx := context.Background()
	if _, err := k.CreateSession(ctx, types.Task{Text: "retry then abort"}, types.ModeLive, types.Limits{}, types.Policy{}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	start := time.Now()
	sess, err := k.Run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.Status != types.SessionFailed {
		t.Fatalf("expected failed, got %s", sess.Status)
	}
	if elapsed < 400*time.Millisecond {
		t.Fatalf("expected at least 400ms elapsed for one backoff cycle, got %s", elapsed)
	}

	snap, _ := k.GetTaskState()
	result := snap.StepResults["s1"]
	if result.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", result.Attempts)
	}
	if result.Error == nil || result.Error.Code != "INVALID_OUTPUT" {
		t.Fatalf("expected INVALID_OUTPUT, got %+v", result.Error)
	}
}

type flakyError struct{}

func (flakyError) Error() string { return "flaky failure" }

var errFlaky = flakyError{}
