// Package taskstate holds the Kernel's in-memory plan and per-step
// result bookkeeping for one session.
package taskstate

import (
	"sync"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Snapshot is what TaskState hands the planner on every planning
// iteration (HasPlan is false before the first plan is accepted).
type Snapshot struct {
	HasPlan        bool
	StepResults    map[string]types.StepResult
	StepTitles     map[string]string
	CompletedSteps int
}

// TaskState is mutated only by the Kernel: the current plan plus a
// step_id -> StepResult map.
type TaskState struct {
	mu      sync.RWMutex
	plan    *types.Plan
	results map[string]types.StepResult
	titles  map[string]string
}

// New returns an empty TaskState.
func New() *TaskState {
	return &TaskState{
		results: make(map[string]types.StepResult),
		titles:  make(map[string]string),
	}
}

// SetPlan installs plan as current, seeding a pending StepResult for
// every step that doesn't already have one (so replans that reuse a
// step_id keep its prior result).
func (t *TaskState) SetPlan(plan types.Plan) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := plan
	t.plan = &p
	for _, step := range plan.Steps {
		t.titles[step.StepID] = step.Title
		if _, ok := t.results[step.StepID]; !ok {
			t.results[step.StepID] = types.StepResult{StepID: step.StepID, Status: types.StepPending}
		}
	}
}

// Plan returns the current plan, or nil if none has been set.
func (t *TaskState) Plan() *types.Plan {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.plan == nil {
		return nil
	}
	p := *t.plan
	return &p
}

// RecordStarted marks stepID as running with one attempt recorded.
func (t *TaskState) RecordStarted(stepID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.results[stepID]
	r.StepID = stepID
	r.Status = types.StepRunning
	r.Attempts++
	t.results[stepID] = r
}

// RecordResult stores the terminal outcome of a step's execution.
func (t *TaskState) RecordResult(result types.StepResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing := t.results[result.StepID]
	if result.Attempts == 0 {
		result.Attempts = existing.Attempts
	}
	t.results[result.StepID] = result
}

// GetResult returns the current StepResult for stepID, if any.
func (t *TaskState) GetResult(stepID string) (types.StepResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.results[stepID]
	return r, ok
}

// GetAllStepResults returns a copy of the full step_id -> StepResult map.
func (t *TaskState) GetAllStepResults() map[string]types.StepResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]types.StepResult, len(t.results))
	for k, v := range t.results {
		out[k] = v
	}
	return out
}

// CompletedStepCount returns the number of steps across the task's
// whole lifetime (all plans/iterations) whose status is succeeded.
func (t *TaskState) CompletedStepCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, r := range t.results {
		if r.Status == types.StepSucceeded {
			n++
		}
	}
	return n
}

// GetSnapshot builds the planner-facing snapshot: has_plan flag,
// step_results by id, step_titles by id, and the completed-step count.
func (t *TaskState) GetSnapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	results := make(map[string]types.StepResult, len(t.results))
	for k, v := range t.results {
		results[k] = v
	}
	titles := make(map[string]string, len(t.titles))
	for k, v := range t.titles {
		titles[k] = v
	}
	completed := 0
	for _, r := range results {
		if r.Status == types.StepSucceeded {
			completed++
		}
	}
	return Snapshot{
		HasPlan:        t.plan != nil,
		StepResults:    results,
		StepTitles:     titles,
		CompletedSteps: completed,
	}
}
