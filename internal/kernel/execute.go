package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oldeucryptoboi/agentkernel/internal/critics"
	"github.com/oldeucryptoboi/agentkernel/internal/tools"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// executeOutcome is what executePlan reports back to the agentic loop.
type executeOutcome int

const (
	outcomeContinue         executeOutcome = iota // plan finished; loop again
	outcomeReplan                                 // a replan-policy failure broke out early
	outcomeAbortedByFailure                       // an abort-policy failure ended the session
	outcomeAbortedByUser
	outcomeLimitBreach
)

// executePlan runs one plan to completion: builds the DAG, executes
// ready-step waves in parallel, resolves input_from bindings, retries
// on failure per the step's backoff schedule, and honors each step's
// failure_policy.
func (k *Kernel) executePlan(ctx context.Context, plan types.Plan) (executeOutcome, *limitBreach) {
	if cycleStep, found := critics.FindCycle(plan); found {
		k.failSession(ctx, fmt.Sprintf("dependency cycle detected involving step %q", cycleStep), "")
		return outcomeAbortedByFailure, nil
	}

	byID := make(map[string]types.Step, len(plan.Steps))
	for _, s := range plan.Steps {
		byID[s.StepID] = s
	}

	var mu sync.Mutex
	started := make(map[string]bool, len(plan.Steps))

	for {
		if k.abortRequested() {
			k.abortSession(ctx)
			return outcomeAbortedByUser, nil
		}
		if breach := k.checkLimitsWrapper(); breach != nil {
			k.failSessionOnLimit(ctx, breach)
			return outcomeLimitBreach, breach
		}

		ready, anyPending := k.readySteps(plan, byID, started)
		if len(ready) == 0 {
			if !anyPending {
				return outcomeContinue, nil
			}
			// Every remaining step is blocked on a failed/skipped
			// dependency; mark them skipped and finish this pass.
			k.skipBlockedSteps(ctx, plan, byID, started)
			continue
		}

		for _, s := range ready {
			mu.Lock()
			started[s.StepID] = true
			mu.Unlock()
		}

		g, gctx := errgroup.WithContext(ctx)
		var breakOut executeOutcome = -1
		var breakMu sync.Mutex

		for _, step := range ready {
			step := step
			g.Go(func() error {
				result := k.runStepWithRetries(gctx, step)
				k.taskState.RecordResult(result)

				if result.Status == types.StepFailed {
					switch step.FailurePolicy {
					case types.FailureAbort, "":
						k.failSession(ctx, "step failed: "+step.StepID, result.Error.Message)
						breakMu.Lock()
						breakOut = outcomeAbortedByFailure
						breakMu.Unlock()
						return fmt.Errorf("abort policy: step %s failed", step.StepID)
					case types.FailureReplan:
						if !k.cfg.Agentic {
							k.failSession(ctx, "step failed: "+step.StepID, result.Error.Message)
							breakMu.Lock()
							breakOut = outcomeAbortedByFailure
							breakMu.Unlock()
							return fmt.Errorf("replan-as-abort: step %s failed (non-agentic)", step.StepID)
						}
						breakMu.Lock()
						breakOut = outcomeReplan
						breakMu.Unlock()
					case types.FailureContinue:
						// fall through: dependents get skipped naturally.
					}
				}
				return nil
			})
		}

		_ = g.Wait()

		completed := completedStepIDs(k.taskState.GetAllStepResults())
		k.emit(ctx, types.EventSessionCheckpoint, types.SessionCheckpointPayload{CompletedStepIDs: completed})

		breakMu.Lock()
		result := breakOut
		breakMu.Unlock()
		if result == outcomeAbortedByFailure {
			return outcomeAbortedByFailure, nil
		}
		if result == outcomeReplan {
			return outcomeReplan, nil
		}
	}
}

func (k *Kernel) checkLimitsWrapper() *limitBreach {
	k.mu.Lock()
	createdAt := k.session.CreatedAt
	k.mu.Unlock()
	return k.checkLimits(createdAt, 0)
}

func (k *Kernel) sessionPolicy() types.Policy {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session.Policy
}

func (k *Kernel) sessionMode() types.Mode {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session.Mode
}

// readySteps returns steps whose dependencies are all succeeded and
// which have not yet been started, plus whether any not-yet-started
// step remains at all (used to distinguish "done" from "blocked").
func (k *Kernel) readySteps(plan types.Plan, byID map[string]types.Step, started map[string]bool) ([]types.Step, bool) {
	results := k.taskState.GetAllStepResults()
	var ready []types.Step
	anyPending := false

	for _, step := range plan.Steps {
		if started[step.StepID] {
			continue
		}
		r := results[step.StepID]
		if r.Status == types.StepSucceeded || r.Status == types.StepFailed || r.Status == types.StepSkipped {
			continue
		}
		anyPending = true

		blocked := false
		allDepsSatisfied := true
		for _, dep := range step.DependsOn {
			depResult := results[dep]
			switch depResult.Status {
			case types.StepSucceeded:
				// satisfied
			case types.StepFailed, types.StepSkipped:
				blocked = true
			default:
				allDepsSatisfied = false
			}
		}
		if blocked || !allDepsSatisfied {
			continue
		}
		ready = append(ready, step)
	}
	return ready, anyPending
}

// skipBlockedSteps marks every not-yet-started step whose dependency
// is failed or skipped as skipped, so readySteps can make progress
// (or the execute loop can terminate) on the next pass.
func (k *Kernel) skipBlockedSteps(ctx context.Context, plan types.Plan, byID map[string]types.Step, started map[string]bool) {
	results := k.taskState.GetAllStepResults()
	for _, step := range plan.Steps {
		if started[step.StepID] {
			continue
		}
		r := results[step.StepID]
		if r.Status != types.StepPending {
			continue
		}
		for _, dep := range step.DependsOn {
			depStatus := results[dep].Status
			if depStatus == types.StepFailed || depStatus == types.StepSkipped {
				started[step.StepID] = true
				k.taskState.RecordResult(types.StepResult{StepID: step.StepID, Status: types.StepSkipped})
				break
			}
		}
	}
}

func completedStepIDs(results map[string]types.StepResult) []string {
	var out []string
	for id, r := range results {
		if r.Status == types.StepSucceeded {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// runStepWithRetries executes one step, retrying on failure up to
// step.MaxRetries additional attempts with exponential backoff plus
// jitter, honoring cancellation at every sleep.
func (k *Kernel) runStepWithRetries(ctx context.Context, step types.Step) types.StepResult {
	k.emit(ctx, types.EventStepStarted, types.StepStartedPayload{StepID: step.StepID})
	k.taskState.RecordStarted(step.StepID)

	var lastErr error
	attempts := 0
	for attempts <= step.MaxRetries {
		attempts++
		if attempts > 1 {
			k.taskState.RecordStarted(step.StepID)
		}

		input := k.resolveInput(step)

		if k.sessionMode() == types.ModeLive && k.cfg.ApprovalHook != nil && k.sessionPolicy().RequireApprovalWrites {
			decision, aerr := k.cfg.ApprovalHook(ctx, k.sessionIDUnsafe(), step)
			if aerr != nil || decision == types.DecisionDeny || decision == types.DecisionDenyWithAlternate {
				result := types.StepResult{
					StepID: step.StepID, Status: types.StepFailed, Attempts: attempts,
					Error: &types.StepError{Code: "PERMISSION_DENIED", Message: "approval denied"},
				}
				k.emit(ctx, types.EventStepFailed, types.StepFailedPayload{StepID: step.StepID, Error: *result.Error, Attempts: attempts})
				return result
			}
		}

		if k.cfg.ToolRuntime == nil {
			result := types.StepResult{
				StepID: step.StepID, Status: types.StepFailed, Attempts: attempts,
				Error: &types.StepError{Code: "NO_RUNTIME", Message: "no tool runtime configured"},
			}
			k.emit(ctx, types.EventStepFailed, types.StepFailedPayload{StepID: step.StepID, Error: *result.Error, Attempts: attempts})
			return result
		}

		k.emit(ctx, types.EventToolStarted, types.ToolEventPayload{StepID: step.StepID, ToolName: step.ToolRef.Name})
		callCtx, cancel := context.WithTimeout(ctx, stepTimeout(step))
		output, err := k.cfg.ToolRuntime.Execute(callCtx, k.sessionMode(), step.ToolRef.Name, input, k.sessionPolicy())
		cancel()
		k.recordUsage(ctx)
		if err == nil {
			k.emit(ctx, types.EventToolSucceeded, types.ToolEventPayload{StepID: step.StepID, ToolName: step.ToolRef.Name})
			result := types.StepResult{StepID: step.StepID, Status: types.StepSucceeded, Attempts: attempts, Output: output}
			k.emit(ctx, types.EventStepSucceeded, types.StepSucceededPayload{StepID: step.StepID, Output: output})
			return result
		}

		lastErr = err
		k.emit(ctx, types.EventToolFailed, types.ToolEventPayload{StepID: step.StepID, ToolName: step.ToolRef.Name})

		if attempts <= step.MaxRetries {
			if !k.cfg.Sleep(ctx, backoff(attempts-1)) {
				break
			}
		}
	}

	result := types.StepResult{
		StepID: step.StepID, Status: types.StepFailed, Attempts: attempts,
		Error: &types.StepError{Code: stepErrorCode(lastErr), Message: lastErr.Error()},
	}
	k.emit(ctx, types.EventStepFailed, types.StepFailedPayload{StepID: step.StepID, Error: *result.Error, Attempts: attempts})
	return result
}

// stepErrorCode maps a tool runtime error to its kernel-internal
// failure taxonomy code (spec.md's Kernel-internal code list).
func stepErrorCode(err error) string {
	var (
		inputErr   *tools.InputValidationError
		outputErr  *tools.OutputValidationError
		policyErr  *tools.PolicyViolationError
	)
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		return "TOOL_NOT_FOUND"
	case errors.Is(err, tools.ErrCircuitOpen):
		return "CIRCUIT_BREAKER_OPEN"
	case errors.As(err, &inputErr):
		return "INVALID_INPUT"
	case errors.As(err, &outputErr):
		return "INVALID_OUTPUT"
	case errors.As(err, &policyErr):
		return "POLICY_VIOLATION"
	default:
		return "EXECUTION_ERROR"
	}
}

func (k *Kernel) sessionIDUnsafe() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session.SessionID
}

// resolveInput reads input_from bindings from prior step outputs by
// dotted path and shallow-merges them over the step's static input.
func (k *Kernel) resolveInput(step types.Step) map[string]any {
	merged := make(map[string]any, len(step.Input)+len(step.InputFrom))
	for key, val := range step.Input {
		merged[key] = val
	}
	for field, ref := range step.InputFrom {
		stepID, path, ok := strings.Cut(ref, ".")
		if !ok {
			continue
		}
		result, ok := k.taskState.GetResult(stepID)
		if !ok || result.Status != types.StepSucceeded {
			continue
		}
		if v, ok := lookupPath(result.Output, path); ok {
			merged[field] = v
		}
	}
	return merged
}

// lookupPath walks a dotted path over a decoded JSON-like value
// (maps, slices keyed by numeric index, and scalars).
func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	parts := strings.Split(path, ".")
	cur := v
	for _, p := range parts {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
