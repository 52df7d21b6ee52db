package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/agentkernel/internal/critics"
	"github.com/oldeucryptoboi/agentkernel/internal/planner"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// planIteration runs the planning phase for one agentic iteration:
// build the planner snapshot, call the planner under retry-with-
// backoff and a per-call timeout, run critics, and — on success —
// accept the plan. previousPlanID is empty on the very first call.
func (k *Kernel) planIteration(ctx context.Context, iteration int, previousPlanID string) (types.Plan, error) {
	k.emit(ctx, types.EventPlannerRequested, map[string]any{"iteration": iteration})

	snap, err := k.GetTaskState()
	if err != nil {
		return types.Plan{}, err
	}

	opts := planner.Options{Iteration: iteration, Snapshot: snap}
	if iteration == 1 {
		opts.TaskDomain = ""
	}
	if k.cfg.Memory != nil {
		k.mu.Lock()
		taskText := k.session.Task.Text
		k.mu.Unlock()
		if lessons, merr := k.cfg.Memory.Recall(ctx, taskText, 5); merr == nil {
			opts.RelevantMemories = lessons
		}
	}

	k.mu.Lock()
	task := k.session.Task
	limits := k.session.Limits
	k.mu.Unlock()

	schemas := k.cfg.ToolRegistry.List()

	var plan types.Plan
	var lastErr error
	for attempt := 0; attempt < k.cfg.PlannerRetry.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, k.cfg.PlannerRetry.Timeout)
		plan, lastErr = k.cfg.Planner.Plan(callCtx, task, schemas, opts)
		cancel()
		k.recordUsage(ctx)
		if lastErr != nil {
			if attempt+1 < k.cfg.PlannerRetry.MaxAttempts {
				if !k.cfg.Sleep(ctx, backoff(attempt)) {
					return types.Plan{}, ctx.Err()
				}
			}
			continue
		}

		critCtx := critics.Context{Schemas: schemas, Limits: limits}
		results := critics.Run(k.cfg.Critics, plan, critCtx)
		if !critics.AnyErrors(results) {
			if plan.PlanID == "" {
				plan.PlanID = uuid.NewString()
			}
			if plan.SchemaVersion == "" {
				plan.SchemaVersion = "1.0.0"
			}
			if plan.CreatedAt.IsZero() {
				plan.CreatedAt = k.cfg.Now()
			}
			k.acceptPlan(ctx, plan, previousPlanID, iteration)
			return plan, nil
		}

		k.emit(ctx, types.EventPlanCriticized, types.PlanCriticizedPayload{Results: results})
		k.emit(ctx, types.EventPlannerPlanRejected, types.PlannerPlanRejectedPayload{Reason: "critic rejected plan"})
		lastErr = fmt.Errorf("critics rejected plan")

		if attempt+1 < k.cfg.PlannerRetry.MaxAttempts {
			if !k.cfg.Sleep(ctx, backoff(attempt)) {
				return types.Plan{}, ctx.Err()
			}
		}
	}

	return types.Plan{}, lastErr
}

func (k *Kernel) acceptPlan(ctx context.Context, plan types.Plan, previousPlanID string, iteration int) {
	if previousPlanID != "" {
		k.emit(ctx, types.EventPlanReplaced, types.PlanReplacedPayload{
			PreviousPlanID: previousPlanID, NewPlanID: plan.PlanID, Iteration: iteration,
		})
	}
	k.emit(ctx, types.EventPlanAccepted, types.PlanAcceptedPayload{Plan: plan})
	k.taskState.SetPlan(plan)
	k.mu.Lock()
	k.session.ActivePlanID = plan.PlanID
	k.mu.Unlock()
}

// stepTimeout converts a step's TimeoutMs into a Duration,
// defaulting to 30s when unset.
func stepTimeout(step types.Step) time.Duration {
	if step.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(step.TimeoutMs) * time.Millisecond
}
