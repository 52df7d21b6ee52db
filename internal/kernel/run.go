package kernel

import (
	"context"
	"encoding/json"

	"github.com/oldeucryptoboi/agentkernel/internal/futility"
	"github.com/oldeucryptoboi/agentkernel/internal/taskstate"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
	"github.com/oldeucryptoboi/agentkernel/internal/usage"
)

// Run drives the full session lifecycle: session.started, then a
// plan/execute cycle per agentic iteration until the planner returns
// an empty plan (done), a limit is breached, futility is detected, a
// step failure aborts the session, or the caller requests abort.
func (k *Kernel) Run(ctx context.Context) (types.Session, error) {
	k.mu.Lock()
	if k.session == nil {
		k.mu.Unlock()
		return types.Session{}, ErrNoSession
	}
	if k.session.Status.IsTerminal() {
		k.mu.Unlock()
		return types.Session{}, ErrInvalidTransition
	}
	if k.running {
		k.mu.Unlock()
		return types.Session{}, ErrAlreadyRunning
	}
	k.running = true
	createdAt := k.session.CreatedAt
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		k.running = false
		k.mu.Unlock()
	}()

	k.setStatus(types.SessionRunning)
	now := k.cfg.Now()
	k.mu.Lock()
	k.session.StartedAt = &now
	k.mu.Unlock()
	k.emit(ctx, types.EventSessionStarted, struct{}{})

	previousPlanID := ""
	iteration := 0

	for {
		iteration++

		if k.abortRequested() {
			k.abortSession(ctx)
			break
		}
		if breach := k.checkLimits(createdAt, iteration); breach != nil {
			k.failSessionOnLimit(ctx, breach)
			break
		}

		plan, err := k.planIteration(ctx, iteration, previousPlanID)
		if err != nil {
			k.failSession(ctx, "planner failed", err.Error())
			break
		}

		if len(plan.Steps) == 0 {
			k.completeSession(ctx)
			break
		}
		previousPlanID = plan.PlanID

		outcome, breach := k.executePlan(ctx, plan)
		switch outcome {
		case outcomeLimitBreach:
			_ = breach
			goto done
		case outcomeAbortedByUser, outcomeAbortedByFailure:
			goto done
		case outcomeReplan:
			if !k.cfg.Agentic {
				k.failSession(ctx, "step requested replan but session is not agentic", "")
				goto done
			}
			// fall through to the futility check and loop again.
		case outcomeContinue:
			if !k.cfg.Agentic {
				k.completeSession(ctx)
				goto done
			}
		}

		if fr := k.observeFutility(plan); fr.Detected {
			k.emit(ctx, types.EventFutilityDetected, types.FutilityDetectedPayload{Reason: fr.Reason})
			k.failSession(ctx, "futility detected: "+fr.Reason, "")
			break
		}
	}

done:
	k.extractMemoryLesson(ctx)

	sess, err := k.GetSession()
	if err != nil {
		return types.Session{}, err
	}
	return sess, nil
}

func (k *Kernel) observeFutility(plan types.Plan) futility.Result {
	snap, err := k.GetTaskState()
	if err != nil {
		return futility.Result{}
	}
	usageSummary, err := k.GetUsageSummary()
	if err != nil {
		return futility.Result{}
	}
	var lastErrorCode string
	for _, r := range snap.StepResults {
		if r.Status == types.StepFailed && r.Error != nil {
			lastErrorCode = r.Error.Code
		}
	}
	return k.futilityM.Observe(plan, snap.CompletedSteps, usageSummary.CostUSD, lastErrorCode)
}

func (k *Kernel) extractMemoryLesson(ctx context.Context) {
	if k.cfg.Memory == nil {
		return
	}
	sess, err := k.GetSession()
	if err != nil {
		return
	}
	var outcome, lesson string
	switch sess.Status {
	case types.SessionCompleted:
		outcome = "succeeded"
		lesson = "plan for \"" + sess.Task.Text + "\" completed without incident"
	case types.SessionFailed:
		outcome = "failed"
		lesson = "plan for \"" + sess.Task.Text + "\" failed; check step errors before retrying"
	case types.SessionAborted:
		outcome = "aborted"
		lesson = "plan for \"" + sess.Task.Text + "\" was aborted before completion"
	default:
		return
	}
	entry := types.MemoryLesson{
		TaskSummary: sess.Task.Text,
		Outcome:     outcome,
		Lesson:      lesson,
		CreatedAt:   k.cfg.Now(),
	}
	if err := k.cfg.Memory.Append(ctx, entry); err == nil {
		k.emit(ctx, types.EventMemoryLesson, types.MemoryLessonPayload{Lesson: entry})
	}
}

// ResumeSession rebuilds a Kernel's in-memory state from the journal
// after a crash. It returns false (with no error) when the session
// has no recoverable state: either it reached a terminal event, or it
// never got past session.started/plan.accepted. On success the
// Kernel owns the resumed session and Run can be called to continue
// it from its last checkpoint.
func (k *Kernel) ResumeSession(ctx context.Context, sessionID string) (bool, error) {
	k.mu.Lock()
	if k.session != nil {
		k.mu.Unlock()
		return false, ErrAlreadyHasSession
	}
	k.mu.Unlock()

	events, err := k.cfg.Journal.ReadSession(ctx, sessionID, 0, 1<<20)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}

	var sess types.Session
	hasCreated, hasStarted, hasAcceptedPlan, terminal := false, false, false, false
	ts := taskstate.New()
	acc := usage.New()

	for _, ev := range events {
		switch ev.Type {
		case types.EventSessionCreated:
			var p types.SessionCreatedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			sess = types.Session{
				SessionID: sessionID,
				Status:    types.SessionCreated,
				Mode:      p.Mode,
				Task:      p.Task,
				Limits:    p.Limits,
				CreatedAt: ev.Timestamp,
			}
			hasCreated = true

		case types.EventSessionStarted:
			hasStarted = true
			t := ev.Timestamp
			sess.StartedAt = &t
			sess.Status = types.SessionRunning

		case types.EventPlanAccepted:
			var p types.PlanAcceptedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			ts.SetPlan(p.Plan)
			sess.ActivePlanID = p.Plan.PlanID
			hasAcceptedPlan = true

		case types.EventStepSucceeded:
			var p types.StepSucceededPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			ts.RecordResult(types.StepResult{StepID: p.StepID, Status: types.StepSucceeded, Output: p.Output})

		case types.EventStepFailed:
			var p types.StepFailedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			errCopy := p.Error
			ts.RecordResult(types.StepResult{StepID: p.StepID, Status: types.StepFailed, Attempts: p.Attempts, Error: &errCopy})

		case types.EventUsageRecorded:
			var p types.UsageRecordedPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				continue
			}
			acc.RestoreFrom(p.Usage)

		case types.EventSessionCompleted, types.EventSessionFailed, types.EventSessionAborted:
			terminal = true
		}
	}

	if !hasCreated || terminal || !hasStarted || !hasAcceptedPlan {
		return false, nil
	}

	k.mu.Lock()
	k.session = &sess
	k.taskState = ts
	k.usageAcc = acc
	k.futilityM = futility.New(k.cfg.FutilityConfig)
	k.mu.Unlock()
	return true, nil
}
