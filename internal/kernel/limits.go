package kernel

import (
	"context"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// limitBreach describes which limit fired first.
type limitBreach struct {
	limit     string
	value     float64
	threshold float64
}

// checkLimits evaluates the ordered limit checks the spec requires:
// max_duration_ms -> max_tokens -> max_cost_usd -> cumulative
// max_steps -> max_iterations (agentic only). It returns the first
// breach, or nil if none fired.
func (k *Kernel) checkLimits(createdAt time.Time, iteration int) *limitBreach {
	k.mu.Lock()
	limits := k.session.Limits
	k.mu.Unlock()

	if limits.MaxDurationMs > 0 {
		elapsed := time.Since(createdAt).Milliseconds()
		if elapsed >= limits.MaxDurationMs {
			return &limitBreach{limit: "max_duration_ms", value: float64(elapsed), threshold: float64(limits.MaxDurationMs)}
		}
	}

	usageSummary := k.usageAcc.Summary()
	if limits.MaxTokens > 0 && usageSummary.TotalTokens >= limits.MaxTokens {
		return &limitBreach{limit: "max_tokens", value: float64(usageSummary.TotalTokens), threshold: float64(limits.MaxTokens)}
	}
	if limits.MaxCostUSD > 0 && usageSummary.CostUSD >= limits.MaxCostUSD {
		return &limitBreach{limit: "max_cost_usd", value: usageSummary.CostUSD, threshold: limits.MaxCostUSD}
	}

	completed := k.taskState.CompletedStepCount()
	if limits.MaxSteps > 0 && completed > limits.MaxSteps {
		return &limitBreach{limit: "max_steps", value: float64(completed), threshold: float64(limits.MaxSteps)}
	}

	if k.cfg.Agentic && limits.MaxIterations > 0 && iteration > limits.MaxIterations {
		return &limitBreach{limit: "max_iterations", value: float64(iteration), threshold: float64(limits.MaxIterations)}
	}

	return nil
}

// failSessionOnLimit emits limit.exceeded then session.failed, the
// ordering the spec requires on any breach.
func (k *Kernel) failSessionOnLimit(ctx context.Context, breach *limitBreach) {
	k.emit(ctx, types.EventLimitExceeded, types.LimitExceededPayload{
		Limit: breach.limit, Value: breach.value, Threshold: breach.threshold,
	})
	k.failSession(ctx, "limit exceeded: "+breach.limit, "")
}

func (k *Kernel) failSession(ctx context.Context, reason, errMsg string) {
	k.setStatus(types.SessionFailed)
	now := k.cfg.Now()
	k.mu.Lock()
	k.session.EndedAt = &now
	k.mu.Unlock()
	k.emit(ctx, types.EventSessionFailed, types.SessionFailedPayload{Reason: reason, Error: errMsg})
}

func (k *Kernel) completeSession(ctx context.Context) {
	k.setStatus(types.SessionCompleted)
	now := k.cfg.Now()
	k.mu.Lock()
	k.session.EndedAt = &now
	k.mu.Unlock()
	k.emit(ctx, types.EventSessionCompleted, struct{}{})
}

func (k *Kernel) abortSession(ctx context.Context) {
	k.setStatus(types.SessionAborted)
	now := k.cfg.Now()
	k.mu.Lock()
	k.session.EndedAt = &now
	k.mu.Unlock()
	k.emit(ctx, types.EventSessionAborted, struct{}{})
}
