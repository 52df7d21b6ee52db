// Package usage accumulates per-call token/cost metrics for a
// session, grounded on the teacher's budget.CostRegistry EMA
// approach but simplified to the spec's plain running-totals contract
// (no predictive reservation — that's a teacher feature this kernel
// doesn't need, since the spec only calls for post-hoc accumulation).
package usage

import (
	"sync"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Accumulator aggregates Usage across calls and can be restored
// verbatim from a snapshot during session resume.
type Accumulator struct {
	mu    sync.Mutex
	usage types.Usage
}

// New returns a zeroed Accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// Record folds one call's usage into the running totals. Cost is
// taken from rec.CostUSD when present; otherwise computed from the
// per-1k pricing fields.
func (a *Accumulator) Record(rec types.UsageRecord) types.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.usage.InputTokens += rec.InputTokens
	a.usage.OutputTokens += rec.OutputTokens
	a.usage.TotalTokens += rec.InputTokens + rec.OutputTokens
	a.usage.CallCount++

	var cost float64
	if rec.CostUSD != nil {
		cost = *rec.CostUSD
	} else {
		cost = float64(rec.InputTokens)/1000*rec.InputCostPer1k + float64(rec.OutputTokens)/1000*rec.OutputCostPer1k
	}
	a.usage.CostUSD += cost

	out := a.usage
	return out
}

// Summary returns a copy of the current running totals.
func (a *Accumulator) Summary() types.Usage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// RestoreFrom replaces internal state verbatim, used when rebuilding
// an Accumulator from the journal's usage.recorded events on resume.
func (a *Accumulator) RestoreFrom(summary types.Usage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage = summary
}
