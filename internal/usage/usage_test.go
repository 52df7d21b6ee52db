package usage

import (
	"testing"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

func TestRecordAccumulatesAndComputesCostFromPricing(t *testing.T) {
	a := New()
	a.Record(types.UsageRecord{InputTokens: 1000, OutputTokens: 500, InputCostPer1k: 0.01, OutputCostPer1k: 0.03})

	s := a.Summary()
	if s.InputTokens != 1000 || s.OutputTokens != 500 || s.TotalTokens != 1500 {
		t.Fatalf("unexpected token totals: %+v", s)
	}
	want := 0.01 + 0.015
	if diff := s.CostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected cost %.4f, got %.4f", want, s.CostUSD)
	}
	if s.CallCount != 1 {
		t.Fatalf("expected call_count 1, got %d", s.CallCount)
	}
}

func TestRecordPrefersExplicitCost(t *testing.T) {
	a := New()
	cost := 2.5
	a.Record(types.UsageRecord{InputTokens: 100, CostUSD: &cost})
	if got := a.Summary().CostUSD; got != cost {
		t.Fatalf("expected explicit cost %.2f, got %.2f", cost, got)
	}
}

func TestRestoreFromReplacesStateVerbatim(t *testing.T) {
	a := New()
	a.Record(types.UsageRecord{InputTokens: 100})

	restored := types.Usage{InputTokens: 9, OutputTokens: 9, TotalTokens: 18, CostUSD: 1.5, CallCount: 3}
	a.RestoreFrom(restored)

	if got := a.Summary(); got != restored {
		t.Fatalf("expected restored summary %+v, got %+v", restored, got)
	}
}
