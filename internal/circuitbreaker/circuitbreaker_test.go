package circuitbreaker

import (
	"testing"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

func TestOpensAfterThresholdFailures(t *testing.T) {
	b := New()
	for i := 0; i < 3; i++ {
		b.RecordFailure("shell-exec", types.CategoryShell, true)
	}
	if !b.IsOpen("shell-exec", types.CategoryShell) {
		t.Fatal("expected breaker to be open after 3 failures")
	}
}

func TestHalfOpenAfterCooldownThenCloseOnSuccess(t *testing.T) {
	b := New()
	fakeNow := time.Now()
	b.now = func() time.Time { return fakeNow }

	for i := 0; i < 3; i++ {
		b.RecordFailure("http-get", types.CategoryHTTP, true)
	}
	if !b.IsOpen("http-get", types.CategoryHTTP) {
		t.Fatal("expected open immediately after threshold")
	}

	fakeNow = fakeNow.Add(31 * time.Second)
	if b.IsOpen("http-get", types.CategoryHTTP) {
		t.Fatal("expected half_open probe to be allowed after cooldown")
	}
	if got := b.CurrentState("http-get"); got != HalfOpen {
		t.Fatalf("expected half_open state, got %s", got)
	}

	b.RecordSuccess("http-get", types.CategoryHTTP)
	if got := b.CurrentState("http-get"); got != Closed {
		t.Fatalf("expected closed after successful probe, got %s", got)
	}
	if b.IsOpen("http-get", types.CategoryHTTP) {
		t.Fatal("expected breaker to allow calls once closed")
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	b := New()
	fakeNow := time.Now()
	b.now = func() time.Time { return fakeNow }

	for i := 0; i < 3; i++ {
		b.RecordFailure("llm-call", types.CategoryLLM, true)
	}
	fakeNow = fakeNow.Add(61 * time.Second)
	b.IsOpen("llm-call", types.CategoryLLM) // transitions to half_open, consumes probe slot

	b.RecordFailure("llm-call", types.CategoryLLM, true)
	if got := b.CurrentState("llm-call"); got != Open {
		t.Fatalf("expected reopened after failed probe, got %s", got)
	}
}
