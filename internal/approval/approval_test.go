package approval

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

func TestRegisterRejectsControlCharacterRequestID(t *testing.T) {
	r := New(time.Minute, nil)
	var got types.ApprovalDecision
	r.Register("bad\x00id", Request{SessionID: "s1"}, func(d types.ApprovalDecision) { got = d })
	if got != types.DecisionDeny {
		t.Fatalf("expected synchronous deny, got %s", got)
	}
	if r.Len() != 0 {
		t.Fatal("expected nothing stored for rejected request_id")
	}
}

func TestResolveIsAtomicRemoveThenResolve(t *testing.T) {
	r := New(time.Minute, nil)
	var calls int32
	var lastDecision types.ApprovalDecision
	r.Register("req-1", Request{SessionID: "s1"}, func(d types.ApprovalDecision) {
		atomic.AddInt32(&calls, 1)
		lastDecision = d
	})

	res1 := r.Resolve("req-1", types.DecisionAllowOnce)
	res2 := r.Resolve("req-1", types.DecisionDeny)

	if res1 != Resolved {
		t.Fatalf("expected first resolve to succeed, got %v", res1)
	}
	if res2 != NotFound {
		t.Fatalf("expected second resolve to find nothing, got %v", res2)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected resolver called exactly once, got %d", calls)
	}
	if lastDecision != types.DecisionAllowOnce {
		t.Fatalf("expected first decision to win, got %s", lastDecision)
	}
}

func TestAutoDenyFiresAfterTimeout(t *testing.T) {
	r := New(20*time.Millisecond, nil)
	done := make(chan types.ApprovalDecision, 1)
	r.Register("req-1", Request{SessionID: "s1"}, func(d types.ApprovalDecision) { done <- d })

	select {
	case d := <-done:
		if d != types.DecisionDeny {
			t.Fatalf("expected auto-deny, got %s", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auto-deny")
	}
	if r.Len() != 0 {
		t.Fatal("expected entry removed after auto-deny")
	}
}

func TestResolveExpiredReturnsExpired(t *testing.T) {
	r := New(10*time.Millisecond, nil)
	fakeNow := time.Now()
	r.now = func() time.Time { return fakeNow }

	r.Register("req-1", Request{SessionID: "s1"}, func(types.ApprovalDecision) {})
	fakeNow = fakeNow.Add(25 * time.Millisecond)

	res := r.Resolve("req-1", types.DecisionAllowOnce)
	if res != Expired {
		t.Fatalf("expected Expired, got %v", res)
	}
}

func TestBroadcastCalledOnRegisterAndResolve(t *testing.T) {
	var events []string
	broadcast := func(eventType, requestID, sessionID string, payload any) {
		events = append(events, eventType)
	}
	r := New(time.Minute, broadcast)
	r.Register("req-1", Request{SessionID: "s1"}, func(types.ApprovalDecision) {})
	r.Resolve("req-1", types.DecisionAllowOnce)

	if len(events) != 2 || events[0] != "approve.needed" || events[1] != "approve.resolved" {
		t.Fatalf("expected [approve.needed approve.resolved], got %v", events)
	}
}
