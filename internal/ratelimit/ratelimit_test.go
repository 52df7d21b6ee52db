package ratelimit

import (
	"testing"
	"time"
)

func TestAllowsUpToMaxThenBlocks(t *testing.T) {
	l := New(3, time.Second)
	for i := 0; i < 3; i++ {
		if r := l.Check("1.2.3.4"); !r.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
	if r := l.Check("1.2.3.4"); r.Allowed {
		t.Fatal("expected 4th request to be blocked")
	}
}

func TestWindowSlidesAfterExpiry(t *testing.T) {
	l := New(3, 50*time.Millisecond)
	fakeNow := time.Now()
	l.now = func() time.Time { return fakeNow }

	for i := 0; i < 3; i++ {
		l.Check("1.2.3.4")
	}
	if r := l.Check("1.2.3.4"); r.Allowed {
		t.Fatal("expected blocked before window elapses")
	}

	fakeNow = fakeNow.Add(60 * time.Millisecond)
	if r := l.Check("1.2.3.4"); !r.Allowed {
		t.Fatal("expected allowed after window slides")
	}
}

func TestDifferentKeysTrackedIndependently(t *testing.T) {
	l := New(1, time.Second)
	if r := l.Check("a"); !r.Allowed {
		t.Fatal("expected a's first request allowed")
	}
	if r := l.Check("b"); !r.Allowed {
		t.Fatal("expected b's first request allowed independent of a")
	}
	if r := l.Check("a"); r.Allowed {
		t.Fatal("expected a's second request blocked")
	}
}

func TestLRUEvictionBoundsTrackedKeys(t *testing.T) {
	l := New(100, time.Minute)
	for i := 0; i < MaxIPs+10; i++ {
		l.Check(string(rune(i)) + "-key")
	}
	if len(l.windows) > MaxIPs {
		t.Fatalf("expected tracked keys capped at %d, got %d", MaxIPs, len(l.windows))
	}
}
