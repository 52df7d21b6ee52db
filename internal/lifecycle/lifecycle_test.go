package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// fakeRunner blocks in Run until Abort is called, simulating a session
// that only terminates once it observes the cooperative abort signal.
type fakeRunner struct {
	runBlock chan struct{}
	aborted  chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{runBlock: make(chan struct{}), aborted: make(chan struct{})}
}

func (f *fakeRunner) Run(ctx context.Context) (types.Session, error) {
	<-f.runBlock
	return types.Session{SessionID: "sess-1", Status: types.SessionAborted}, nil
}

func (f *fakeRunner) Abort(ctx context.Context) error {
	close(f.aborted)
	close(f.runBlock)
	return nil
}

func TestSuperviseTimesOutAbortsAndEvicts(t *testing.T) {
	sup := New(nil, Config{TimeoutBuffer: 30 * time.Millisecond, EvictionGrace: 30 * time.Millisecond})
	r := newFakeRunner()
	evicted := make(chan struct{})

	start := time.Now()
	sup.Supervise(context.Background(), "sess-1", 10, r, func() { close(evicted) })
	elapsed := time.Since(start)

	select {
	case <-r.aborted:
	default:
		t.Fatal("expected Abort to have been called after the deadline raced out")
	}
	if elapsed < 40*time.Millisecond {
		t.Fatalf("expected Supervise to block at least until the deadline (10ms+30ms), took %s", elapsed)
	}

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("expected onEvicted to fire once the eviction grace elapsed")
	}
}

// quickRunner returns immediately, so Supervise never reaches the
// abort path — the common, non-timeout case.
type quickRunner struct{}

func (quickRunner) Run(ctx context.Context) (types.Session, error) {
	return types.Session{SessionID: "sess-2", Status: types.SessionCompleted}, nil
}

func (quickRunner) Abort(ctx context.Context) error { return nil }

func TestSuperviseFastRunEvictsWithoutAborting(t *testing.T) {
	sup := New(nil, Config{TimeoutBuffer: time.Second, EvictionGrace: 10 * time.Millisecond})
	evicted := make(chan struct{})

	sup.Supervise(context.Background(), "sess-2", 60000, quickRunner{}, func() { close(evicted) })

	select {
	case <-evicted:
	case <-time.After(time.Second):
		t.Fatal("expected onEvicted to fire after the eviction grace")
	}
}
