package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/journal"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

type collectingSink struct {
	mu      sync.Mutex
	events  []types.Event
	comment int
	notify  chan struct{}
}

func newCollectingSink() *collectingSink {
	return &collectingSink{notify: make(chan struct{}, 256)}
}

func (s *collectingSink) WriteEvent(ev types.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *collectingSink) WriteComment(string) error {
	s.mu.Lock()
	s.comment++
	s.mu.Unlock()
	return nil
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestHub(t *testing.T, cfg Config) (*journal.Store, *Hub) {
	t.Helper()
	store, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, New(store, cfg)
}

func waitForCount(t *testing.T, sink *collectingSink, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for sink.count() < n {
		select {
		case <-sink.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, sink.count())
		}
	}
}

func TestStreamReplaysBacklogThenLiveEvents(t *testing.T) {
	store, hub := newTestHub(t, Config{
		ReplayCap: 10, KeepaliveInterval: time.Hour, Lifetime: time.Hour, BackpressureLimit: 1000, MaxEventBytes: 1 << 20,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := store.Emit(ctx, "s1", types.EventStepStarted, map[string]any{"i": i}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	sink := newCollectingSink()
	done := make(chan error, 1)
	go func() { done <- hub.Stream(ctx, "s1", 0, sink) }()

	waitForCount(t, sink, 3, 2*time.Second)

	if _, err := store.Emit(ctx, "s1", types.EventStepSucceeded, map[string]any{"i": 3}); err != nil {
		t.Fatalf("emit live: %v", err)
	}
	waitForCount(t, sink, 4, 2*time.Second)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not exit after context cancellation")
	}
}

func TestStreamTruncatesBacklogBeyondReplayCap(t *testing.T) {
	store, hub := newTestHub(t, Config{
		ReplayCap: 2, KeepaliveInterval: time.Hour, Lifetime: time.Hour, BackpressureLimit: 1000, MaxEventBytes: 1 << 20,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		if _, err := store.Emit(ctx, "s1", types.EventStepStarted, map[string]any{"i": i}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	sink := newCollectingSink()
	done := make(chan error, 1)
	go func() { done <- hub.Stream(ctx, "s1", 0, sink) }()

	waitForCount(t, sink, 3, 2*time.Second) // 2 replayed + 1 truncation marker

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not exit after context cancellation")
	}

	if sink.events[2].Type != "replay.truncated" {
		t.Fatalf("expected replay.truncated marker, got %q", sink.events[2].Type)
	}
}
