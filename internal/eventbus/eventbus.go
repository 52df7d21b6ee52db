// Package eventbus fans the journal's single event stream out to many
// SSE/WS clients: replay-from-seq, a 15s keepalive, a 30-minute
// lifetime cap, and sequence-gap-based backpressure eviction. It is a
// thin layer over journal.Store.Subscribe, grounded on the teacher's
// reach-serve streamEvents handler (snapshot-only SSE writer) and
// session-hub/internal/hub's per-client queue/broadcast shape, but
// collapsed to the single-priority channel the spec calls for (see
// DESIGN.md's internal/eventbus entry for why the teacher's
// critical/normal/passive tiers are not carried over).
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/journal"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Config holds the fan-out tunables the spec names.
type Config struct {
	ReplayCap         int
	KeepaliveInterval time.Duration
	Lifetime          time.Duration
	BackpressureLimit int
	MaxEventBytes     int
}

// DefaultConfig matches spec.md §4.8's stated defaults.
var DefaultConfig = Config{
	ReplayCap:         500,
	KeepaliveInterval: 15 * time.Second,
	Lifetime:          30 * time.Minute,
	BackpressureLimit: 1000,
	MaxEventBytes:     100 * 1024,
}

// Sink receives events pushed by Stream. Implementations adapt this to
// a concrete transport: sse.go wraps an http.ResponseWriter, and
// internal/wsgateway wraps a raw WebSocket connection.
type Sink interface {
	WriteEvent(ev types.Event) error
	WriteComment(text string) error
}

// Hub wraps a journal.Store with the fan-out policy.
type Hub struct {
	journal *journal.Store
	cfg     Config
	now     func() time.Time
}

// New returns a Hub backed by j.
func New(j *journal.Store, cfg Config) *Hub {
	if cfg.ReplayCap <= 0 {
		cfg = DefaultConfig
	}
	return &Hub{journal: j, cfg: cfg, now: time.Now}
}

// ErrBackpressureEvicted is returned when a client fell far enough
// behind (by sequence-number gap) to be forcibly disconnected.
var ErrBackpressureEvicted = fmt.Errorf("event stream evicted: exceeded missed-event backpressure limit")

// replayBacklog fetches up to cfg.ReplayCap+1 historical events after
// afterSeq to detect truncation without a separate count query.
func (h *Hub) replayBacklog(ctx context.Context, sessionID string, afterSeq int64) ([]types.Event, bool, error) {
	events, err := h.journal.ReadSession(ctx, sessionID, afterSeq+1, h.cfg.ReplayCap+1)
	if err != nil {
		return nil, false, err
	}
	truncated := len(events) > h.cfg.ReplayCap
	if truncated {
		events = events[:h.cfg.ReplayCap]
	}
	return events, truncated, nil
}

func truncatedEvent(sessionID string, retained int, at time.Time) types.Event {
	payload, _ := json.Marshal(map[string]any{"retained": retained})
	return types.Event{
		Type:      "replay.truncated",
		SessionID: sessionID,
		Timestamp: at,
		Payload:   payload,
	}
}

// Stream replays sessionID's backlog after afterSeq (capped, emitting
// replay.truncated if more was dropped), then pushes live events to
// sink until ctx is canceled, the lifetime cap elapses, or the client
// is evicted for falling too far behind.
func (h *Hub) Stream(ctx context.Context, sessionID string, afterSeq int64, sink Sink) error {
	backlog, truncated, err := h.replayBacklog(ctx, sessionID, afterSeq)
	if err != nil {
		return err
	}
	lastSeq := afterSeq
	for _, ev := range backlog {
		if err := sink.WriteEvent(ev); err != nil {
			return err
		}
		lastSeq = ev.Seq
	}
	if truncated {
		if err := sink.WriteEvent(truncatedEvent(sessionID, h.cfg.ReplayCap, h.now())); err != nil {
			return err
		}
	}

	sub, cancel := h.journal.Subscribe()
	defer cancel()

	lifetime := time.NewTimer(h.cfg.Lifetime)
	defer lifetime.Stop()
	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lifetime.C:
			return nil
		case <-keepalive.C:
			if err := sink.WriteComment("keepalive"); err != nil {
				return err
			}
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if ev.SessionID != sessionID || ev.Seq <= lastSeq {
				continue
			}
			if gap := ev.Seq - lastSeq - 1; gap > 0 {
				missed += int(gap)
				if missed > h.cfg.BackpressureLimit {
					return ErrBackpressureEvicted
				}
			}
			lastSeq = ev.Seq
			if len(ev.Payload) > h.cfg.MaxEventBytes {
				// Oversized event dropped, not counted against the
				// missed-event backpressure budget: it was seen, just
				// not forwarded.
				continue
			}
			if err := sink.WriteEvent(ev); err != nil {
				return err
			}
		}
	}
}
