// Package circuitbreaker implements the per-tool closed/open/half_open
// state machine the tool runtime consults before dispatch, grounded
// on the teacher's mesh.MeshRateLimiter cooldown-window shape
// (internal/mesh/ratelimit.go) but adapted from a rate limiter into a
// failure-counting breaker.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// CategoryDefault bundles the failure threshold and cooldown duration
// for one tool category.
type CategoryDefault struct {
	Threshold int
	Cooldown  time.Duration
}

// Defaults are the category-specific thresholds/cooldowns named in
// the spec: llm 3/60s, shell 3/15s, http 3/30s, with "other" as a
// conservative fallback.
var Defaults = map[types.ToolCategory]CategoryDefault{
	types.CategoryLLM:   {Threshold: 3, Cooldown: 60 * time.Second},
	types.CategoryShell: {Threshold: 3, Cooldown: 15 * time.Second},
	types.CategoryHTTP:  {Threshold: 3, Cooldown: 30 * time.Second},
	types.CategoryOther: {Threshold: 3, Cooldown: 30 * time.Second},
}

type breakerEntry struct {
	state       State
	failures    int
	trippedAt   time.Time
	cfg         CategoryDefault
	halfOpenUse bool
}

// Breaker is a registry of per-tool breaker state.
type Breaker struct {
	mu      sync.Mutex
	tools   map[string]*breakerEntry
	now     func() time.Time
}

// New returns an empty Breaker.
func New() *Breaker {
	return &Breaker{tools: make(map[string]*breakerEntry), now: time.Now}
}

func (b *Breaker) entry(tool string, category types.ToolCategory) *breakerEntry {
	e, ok := b.tools[tool]
	if !ok {
		cfg, ok := Defaults[category]
		if !ok {
			cfg = Defaults[types.CategoryOther]
		}
		e = &breakerEntry{state: Closed, cfg: cfg}
		b.tools[tool] = e
	}
	return e
}

// IsOpen reports whether calls to tool are currently blocked. If the
// breaker is open and the cooldown has elapsed, it transitions to
// half_open and allows exactly one probe call through (signaled by
// returning false once, with halfOpenUse consumed).
func (b *Breaker) IsOpen(tool string, category types.ToolCategory) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(tool, category)

	switch e.state {
	case Closed:
		return false
	case HalfOpen:
		if e.halfOpenUse {
			// A probe is already in flight; block further calls
			// until it resolves via RecordSuccess/RecordFailure.
			return true
		}
		e.halfOpenUse = true
		return false
	case Open:
		if b.now().Sub(e.trippedAt) >= e.cfg.Cooldown {
			e.state = HalfOpen
			e.halfOpenUse = true
			return false
		}
		return true
	}
	return false
}

// RecordFailure increments the failure count for tool. A non-retriable
// failure trips the breaker immediately regardless of threshold.
func (b *Breaker) RecordFailure(tool string, category types.ToolCategory, retriable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(tool, category)

	if e.state == HalfOpen {
		e.state = Open
		e.trippedAt = b.now()
		e.halfOpenUse = false
		e.failures = e.cfg.Threshold
		return
	}

	e.failures++
	if !retriable || e.failures >= e.cfg.Threshold {
		e.state = Open
		e.trippedAt = b.now()
	}
}

// RecordSuccess clears failure state for tool. A successful half_open
// probe closes the breaker.
func (b *Breaker) RecordSuccess(tool string, category types.ToolCategory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entry(tool, category)
	e.state = Closed
	e.failures = 0
	e.halfOpenUse = false
}

// CurrentState returns tool's current state, for diagnostics.
func (b *Breaker) CurrentState(tool string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.tools[tool]; ok {
		return e.state
	}
	return Closed
}
