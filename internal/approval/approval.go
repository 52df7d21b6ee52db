// Package approval implements the Approval Registry: a request_id ->
// resolver rendezvous map shared between the REST and WS approval
// paths, grounded on the teacher's jobs.Store SetGate/ResolveGate
// pair plus the cyclic-event-graph break documented in DESIGN.md
// (broadcast is a caller-supplied hook, not a direct WS dependency).
package approval

import (
	"strings"
	"sync"
	"time"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// MaxPendingApprovals caps the registry size per the spec.
const MaxPendingApprovals = 10000

// DefaultTimeout is the auto-deny delay when none is configured.
const DefaultTimeout = 300 * time.Second

// Request is the serialized payload a resolver is asked to approve.
type Request struct {
	SessionID string
	Payload   any
}

// Resolver is invoked with the caller's decision once resolved, either
// by REST/WS action or by the auto-deny timer (DecisionDeny).
type Resolver func(decision types.ApprovalDecision)

// Broadcaster is called on every state change so the caller can fan
// it out over WS; it is a function, not a direct dependency on any
// transport package.
type Broadcaster func(eventType string, requestID string, sessionID string, payload any)

type entry struct {
	request   Request
	resolve   Resolver
	createdAt time.Time
	timer     *time.Timer
}

// Registry is the approval rendezvous map.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	timeout   time.Duration
	broadcast Broadcaster
	now       func() time.Time
}

// New returns a Registry with the given auto-deny timeout and
// broadcast hook.
func New(timeout time.Duration, broadcast Broadcaster) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if broadcast == nil {
		broadcast = func(string, string, string, any) {}
	}
	return &Registry{
		entries:   make(map[string]*entry),
		timeout:   timeout,
		broadcast: broadcast,
		now:       time.Now,
	}
}

func containsControlChar(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// Register records a new pending approval. A request_id containing
// control characters, or a registry already at MaxPendingApprovals,
// is resolved deny synchronously instead of being stored.
func (r *Registry) Register(requestID string, req Request, resolve Resolver) {
	if containsControlChar(requestID) || strings.TrimSpace(requestID) == "" {
		resolve(types.DecisionDeny)
		return
	}

	r.mu.Lock()
	if len(r.entries) >= MaxPendingApprovals {
		r.mu.Unlock()
		resolve(types.DecisionDeny)
		return
	}

	e := &entry{request: req, resolve: resolve, createdAt: r.now()}
	e.timer = time.AfterFunc(r.timeout, func() { r.autoDeny(requestID) })
	r.entries[requestID] = e
	r.mu.Unlock()

	r.broadcast("approve.needed", requestID, req.SessionID, req.Payload)
}

func (r *Registry) autoDeny(requestID string) {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	if ok {
		delete(r.entries, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	e.resolve(types.DecisionDeny)
	r.broadcast("approve.resolved", requestID, e.request.SessionID, map[string]any{"decision": types.DecisionDeny, "auto_denied": true})
}

// ResolveResult reports the outcome of a Resolve call.
type ResolveResult int

const (
	Resolved ResolveResult = iota
	NotFound
	Expired
)

// Resolve looks up requestID and — atomically removing the entry
// before invoking its resolver, so a race between REST and WS can
// never double-resolve — applies decision. An entry older than
// 2x the configured timeout is treated as Expired: it is removed and
// its auto-deny timer stopped, and its resolver is not invoked.
func (r *Registry) Resolve(requestID string, decision types.ApprovalDecision) ResolveResult {
	r.mu.Lock()
	e, ok := r.entries[requestID]
	if !ok {
		r.mu.Unlock()
		return NotFound
	}
	if r.now().Sub(e.createdAt) > 2*r.timeout {
		delete(r.entries, requestID)
		r.mu.Unlock()
		e.timer.Stop()
		return Expired
	}
	delete(r.entries, requestID)
	r.mu.Unlock()

	e.timer.Stop()
	e.resolve(decision)
	r.broadcast("approve.resolved", requestID, e.request.SessionID, map[string]any{"decision": decision})
	return Resolved
}

// PendingEntry describes one still-unresolved approval, for listing.
type PendingEntry struct {
	RequestID string
	SessionID string
	Payload   any
	CreatedAt time.Time
}

// List returns all currently pending approvals.
func (r *Registry) List() []PendingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingEntry, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, PendingEntry{RequestID: id, SessionID: e.request.SessionID, Payload: e.request.Payload, CreatedAt: e.createdAt})
	}
	return out
}

// Len reports the number of pending approvals, for cap checks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
