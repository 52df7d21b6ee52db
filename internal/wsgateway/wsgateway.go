// Package wsgateway implements the WS Gateway (spec.md §4.12):
// upgrade on /api/ws, query-token auth, and the submit/abort/approve/
// ping message protocol. Framing is grounded on the teacher's
// session-hub/internal/hub/websocket.go; the submit path reuses the
// same kernel-factory and lifecycle-supervision shapes as
// internal/httpapi, but deliberately keeps its own session map rather
// than sharing httpapi's — per DESIGN.md's "don't share mutable maps
// across components" decision, carried over from the teacher's
// cyclic-event-graph note.
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oldeucryptoboi/agentkernel/internal/approval"
	"github.com/oldeucryptoboi/agentkernel/internal/authz"
	"github.com/oldeucryptoboi/agentkernel/internal/eventbus"
	"github.com/oldeucryptoboi/agentkernel/internal/journal"
	"github.com/oldeucryptoboi/agentkernel/internal/kernel"
	"github.com/oldeucryptoboi/agentkernel/internal/lifecycle"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

const (
	maxTaskTextLen        = 10000
	defaultMaxConcurrent  = 100
)

// backgroundCtx: a submitted session's execution outlives the
// WS connection that started it, same rationale as httpapi's
// backgroundCtx.
var backgroundCtx = context.Background()

// Config wires the collaborators the gateway needs. Most fields mirror
// httpapi.Config; the two packages are independently configured from
// the same underlying singletons (journal, event bus, auth, approvals)
// by cmd/agentkerneld.
type Config struct {
	Journal     *journal.Store
	EventBus    *eventbus.Hub
	Supervisor  *lifecycle.Supervisor
	Auth        *authz.Authenticator
	Approvals   *approval.Registry
	NewKernel   func() *kernel.Kernel

	ServerMaxLimits       types.Limits
	MaxConcurrentSessions int

	Logger *zap.Logger
}

func normalize(cfg Config) Config {
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = defaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

type wsSessionEntry struct {
	kernel *kernel.Kernel
	conn   *wsConn
}

// Gateway serves /api/ws.
type Gateway struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*wsSessionEntry
	conns    map[*wsConn]struct{}
}

// New returns a Gateway wired to cfg.
func New(cfg Config) *Gateway {
	return &Gateway{
		cfg:      normalize(cfg),
		sessions: make(map[string]*wsSessionEntry),
		conns:    make(map[*wsConn]struct{}),
	}
}

// SetApprovals wires the Approval Registry after construction, since
// the registry's own Broadcaster hook is built from this Gateway's
// pointer (Broadcaster) and so must come into existence first — see
// cmd/agentkerneld's wiring order.
func (g *Gateway) SetApprovals(r *approval.Registry) { g.cfg.Approvals = r }

// Broadcaster returns the approval.Broadcaster hook: fans
// approve.needed/approve.resolved out to every connected WS client,
// per spec.md §4.7's "Broadcast ... to all WS clients" — not just the
// connection that submitted the named session, since any operator
// connection may be the one watching for approvals.
func (g *Gateway) Broadcaster() approval.Broadcaster {
	return func(eventType, requestID, sessionID string, payload any) {
		frame := mustJSON(map[string]any{
			"type":       eventType,
			"request_id": requestID,
			"session_id": sessionID,
			"payload":    payload,
		})
		g.mu.Lock()
		conns := make([]*wsConn, 0, len(g.conns))
		for c := range g.conns {
			conns = append(conns, c)
		}
		g.mu.Unlock()
		for _, c := range conns {
			_ = c.WriteFrame(frame)
		}
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","message":"internal encoding error"}`)
	}
	return data
}

// Handler upgrades GET /api/ws. Auth happens before the hijack so a
// rejected request still gets a normal HTTP status.
func (g *Gateway) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrade(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.serve(r.Context(), conn)
	}
}

func (g *Gateway) authorized(r *http.Request) bool {
	if g.cfg.Auth == nil || g.cfg.Auth.Insecure() {
		return true
	}
	return g.cfg.Auth.Check(r.URL.Query().Get("token"))
}

type inbound struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	Mode      string                 `json:"mode,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
	Decision  types.ApprovalDecision `json:"decision,omitempty"`
}

func errFrame(message string) []byte {
	return mustJSON(map[string]string{"type": "error", "message": message})
}

// serve runs the read loop for one connection until it disconnects.
func (g *Gateway) serve(ctx context.Context, conn *wsConn) {
	g.mu.Lock()
	g.conns[conn] = struct{}{}
	g.mu.Unlock()

	defer conn.Close()
	defer g.detach(conn)

	for {
		raw, err := conn.ReadMessage()
		switch {
		case errors.Is(err, errOversizeFrame):
			_ = conn.WriteFrame(errFrame("message exceeds 64KiB limit"))
			continue
		case errors.Is(err, io.EOF):
			return
		case err != nil:
			g.cfg.Logger.Debug("wsgateway_read_error", zap.Error(err))
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = conn.WriteFrame(errFrame("invalid JSON"))
			continue
		}
		g.dispatch(ctx, conn, msg)
	}
}

// detach removes every session this connection owns, on disconnect.
// It does not abort the underlying kernel: execution continues
// server-side the same way a REST-created session survives its
// originating request.
func (g *Gateway) detach(conn *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.sessions {
		if e.conn == conn {
			delete(g.sessions, id)
		}
	}
	delete(g.conns, conn)
}

func (g *Gateway) dispatch(ctx context.Context, conn *wsConn, msg inbound) {
	switch msg.Type {
	case "submit":
		g.handleSubmit(ctx, conn, msg)
	case "abort":
		g.handleAbort(ctx, conn, msg)
	case "approve":
		g.handleApprove(conn, msg)
	case "ping":
		_ = conn.WriteFrame(mustJSON(map[string]string{"type": "pong"}))
	default:
		_ = conn.WriteFrame(errFrame("unknown message type: " + msg.Type))
	}
}

func (g *Gateway) handleSubmit(ctx context.Context, conn *wsConn, msg inbound) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || len(text) > maxTaskTextLen {
		_ = conn.WriteFrame(errFrame("text must be non-empty and at most 10000 characters"))
		return
	}
	mode := types.Mode(msg.Mode)
	if mode == "" {
		mode = types.ModeMock
	}
	if mode != types.ModeMock && mode != types.ModeDryRun && mode != types.ModeLive {
		_ = conn.WriteFrame(errFrame("invalid mode"))
		return
	}

	g.mu.Lock()
	if len(g.sessions) >= g.cfg.MaxConcurrentSessions {
		g.mu.Unlock()
		_ = conn.WriteFrame(errFrame("at maximum concurrent sessions"))
		return
	}
	g.mu.Unlock()

	if g.cfg.NewKernel == nil {
		_ = conn.WriteFrame(errFrame("sessions are not configured on this gateway"))
		return
	}
	k := g.cfg.NewKernel()
	limits := g.cfg.ServerMaxLimits
	task := types.Task{Text: text}
	sess, err := k.CreateSession(ctx, task, mode, limits, types.Policy{})
	if err != nil {
		_ = conn.WriteFrame(errFrame(err.Error()))
		return
	}

	entry := &wsSessionEntry{kernel: k, conn: conn}
	g.mu.Lock()
	g.sessions[sess.SessionID] = entry
	g.mu.Unlock()

	g.startSupervision(sess.SessionID, limits.MaxDurationMs, k)

	if g.cfg.EventBus != nil {
		go func() {
			sink := &wsSink{conn: conn}
			_ = g.cfg.EventBus.Stream(backgroundCtx, sess.SessionID, 0, sink)
		}()
	}
}

func (g *Gateway) startSupervision(sessionID string, maxDurationMs int64, k lifecycle.Runner) {
	if g.cfg.Supervisor == nil {
		go func() { _, _ = k.Run(backgroundCtx) }()
		return
	}
	go g.cfg.Supervisor.Supervise(backgroundCtx, sessionID, maxDurationMs, k, func() {
		g.mu.Lock()
		delete(g.sessions, sessionID)
		g.mu.Unlock()
	})
}

func (g *Gateway) handleAbort(ctx context.Context, conn *wsConn, msg inbound) {
	g.mu.Lock()
	entry, ok := g.sessions[msg.SessionID]
	g.mu.Unlock()
	if !ok {
		_ = conn.WriteFrame(errFrame("session not found"))
		return
	}
	if err := entry.kernel.Abort(ctx); err != nil {
		_ = conn.WriteFrame(errFrame("session not found"))
		return
	}
	sess, _ := entry.kernel.GetSession()
	_ = conn.WriteFrame(mustJSON(map[string]any{"type": "session.aborted", "session": sess}))
}

func (g *Gateway) handleApprove(conn *wsConn, msg inbound) {
	if !types.ValidDecisions[msg.Decision] {
		_ = conn.WriteFrame(errFrame("invalid decision"))
		return
	}
	if g.cfg.Approvals == nil {
		_ = conn.WriteFrame(errFrame("approval not found"))
		return
	}
	switch g.cfg.Approvals.Resolve(msg.RequestID, msg.Decision) {
	case approval.Resolved:
		_ = conn.WriteFrame(mustJSON(map[string]string{"type": "approve.ack", "request_id": msg.RequestID, "decision": string(msg.Decision)}))
	case approval.NotFound:
		_ = conn.WriteFrame(errFrame("approval not found"))
	case approval.Expired:
		_ = conn.WriteFrame(errFrame("approval expired"))
	}
}

// idleTimeout is not referenced: wsConn sets no read deadline, so the
// read loop may block without client traffic for as long as the
// connection stays open.
const idleTimeout = 30 * time.Minute
