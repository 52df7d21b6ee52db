package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/oldeucryptoboi/agentkernel/internal/lifecycle"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// backgroundCtx is used for session execution, which outlives the HTTP
// request that admitted it. Cooperative cancellation goes through
// Kernel.Abort (the abort endpoint), not through context cancellation;
// cmd/agentkerneld's shutdown sequence does not abort sessions.
var backgroundCtx = context.Background()

const (
	maxTaskTextLen    = 10000
	maxSubmittedByLen = 200
)

type createSessionRequest struct {
	Text        string            `json:"text"`
	Constraints map[string]string `json:"constraints,omitempty"`
	SubmittedBy string            `json:"submitted_by,omitempty"`
	Mode        string            `json:"mode,omitempty"`
	Limits      *types.Limits     `json:"limits,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	text := strings.TrimSpace(body.Text)
	if text == "" || len(text) > maxTaskTextLen {
		writeError(w, http.StatusBadRequest, "text must be non-empty and at most 10000 characters")
		return
	}
	if len(body.SubmittedBy) > maxSubmittedByLen {
		writeError(w, http.StatusBadRequest, "submitted_by must be at most 200 characters")
		return
	}

	mode := types.Mode(body.Mode)
	if mode == "" {
		mode = types.ModeMock
	}
	if mode != types.ModeMock && mode != types.ModeDryRun && mode != types.ModeLive {
		writeError(w, http.StatusBadRequest, "invalid mode")
		return
	}

	limits := types.Limits{}
	if body.Limits != nil {
		limits = *body.Limits
	}
	limits = limits.Clamp(s.cfg.ServerMaxLimits)

	s.mu.Lock()
	if len(s.sessions) >= s.cfg.MaxConcurrentSessions {
		s.mu.Unlock()
		writeError(w, http.StatusTooManyRequests, "at maximum concurrent sessions")
		return
	}
	s.mu.Unlock()

	k := s.cfg.NewKernel()
	task := types.Task{Text: text, Constraints: body.Constraints, SubmittedBy: body.SubmittedBy}
	sess, err := k.CreateSession(r.Context(), task, mode, limits, types.Policy{})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := &sessionEntry{kernel: k}
	s.mu.Lock()
	s.sessions[sess.SessionID] = entry
	s.mu.Unlock()

	s.startSupervision(sess.SessionID, limits.MaxDurationMs, k)

	writeJSON(w, http.StatusOK, sess)
}

// startSupervision launches the lifecycle supervisor in the
// background; the HTTP response returns immediately after admission.
func (s *Server) startSupervision(sessionID string, maxDurationMs int64, k lifecycle.Runner) {
	if s.cfg.Supervisor == nil {
		go func() { _, _ = k.Run(backgroundCtx) }()
		return
	}
	go s.cfg.Supervisor.Supervise(backgroundCtx, sessionID, maxDurationMs, k, func() {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.mu.RLock()
	active := make(map[string]*sessionEntry, len(s.sessions))
	for id, e := range s.sessions {
		active[id] = e
	}
	s.mu.RUnlock()

	out := make([]any, 0, len(active))
	seen := make(map[string]bool, len(active))
	for id, e := range active {
		sess, err := e.kernel.GetSession()
		if err != nil {
			continue
		}
		out = append(out, sess)
		seen[id] = true
	}

	if s.cfg.Journal != nil {
		ids, err := s.cfg.Journal.ListSessionIDs(ctx, 100)
		if err == nil {
			for _, id := range ids {
				if seen[id] {
					continue
				}
				if summary, ok := s.summarizeFromJournal(ctx, id); ok {
					out = append(out, summary)
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// summarizeFromJournal rebuilds a minimal session summary for a
// session no longer held by any in-memory kernel, by folding its
// session.created/terminal events — used only for listing, not for
// resuming execution (that's ResumeSession's job, invoked from
// /recover).
func (s *Server) summarizeFromJournal(ctx context.Context, sessionID string) (map[string]any, bool) {
	events, err := s.cfg.Journal.ReadSession(ctx, sessionID, 0, 1<<20)
	if err != nil || len(events) == 0 {
		return nil, false
	}
	summary := map[string]any{"session_id": sessionID, "status": "unknown"}
	for _, ev := range events {
		switch ev.Type {
		case types.EventSessionCreated:
			var p types.SessionCreatedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				summary["task"] = p.Task
				summary["mode"] = p.Mode
				summary["limits"] = p.Limits
				summary["created_at"] = ev.Timestamp
				summary["status"] = "created"
			}
		case types.EventSessionStarted:
			summary["status"] = "running"
			summary["started_at"] = ev.Timestamp
		case types.EventSessionCompleted:
			summary["status"] = "completed"
			summary["ended_at"] = ev.Timestamp
		case types.EventSessionFailed:
			summary["status"] = "failed"
			summary["ended_at"] = ev.Timestamp
		case types.EventSessionAborted:
			summary["status"] = "aborted"
			summary["ended_at"] = ev.Timestamp
		}
	}
	return summary, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := entry.kernel.GetSession()
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	s.mu.RLock()
	entry, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := entry.kernel.Abort(r.Context()); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, _ := entry.kernel.GetSession()
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	offset := parseIntParam(r, "offset", 0)
	limit := parseIntParam(r, "limit", s.cfg.MaxJournalPage)
	if limit > s.cfg.MaxJournalPage || limit <= 0 {
		limit = s.cfg.MaxJournalPage
	}

	events, err := s.cfg.Journal.ReadSession(r.Context(), id, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	total, err := s.cfg.Journal.CountSession(r.Context(), id)
	if err != nil {
		total = int64(len(events))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events, "total": total, "offset": offset, "limit": limit,
	})
}

func parseIntParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if s.cfg.EventBus == nil {
		writeError(w, http.StatusInternalServerError, "event streaming not configured")
		return
	}

	counter := s.sseCounter(id)
	if int(counter.Add(1)) > s.cfg.MaxSSEClientsPerSession {
		counter.Add(-1)
		writeError(w, http.StatusTooManyRequests, "too many SSE clients for this session")
		return
	}
	defer counter.Add(-1)

	afterSeq := parseAfterSeq(r)
	_ = s.cfg.EventBus.ServeSSE(w, r, id, afterSeq)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	events, err := s.cfg.Journal.ReadSession(r.Context(), id, 0, s.cfg.MaxReplayEvents+1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	truncated := len(events) > s.cfg.MaxReplayEvents
	if truncated {
		events = events[:s.cfg.MaxReplayEvents]
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "truncated": truncated})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !isValidUUID(id) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	s.mu.Lock()
	if _, active := s.sessions[id]; active {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "session already active")
		return
	}
	if len(s.sessions) >= s.cfg.MaxConcurrentSessions {
		s.mu.Unlock()
		writeError(w, http.StatusTooManyRequests, "at maximum concurrent sessions")
		return
	}
	s.mu.Unlock()

	k := s.cfg.NewKernel()
	ok, err := k.ResumeSession(r.Context(), id)
	if err != nil || !ok {
		writeError(w, http.StatusNotFound, "session not recoverable")
		return
	}

	entry := &sessionEntry{kernel: k}
	s.mu.Lock()
	s.sessions[id] = entry
	s.mu.Unlock()

	sess, _ := k.GetSession()
	s.startSupervision(id, sess.Limits.MaxDurationMs, k)
	writeJSON(w, http.StatusOK, sess)
}

// sseCounter returns the per-session SSE-client counter, creating it on
// first use. Independent of the active-kernel map so streaming still
// works against historical (already-terminal, evicted) sessions.
func (s *Server) sseCounter(sessionID string) *sseClientCounter {
	s.sseMu.Lock()
	defer s.sseMu.Unlock()
	if s.sseCounts == nil {
		s.sseCounts = make(map[string]*sseClientCounter)
	}
	c, ok := s.sseCounts[sessionID]
	if !ok {
		c = &sseClientCounter{}
		s.sseCounts[sessionID] = c
	}
	return c
}

// sseClientCounter wraps an atomic.Int32 for the per-session SSE cap.
type sseClientCounter struct {
	n atomic.Int32
}

func (c *sseClientCounter) Add(delta int32) int32 { return c.n.Add(delta) }
