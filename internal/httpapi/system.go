package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/oldeucryptoboi/agentkernel/internal/authz"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// version is overridden at build time via -ldflags, following the
// teacher's var version = "dev" convention.
var version = "dev"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"journal":     "ok",
		"tools":       "ok",
		"sessions":    "ok",
		"planner":     "ok",
		"permissions": "ok",
		"runtime":     "ok",
		"plugins":     "not_configured",
		"scheduler":   "not_configured",
		"swarm":       "not_configured",
	}

	if s.cfg.Journal != nil {
		if _, err := s.cfg.Journal.ListSessionIDs(r.Context(), 1); err != nil {
			checks["journal"] = "error"
		}
	} else {
		checks["journal"] = "error"
	}
	if s.cfg.ToolRegistry == nil {
		checks["tools"] = "error"
	}
	if s.cfg.NewKernel == nil {
		checks["planner"] = "error"
	}

	status := "healthy"
	for _, v := range checks {
		if v == "error" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   version,
		"timestamp": nowRFC3339(),
		"checks":    checks,
	})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ToolRegistry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"tools": map[string]types.ToolSchema{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.cfg.ToolRegistry.List()})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == nil {
		writeError(w, http.StatusForbidden, "key rotation forbidden in insecure mode")
		return
	}
	result, err := s.cfg.Auth.Rotate()
	if err != nil {
		if _, insecure := err.(authz.ErrInsecureMode); insecure {
			writeError(w, http.StatusForbidden, "key rotation forbidden in insecure mode")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to rotate key")
		return
	}
	s.journalSystemEvent(r.Context(), types.EventAuthKeyRotated, types.AuthKeyRotatedPayload{RotatedAt: result.RotatedAt})
	writeJSON(w, http.StatusOK, map[string]any{"new_key": result.NewKey, "rotated_at": result.RotatedAt})
}

type compactRequest struct {
	RetainSessions []string `json:"retain_sessions,omitempty"`
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	var body compactRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	retain := body.RetainSessions
	s.mu.RLock()
	for id := range s.sessions {
		retain = append(retain, id)
	}
	s.mu.RUnlock()

	deleted, err := s.cfg.Journal.Compact(r.Context(), retain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compact journal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
