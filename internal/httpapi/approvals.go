package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/oldeucryptoboi/agentkernel/internal/approval"
	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Approvals == nil {
		writeJSON(w, http.StatusOK, map[string]any{"approvals": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.cfg.Approvals.List()})
}

type resolveApprovalRequest struct {
	Decision types.ApprovalDecision `json:"decision"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !types.ValidDecisions[body.Decision] {
		writeError(w, http.StatusBadRequest, "invalid decision")
		return
	}
	if s.cfg.Approvals == nil {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	switch s.cfg.Approvals.Resolve(id, body.Decision) {
	case approval.Resolved:
		writeJSON(w, http.StatusOK, map[string]string{"request_id": id, "decision": string(body.Decision)})
	case approval.NotFound:
		writeError(w, http.StatusNotFound, "approval not found")
	case approval.Expired:
		writeError(w, http.StatusGone, "approval expired")
	}
}
