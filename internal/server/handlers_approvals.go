package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ram677/ops-swarm/internal/approval"
	"github.com/ram677/ops-swarm/internal/incident"
	"github.com/ram677/ops-swarm/internal/orchestrator"
)

// handleApprovals lists every plan waiting on an operator decision.
func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	pending, err := s.engine.PendingApprovals(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": pending,
		"count":     len(pending),
	})
}

// handleApprovalDecision applies an operator decision to the incident's
// pending approval. URL pattern: /api/v1/approvals/{incident_id}.
func (s *Server) handleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/approvals/")
	id = strings.TrimSuffix(id, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "incident ID required")
		return
	}

	var sub approval.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(sub.Operator) == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}
	sub.Decision = incident.Decision(strings.ToUpper(string(sub.Decision)))
	switch sub.Decision {
	case incident.DecisionApprove, incident.DecisionReject, incident.DecisionModify:
	default:
		writeError(w, http.StatusBadRequest, "decision must be APPROVE, REJECT, or MODIFY")
		return
	}

	rec, err := s.engine.ResolveApproval(r.Context(), id, sub)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, orchestrator.ErrClosed), errors.Is(err, approval.ErrNoPending):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, approval.ErrInvalidSubmission):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"approval": rec})
}
