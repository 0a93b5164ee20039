package server

import (
	"net/http"
)

// handleTools returns the registered tool catalog: schemas plus the
// idempotency and destructiveness flags the dashboard surfaces next to
// each plan action.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	specs := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": specs,
		"count": len(specs),
	})
}

// handlePolicyRules describes the active rule snapshot.
func (s *Server) handlePolicyRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.policyGate.Rules())
}

// handlePolicyReload re-reads the rules file on demand. A failed reload
// keeps the previous snapshot serving, so the error is reported without
// any policy interruption.
func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.policyGate.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reload failed, previous rules still active: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.policyGate.Rules())
}
