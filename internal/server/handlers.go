package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ram677/ops-swarm/internal/incident"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports liveness. The store is pinged so a wedged database
// shows up as degraded instead of a green check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "degraded",
			"error":     err.Error(),
			"timestamp": time.Now().UTC(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// SignalRequest is the ingestion payload: the raw alert text plus source
// metadata.
type SignalRequest struct {
	Text   string `json:"text"`
	Source struct {
		Host      string    `json:"host"`
		Severity  string    `json:"severity"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"source"`
}

// SignalResponse identifies the incident opened for a signal.
type SignalResponse struct {
	IncidentID string            `json:"incident_id"`
	State      incident.State    `json:"state"`
	Severity   incident.Severity `json:"severity"`
}

// handleSignals opens an incident for a monitoring signal.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	sig := incident.Signal{
		Text:       req.Text,
		Host:       req.Source.Host,
		Severity:   incident.ParseSeverity(strings.ToUpper(req.Source.Severity)),
		ReceivedAt: req.Source.Timestamp,
	}

	inc, err := s.engine.Ingest(r.Context(), sig)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, SignalResponse{
		IncidentID: inc.ID,
		State:      inc.State,
		Severity:   inc.Signal.Severity,
	})
}
