package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ram677/ops-swarm/internal/db"
	"github.com/ram677/ops-swarm/internal/orchestrator"
)

// IncidentSummary is one row of the incident list: the columns a dashboard
// table needs, without the nested aggregate.
type IncidentSummary struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	Outcome    string     `json:"outcome,omitempty"`
	Severity   string     `json:"severity"`
	RetryCount int        `json:"retry_count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
}

func summarize(rec *db.IncidentRecord) IncidentSummary {
	return IncidentSummary{
		ID:         rec.ID,
		State:      rec.State,
		Outcome:    rec.Outcome,
		Severity:   rec.Severity,
		RetryCount: rec.RetryCount,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		ClosedAt:   rec.ClosedAt,
	}
}

// handleIncidents lists incidents, newest first. Supports ?state=, ?limit=
// and ?offset=.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	state := strings.ToUpper(q.Get("state"))

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = n
	}

	records, err := s.engine.List(r.Context(), state, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]IncidentSummary, 0, len(records))
	for _, rec := range records {
		items = append(items, summarize(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": items,
		"count":     len(items),
	})
}

// handleIncidentByID handles GET /{id} and DELETE /{id}.
func (s *Server) handleIncidentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/incidents/")
	id = strings.TrimSuffix(id, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "incident ID required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetIncident(w, r, id)
	case http.MethodDelete:
		s.handleDeleteIncident(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleGetIncident returns the full incident aggregate: signal, diagnosis,
// plan, verdict, approvals, tool results, and the transition history.
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request, id string) {
	inc, err := s.engine.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// handleDeleteIncident cancels an open incident (CANCELLED event, terminal
// state ABANDONED). A second DELETE on the now-closed incident purges its
// records. ?actor= and ?cause= annotate the cancellation.
func (s *Server) handleDeleteIncident(w http.ResponseWriter, r *http.Request, id string) {
	actor := r.URL.Query().Get("actor")
	cause := r.URL.Query().Get("cause")

	err := s.engine.Cancel(r.Context(), id, actor, cause)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "ABANDONED"})
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrClosed):
		s.purgeIncident(w, r, id)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) purgeIncident(w http.ResponseWriter, r *http.Request, id string) {
	err := s.engine.Delete(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
