package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/ram677/ops-swarm/internal/db"
	"github.com/ram677/ops-swarm/internal/incident"
)

// toRecord flattens the aggregate for storage. Nested domain values ride
// as JSON blobs; child rows are regenerated from the aggregate on every
// save and the store keeps them append-only, so earlier plans and results
// survive even though the aggregate only carries the current ones.
func toRecord(inc *incident.Incident) *db.IncidentRecord {
	rec := &db.IncidentRecord{
		ID:                        inc.ID,
		State:                     string(inc.State),
		Outcome:                   string(inc.Outcome),
		Severity:                  string(inc.Signal.Severity),
		Signal:                    mustJSON(inc.Signal),
		RetryCount:                inc.RetryCount,
		ExecCursor:                inc.ExecCursor,
		RetryRequiresConfirmation: inc.RetryRequiresConfirmation,
		PriorAttempts:             "[]",
		CreatedAt:                 inc.CreatedAt,
		UpdatedAt:                 inc.UpdatedAt,
		ClosedAt:                  inc.ClosedAt,
	}
	if inc.Diagnosis != nil {
		rec.Diagnosis = mustJSON(inc.Diagnosis)
	}
	if inc.Verdict != nil {
		rec.Verdict = mustJSON(inc.Verdict)
	}
	if len(inc.PriorAttempts) > 0 {
		rec.PriorAttempts = mustJSON(inc.PriorAttempts)
	}
	if inc.Plan != nil {
		rec.CurrentPlanID = inc.Plan.ID
		rec.Plans = append(rec.Plans, planToRecord(inc.ID, inc.Plan))
	}
	for _, tr := range inc.History {
		rec.Transitions = append(rec.Transitions, db.TransitionRecord{
			IncidentID: inc.ID,
			Seq:        tr.Seq,
			From:       string(tr.From),
			To:         string(tr.To),
			Event:      string(tr.Event),
			Actor:      tr.Actor,
			Cause:      tr.Cause,
			At:         tr.At,
		})
	}
	for _, d := range inc.Approvals {
		drec := db.DecisionRecord{
			ID:         d.ID,
			IncidentID: inc.ID,
			PlanID:     d.PlanID,
			Operator:   d.Operator,
			Decision:   string(d.Decision),
			Note:       d.Note,
			DecidedAt:  d.DecidedAt,
		}
		if d.ModifiedPlan != nil {
			drec.ModifiedPlan = mustJSON(d.ModifiedPlan)
		}
		rec.Decisions = append(rec.Decisions, drec)
	}
	for i, res := range inc.ToolResults {
		rec.ToolResults = append(rec.ToolResults, db.ToolResultRecord{
			IncidentID:  inc.ID,
			Ordinal:     i + 1,
			PlanID:      res.PlanID,
			ActionIndex: res.ActionIndex,
			Tool:        res.Tool,
			Success:     res.Success,
			Output:      res.Output,
			Error:       res.Error,
			TimedOut:    res.TimedOut,
			Attempt:     res.Attempt,
			DurationMS:  res.DurationMS,
			StartedAt:   res.StartedAt,
		})
	}
	return rec
}

// fromRecord rebuilds the domain aggregate from a stored record.
func fromRecord(rec *db.IncidentRecord) (*incident.Incident, error) {
	inc := &incident.Incident{
		ID:                        rec.ID,
		State:                     incident.State(rec.State),
		Outcome:                   incident.Outcome(rec.Outcome),
		RetryCount:                rec.RetryCount,
		ExecCursor:                rec.ExecCursor,
		RetryRequiresConfirmation: rec.RetryRequiresConfirmation,
		CreatedAt:                 rec.CreatedAt,
		UpdatedAt:                 rec.UpdatedAt,
		ClosedAt:                  rec.ClosedAt,
	}
	if err := json.Unmarshal([]byte(rec.Signal), &inc.Signal); err != nil {
		return nil, fmt.Errorf("incident %s: decode signal: %w", rec.ID, err)
	}
	if present(rec.Diagnosis) {
		var d incident.Diagnosis
		if err := json.Unmarshal([]byte(rec.Diagnosis), &d); err != nil {
			return nil, fmt.Errorf("incident %s: decode diagnosis: %w", rec.ID, err)
		}
		inc.Diagnosis = &d
	}
	if present(rec.Verdict) {
		var v incident.PolicyVerdict
		if err := json.Unmarshal([]byte(rec.Verdict), &v); err != nil {
			return nil, fmt.Errorf("incident %s: decode verdict: %w", rec.ID, err)
		}
		inc.Verdict = &v
	}
	if present(rec.PriorAttempts) {
		if err := json.Unmarshal([]byte(rec.PriorAttempts), &inc.PriorAttempts); err != nil {
			return nil, fmt.Errorf("incident %s: decode prior attempts: %w", rec.ID, err)
		}
	}
	if rec.CurrentPlanID != "" {
		found := false
		for i := range rec.Plans {
			if rec.Plans[i].ID == rec.CurrentPlanID {
				p, err := planFromRecord(&rec.Plans[i])
				if err != nil {
					return nil, fmt.Errorf("incident %s: %w", rec.ID, err)
				}
				inc.Plan = p
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("incident %s: current plan %s missing from plan rows", rec.ID, rec.CurrentPlanID)
		}
	}
	for _, tr := range rec.Transitions {
		inc.History = append(inc.History, incident.Transition{
			Seq:   tr.Seq,
			From:  incident.State(tr.From),
			To:    incident.State(tr.To),
			Event: incident.EventType(tr.Event),
			Actor: tr.Actor,
			Cause: tr.Cause,
			At:    tr.At,
		})
	}
	for _, d := range rec.Decisions {
		ar := incident.ApprovalRecord{
			ID:         d.ID,
			IncidentID: d.IncidentID,
			PlanID:     d.PlanID,
			Operator:   d.Operator,
			Decision:   incident.Decision(d.Decision),
			Note:       d.Note,
			DecidedAt:  d.DecidedAt,
		}
		if present(d.ModifiedPlan) {
			var mp incident.Plan
			if err := json.Unmarshal([]byte(d.ModifiedPlan), &mp); err != nil {
				return nil, fmt.Errorf("incident %s: decode modified plan: %w", rec.ID, err)
			}
			ar.ModifiedPlan = &mp
		}
		inc.Approvals = append(inc.Approvals, ar)
	}
	for _, res := range rec.ToolResults {
		inc.ToolResults = append(inc.ToolResults, incident.ToolResult{
			IncidentID:  res.IncidentID,
			PlanID:      res.PlanID,
			ActionIndex: res.ActionIndex,
			Tool:        res.Tool,
			Success:     res.Success,
			Output:      res.Output,
			Error:       res.Error,
			TimedOut:    res.TimedOut,
			Attempt:     res.Attempt,
			DurationMS:  res.DurationMS,
			StartedAt:   res.StartedAt,
		})
	}
	return inc, nil
}

func planToRecord(incidentID string, p *incident.Plan) db.PlanRecord {
	return db.PlanRecord{
		ID:         p.ID,
		IncidentID: incidentID,
		Attempt:    p.Attempt,
		Actions:    mustJSON(p.Actions),
		CreatedAt:  p.CreatedAt,
	}
}

func planFromRecord(rec *db.PlanRecord) (*incident.Plan, error) {
	p := &incident.Plan{
		ID:         rec.ID,
		IncidentID: rec.IncidentID,
		Attempt:    rec.Attempt,
		CreatedAt:  rec.CreatedAt,
	}
	if err := json.Unmarshal([]byte(rec.Actions), &p.Actions); err != nil {
		return nil, fmt.Errorf("plan %s: decode actions: %w", rec.ID, err)
	}
	return p, nil
}

// cloneIncident copies the aggregate for handing outside the runner.
// History entries and decision records are immutable once appended, so
// their inner pointers may be shared.
func cloneIncident(in *incident.Incident) *incident.Incident {
	if in == nil {
		return nil
	}
	out := *in
	if in.Diagnosis != nil {
		d := *in.Diagnosis
		d.AffectedResources = append([]string(nil), in.Diagnosis.AffectedResources...)
		out.Diagnosis = &d
	}
	if in.Plan != nil {
		out.Plan = clonePlan(in.Plan)
	}
	if in.Verdict != nil {
		v := *in.Verdict
		out.Verdict = &v
	}
	out.Approvals = append([]incident.ApprovalRecord(nil), in.Approvals...)
	out.ToolResults = append([]incident.ToolResult(nil), in.ToolResults...)
	out.PriorAttempts = append([]string(nil), in.PriorAttempts...)
	out.History = append([]incident.Transition(nil), in.History...)
	if in.ClosedAt != nil {
		t := *in.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

func clonePlan(in *incident.Plan) *incident.Plan {
	out := *in
	out.Actions = append([]incident.Action(nil), in.Actions...)
	for i := range out.Actions {
		if out.Actions[i].Parameters == nil {
			continue
		}
		params := make(map[string]interface{}, len(out.Actions[i].Parameters))
		for k, v := range out.Actions[i].Parameters {
			params[k] = v
		}
		out.Actions[i].Parameters = params
	}
	return &out
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// present reports whether a stored JSON blob carries a value.
func present(blob string) bool {
	switch blob {
	case "", "{}", "null", "[]":
		return false
	}
	return true
}
