package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testIncident(id string) *IncidentRecord {
	now := time.Now().UTC().Round(time.Second)
	return &IncidentRecord{
		ID:            id,
		State:         "DIAGNOSING",
		Severity:      "CRITICAL",
		Signal:        `{"summary":"db shard 04 connection refused","source":"payment-gateway-7f9"}`,
		Diagnosis:     "{}",
		Verdict:       "{}",
		PriorAttempts: "[]",
		CreatedAt:     now,
		UpdatedAt:     now,
		Transitions: []TransitionRecord{
			{IncidentID: id, Seq: 1, From: "NEW", To: "DIAGNOSING", Event: "SIGNAL_RECEIVED", Actor: "ingest", At: now},
		},
	}
}

// ─── Incidents ───────────────────────────────────────────────────────────────

func TestIncidentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testIncident("INC-20260825-aaaa0001")

	// Create
	if err := s.SaveIncident(ctx, rec); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}

	// Retrieve
	got, err := s.GetIncident(ctx, "INC-20260825-aaaa0001")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if got.State != "DIAGNOSING" {
		t.Errorf("expected state DIAGNOSING, got %s", got.State)
	}
	if got.Severity != "CRITICAL" {
		t.Errorf("expected severity CRITICAL, got %s", got.Severity)
	}
	if got.Signal != rec.Signal {
		t.Errorf("expected signal %q, got %q", rec.Signal, got.Signal)
	}
	if got.ClosedAt != nil {
		t.Errorf("expected nil ClosedAt for open incident, got %v", got.ClosedAt)
	}
	if len(got.Transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(got.Transitions))
	}
	if got.Transitions[0].Event != "SIGNAL_RECEIVED" {
		t.Errorf("expected SIGNAL_RECEIVED, got %s", got.Transitions[0].Event)
	}

	// Update (upsert)
	closed := time.Now().UTC().Round(time.Second)
	rec.State = "RESOLVED"
	rec.Outcome = "RESOLVED"
	rec.RetryCount = 1
	rec.ClosedAt = &closed
	rec.UpdatedAt = closed
	if err := s.SaveIncident(ctx, rec); err != nil {
		t.Fatalf("SaveIncident update: %v", err)
	}

	got, err = s.GetIncident(ctx, "INC-20260825-aaaa0001")
	if err != nil {
		t.Fatalf("GetIncident after update: %v", err)
	}
	if got.State != "RESOLVED" {
		t.Errorf("expected state RESOLVED, got %s", got.State)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}
	if got.ClosedAt == nil {
		t.Fatal("expected ClosedAt to be set")
	}
	if !got.ClosedAt.Equal(closed) {
		t.Errorf("expected ClosedAt %v, got %v", closed, *got.ClosedAt)
	}
}

func TestIncidentChildrenRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Second)
	rec := testIncident("INC-20260825-aaaa0002")
	rec.State = "VERIFYING"
	rec.CurrentPlanID = "plan-11111111"
	rec.ExecCursor = 2
	rec.Transitions = append(rec.Transitions,
		TransitionRecord{IncidentID: rec.ID, Seq: 2, From: "DIAGNOSING", To: "PLANNING", Event: "DIAGNOSIS_READY", Actor: "reasoning", At: now.Add(time.Second)},
		TransitionRecord{IncidentID: rec.ID, Seq: 3, From: "PLANNING", To: "POLICY_CHECK", Event: "PLAN_READY", Actor: "reasoning", At: now.Add(2 * time.Second)},
	)
	rec.Plans = []PlanRecord{
		{ID: "plan-11111111", IncidentID: rec.ID, Attempt: 1, Actions: `[{"tool":"restart_resource"}]`, CreatedAt: now},
	}
	rec.Decisions = []DecisionRecord{
		{ID: "apr-1", IncidentID: rec.ID, PlanID: "plan-11111111", Operator: "op-jane", Decision: "APPROVE", Note: "looks safe", DecidedAt: now.Add(3 * time.Second)},
	}
	rec.ToolResults = []ToolResultRecord{
		{IncidentID: rec.ID, Ordinal: 1, PlanID: "plan-11111111", ActionIndex: 0, Tool: "restart_resource", Success: true, Output: "restarted", Attempt: 1, DurationMS: 420, StartedAt: now.Add(4 * time.Second)},
		{IncidentID: rec.ID, Ordinal: 2, PlanID: "plan-11111111", ActionIndex: 1, Tool: "fetch_service_logs", Success: false, Error: "exit status 1", Attempt: 2, DurationMS: 1200, StartedAt: now.Add(5 * time.Second)},
	}

	if err := s.SaveIncident(ctx, rec); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}

	got, err := s.GetIncident(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if len(got.Transitions) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(got.Transitions))
	}
	for i, tr := range got.Transitions {
		if tr.Seq != i+1 {
			t.Errorf("transition %d: expected seq %d, got %d", i, i+1, tr.Seq)
		}
	}
	if len(got.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(got.Plans))
	}
	if got.Plans[0].Actions != `[{"tool":"restart_resource"}]` {
		t.Errorf("plan actions mismatch: %q", got.Plans[0].Actions)
	}
	if len(got.Decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(got.Decisions))
	}
	if got.Decisions[0].Operator != "op-jane" {
		t.Errorf("expected operator op-jane, got %s", got.Decisions[0].Operator)
	}
	if len(got.ToolResults) != 2 {
		t.Fatalf("expected 2 tool results, got %d", len(got.ToolResults))
	}
	if got.ToolResults[0].Ordinal != 1 || got.ToolResults[1].Ordinal != 2 {
		t.Errorf("tool results out of order: %d, %d", got.ToolResults[0].Ordinal, got.ToolResults[1].Ordinal)
	}
	if !got.ToolResults[0].Success {
		t.Error("first tool result should be a success")
	}
	if got.ToolResults[1].Error != "exit status 1" {
		t.Errorf("expected error on second result, got %q", got.ToolResults[1].Error)
	}
}

func TestTransitionHistoryIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testIncident("INC-20260825-aaaa0003")
	if err := s.SaveIncident(ctx, rec); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}

	// Re-save with the first transition rewritten and a second one appended.
	// The rewrite must be ignored; only the append lands.
	now := time.Now().UTC().Round(time.Second)
	rec.Transitions[0].To = "EXECUTING"
	rec.Transitions = append(rec.Transitions, TransitionRecord{
		IncidentID: rec.ID, Seq: 2, From: "DIAGNOSING", To: "PLANNING",
		Event: "DIAGNOSIS_READY", Actor: "reasoning", At: now,
	})
	if err := s.SaveIncident(ctx, rec); err != nil {
		t.Fatalf("SaveIncident re-save: %v", err)
	}

	got, err := s.GetIncident(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if len(got.Transitions) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(got.Transitions))
	}
	if got.Transitions[0].To != "DIAGNOSING" {
		t.Errorf("seq 1 was rewritten: expected to_state DIAGNOSING, got %s", got.Transitions[0].To)
	}
	if got.Transitions[1].To != "PLANNING" {
		t.Errorf("expected appended seq 2 to PLANNING, got %s", got.Transitions[1].To)
	}
}

func TestListIncidentsByState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	states := []string{"DIAGNOSING", "DIAGNOSING", "EXECUTING", "RESOLVED", "BLOCKED"}
	for i, st := range states {
		rec := testIncident(fmt.Sprintf("INC-20260825-list000%d", i))
		rec.State = st
		rec.Transitions = nil
		rec.CreatedAt = rec.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := s.SaveIncident(ctx, rec); err != nil {
			t.Fatalf("SaveIncident %d: %v", i, err)
		}
	}

	all, err := s.ListIncidents(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListIncidents: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected 5 incidents, got %d", len(all))
	}

	diagnosing, err := s.ListIncidents(ctx, "DIAGNOSING", 10, 0)
	if err != nil {
		t.Fatalf("ListIncidents DIAGNOSING: %v", err)
	}
	if len(diagnosing) != 2 {
		t.Errorf("expected 2 DIAGNOSING incidents, got %d", len(diagnosing))
	}

	limited, err := s.ListIncidents(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("ListIncidents limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 incidents with limit, got %d", len(limited))
	}
	// Newest first
	if limited[0].CreatedAt.Before(limited[1].CreatedAt) {
		t.Error("expected newest-first ordering")
	}
}

func TestListOpenIncidentsForResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := testIncident("INC-20260825-open0001")
	open.State = "AWAITING_APPROVAL"
	if err := s.SaveIncident(ctx, open); err != nil {
		t.Fatalf("SaveIncident open: %v", err)
	}

	for i, st := range []string{"RESOLVED", "BLOCKED", "ABANDONED"} {
		rec := testIncident(fmt.Sprintf("INC-20260825-term000%d", i))
		rec.State = st
		rec.Outcome = st
		rec.Transitions = nil
		if err := s.SaveIncident(ctx, rec); err != nil {
			t.Fatalf("SaveIncident terminal %s: %v", st, err)
		}
	}

	got, err := s.ListOpenIncidents(ctx)
	if err != nil {
		t.Fatalf("ListOpenIncidents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 open incident, got %d", len(got))
	}
	if got[0].ID != "INC-20260825-open0001" {
		t.Errorf("expected open incident, got %s", got[0].ID)
	}
	// Resume needs the full aggregate, not a shallow row
	if len(got[0].Transitions) != 1 {
		t.Errorf("expected transitions loaded for resume, got %d", len(got[0].Transitions))
	}
}

func TestDeleteIncidentRemovesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testIncident("INC-20260825-del00001")
	rec.Plans = []PlanRecord{
		{ID: "plan-del00001", IncidentID: rec.ID, Attempt: 1, Actions: "[]", CreatedAt: rec.CreatedAt},
	}
	if err := s.SaveIncident(ctx, rec); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}
	if err := s.AppendPolicyVerdict(ctx, &PolicyVerdictRecord{
		IncidentID: rec.ID, PlanID: "plan-del00001", Verdict: "ALLOW",
		Rationale: "no rule matched", RulesVersion: "v1", EvaluatedAt: rec.CreatedAt,
	}); err != nil {
		t.Fatalf("AppendPolicyVerdict: %v", err)
	}
	if err := s.SavePendingApproval(ctx, &PendingApprovalRecord{
		ID: "pa-del", IncidentID: rec.ID, PlanID: "plan-del00001",
		RequestedAt: rec.CreatedAt, ExpiresAt: rec.CreatedAt.Add(15 * time.Minute),
	}); err != nil {
		t.Fatalf("SavePendingApproval: %v", err)
	}

	if err := s.DeleteIncident(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteIncident: %v", err)
	}

	if _, err := s.GetIncident(ctx, rec.ID); err == nil {
		t.Error("expected error for deleted incident, got nil")
	}
	verdicts, err := s.ListPolicyVerdicts(ctx, rec.ID)
	if err != nil {
		t.Fatalf("ListPolicyVerdicts after delete: %v", err)
	}
	if len(verdicts) != 0 {
		t.Errorf("expected 0 verdicts after delete, got %d", len(verdicts))
	}
	pending, err := s.GetPendingApproval(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetPendingApproval after delete: %v", err)
	}
	if pending != nil {
		t.Error("expected no pending approval after delete")
	}
}

// ─── Pending approvals ───────────────────────────────────────────────────────

func TestPendingApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Second)

	// Nothing pending yet
	got, err := s.GetPendingApproval(ctx, "INC-20260825-appr0001")
	if err != nil {
		t.Fatalf("GetPendingApproval empty: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for missing pending approval")
	}

	rec := &PendingApprovalRecord{
		ID:          "pa-0001",
		IncidentID:  "INC-20260825-appr0001",
		PlanID:      "plan-appr0001",
		Reason:      "policy escalation: similar to guarded action",
		RequestedAt: now,
		ExpiresAt:   now.Add(15 * time.Minute),
	}
	if err := s.SavePendingApproval(ctx, rec); err != nil {
		t.Fatalf("SavePendingApproval: %v", err)
	}

	got, err = s.GetPendingApproval(ctx, "INC-20260825-appr0001")
	if err != nil {
		t.Fatalf("GetPendingApproval: %v", err)
	}
	if got == nil {
		t.Fatal("expected pending approval")
	}
	if got.PlanID != "plan-appr0001" {
		t.Errorf("expected plan-appr0001, got %s", got.PlanID)
	}
	if !got.ExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Errorf("expires_at mismatch: %v", got.ExpiresAt)
	}

	// A replan replaces the pending entry for the same incident
	rec2 := &PendingApprovalRecord{
		ID:                 "pa-0002",
		IncidentID:         "INC-20260825-appr0001",
		PlanID:             "plan-appr0002",
		EscalationRequired: true,
		RequestedAt:        now.Add(time.Minute),
		ExpiresAt:          now.Add(16 * time.Minute),
	}
	if err := s.SavePendingApproval(ctx, rec2); err != nil {
		t.Fatalf("SavePendingApproval replace: %v", err)
	}
	got, err = s.GetPendingApproval(ctx, "INC-20260825-appr0001")
	if err != nil {
		t.Fatalf("GetPendingApproval after replace: %v", err)
	}
	if got.ID != "pa-0002" || got.PlanID != "plan-appr0002" {
		t.Errorf("expected replaced entry, got %s / %s", got.ID, got.PlanID)
	}
	if !got.EscalationRequired {
		t.Error("expected escalation_required to be set")
	}

	all, err := s.ListPendingApprovals(ctx)
	if err != nil {
		t.Fatalf("ListPendingApprovals: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 pending approval, got %d", len(all))
	}

	if err := s.DeletePendingApproval(ctx, "INC-20260825-appr0001"); err != nil {
		t.Fatalf("DeletePendingApproval: %v", err)
	}
	got, err = s.GetPendingApproval(ctx, "INC-20260825-appr0001")
	if err != nil {
		t.Fatalf("GetPendingApproval after delete: %v", err)
	}
	if got != nil {
		t.Error("expected nil after delete")
	}
}

func TestListExpiredApprovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Second)

	expired := &PendingApprovalRecord{
		ID: "pa-exp", IncidentID: "INC-20260825-exp00001", PlanID: "plan-exp",
		RequestedAt: now.Add(-20 * time.Minute), ExpiresAt: now.Add(-5 * time.Minute),
	}
	live := &PendingApprovalRecord{
		ID: "pa-live", IncidentID: "INC-20260825-live0001", PlanID: "plan-live",
		RequestedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	}
	// No deadline at all: the zero ExpiresAt is stored as NULL and the
	// expiry query must never pick it up.
	open := &PendingApprovalRecord{
		ID: "pa-open", IncidentID: "INC-20260825-open0001", PlanID: "plan-open",
		RequestedAt: now.Add(-24 * time.Hour),
	}
	for _, rec := range []*PendingApprovalRecord{expired, live, open} {
		if err := s.SavePendingApproval(ctx, rec); err != nil {
			t.Fatalf("SavePendingApproval %s: %v", rec.ID, err)
		}
	}

	got, err := s.ListExpiredApprovals(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredApprovals: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 expired approval, got %d", len(got))
	}
	if got[0].IncidentID != "INC-20260825-exp00001" {
		t.Errorf("expected expired incident, got %s", got[0].IncidentID)
	}

	back, err := s.GetPendingApproval(ctx, "INC-20260825-open0001")
	if err != nil {
		t.Fatalf("GetPendingApproval: %v", err)
	}
	if back == nil {
		t.Fatal("expected the open-ended entry to still exist")
	}
	if !back.ExpiresAt.IsZero() {
		t.Errorf("expected a zero ExpiresAt for the open-ended entry, got %v", back.ExpiresAt)
	}
}

// ─── Policy verdicts ─────────────────────────────────────────────────────────

func TestPolicyVerdictAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Second)
	incidentID := "INC-20260825-pol00001"

	deny := &PolicyVerdictRecord{
		IncidentID:   incidentID,
		PlanID:       "plan-pol00001",
		Verdict:      "DENY",
		MatchedRule:  "no-drop-database",
		Rationale:    "plan action drop_database matches deny rule",
		RulesVersion: "v3",
		EvaluatedAt:  now,
	}
	if err := s.AppendPolicyVerdict(ctx, deny); err != nil {
		t.Fatalf("AppendPolicyVerdict deny: %v", err)
	}
	if deny.ID == 0 {
		t.Error("expected verdict ID to be assigned")
	}

	escalate := &PolicyVerdictRecord{
		IncidentID:   incidentID,
		PlanID:       "plan-pol00002",
		Verdict:      "ESCALATE",
		MatchedRule:  "guard-restart-production",
		Similarity:   0.87,
		Rationale:    "semantically similar to guarded action",
		RulesVersion: "v3",
		EvaluatedAt:  now.Add(time.Minute),
	}
	if err := s.AppendPolicyVerdict(ctx, escalate); err != nil {
		t.Fatalf("AppendPolicyVerdict escalate: %v", err)
	}

	got, err := s.ListPolicyVerdicts(ctx, incidentID)
	if err != nil {
		t.Fatalf("ListPolicyVerdicts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(got))
	}
	// Oldest first
	if got[0].Verdict != "DENY" {
		t.Errorf("expected first verdict DENY, got %s", got[0].Verdict)
	}
	if got[1].Similarity != 0.87 {
		t.Errorf("expected similarity 0.87, got %f", got[1].Similarity)
	}
}

// ─── Audit events ─────────────────────────────────────────────────────────────

func TestAuditEventAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Second)

	events := []*AuditRecord{
		{CorrelationID: "c1", EventType: "incident.created", Description: "signal received", Resource: "INC-20260825-aud00001", Action: "ingest", Result: "success", Timestamp: now},
		{CorrelationID: "c2", EventType: "plan.proposed", Description: "plan proposed", Resource: "INC-20260825-aud00002", Action: "plan", Result: "pending", Timestamp: now.Add(time.Second)},
		{CorrelationID: "c3", EventType: "policy.verdict", Description: "plan denied", Resource: "INC-20260825-aud00003", Action: "policy_check", Result: "denied", Timestamp: now.Add(2 * time.Second)},
	}

	for _, e := range events {
		if err := s.AppendAuditEvent(ctx, e); err != nil {
			t.Fatalf("AppendAuditEvent: %v", err)
		}
	}

	// Query all
	all, err := s.QueryAuditEvents(ctx, AuditQuery{Limit: 10})
	if err != nil {
		t.Fatalf("QueryAuditEvents: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 events, got %d", len(all))
	}

	// Query by resource
	byResource, err := s.QueryAuditEvents(ctx, AuditQuery{Resource: "INC-20260825-aud00001", Limit: 10})
	if err != nil {
		t.Fatalf("QueryAuditEvents by resource: %v", err)
	}
	if len(byResource) != 1 {
		t.Errorf("expected 1 event for incident, got %d", len(byResource))
	}

	// Query by correlation ID
	byCorr, err := s.QueryAuditEvents(ctx, AuditQuery{CorrelationID: "c2", Limit: 10})
	if err != nil {
		t.Fatalf("QueryAuditEvents by correlation: %v", err)
	}
	if len(byCorr) != 1 {
		t.Errorf("expected 1 event for c2, got %d", len(byCorr))
	}
	if byCorr[0].EventType != "plan.proposed" {
		t.Errorf("expected plan.proposed, got %s", byCorr[0].EventType)
	}

	// Query by time range
	byTime, err := s.QueryAuditEvents(ctx, AuditQuery{
		From:  now,
		To:    now.Add(time.Second),
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("QueryAuditEvents by time: %v", err)
	}
	if len(byTime) != 2 {
		t.Errorf("expected 2 events in time range, got %d", len(byTime))
	}
}

// ─── Persistence health ───────────────────────────────────────────────────────

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestIdempotentMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	rec := testIncident("INC-20260825-mig00001")
	if err := s.SaveIncident(context.Background(), rec); err != nil {
		t.Fatalf("SaveIncident: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening runs migrate again; applied versions must be skipped and
	// existing data preserved.
	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetIncident(context.Background(), "INC-20260825-mig00001")
	if err != nil {
		t.Fatalf("GetIncident after reopen: %v", err)
	}
	if got.State != "DIAGNOSING" {
		t.Errorf("expected DIAGNOSING after reopen, got %s", got.State)
	}
}
