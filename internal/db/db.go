package db

import (
	"context"
	"time"
)

// Store is the main persistence interface for the orchestrator.
type Store interface {
	IncidentStore
	ApprovalStore
	PolicyVerdictStore
	AuditStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Incident store ──────────────────────────────────────────────────────────

// IncidentRecord is the DB representation of an incident aggregate: one row
// in incidents plus child rows for the transition history, every plan the
// incident ever produced, approval decisions, and tool results. Nested domain
// structs (signal, diagnosis, verdict, plan actions) are stored as JSON blobs;
// the columns carry only what queries filter on.
type IncidentRecord struct {
	ID            string `json:"id"`
	State         string `json:"state"`
	Outcome       string `json:"outcome"`
	Severity      string `json:"severity"`
	Signal        string `json:"signal"`    // JSON blob
	Diagnosis     string `json:"diagnosis"` // JSON blob
	Verdict       string `json:"verdict"`   // JSON blob
	CurrentPlanID string `json:"current_plan_id"`

	RetryCount                int    `json:"retry_count"`
	ExecCursor                int    `json:"exec_cursor"`
	RetryRequiresConfirmation bool   `json:"retry_requires_confirmation"`
	PriorAttempts             string `json:"prior_attempts"` // JSON array

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	Transitions []TransitionRecord `json:"transitions"`
	Plans       []PlanRecord       `json:"plans"`
	Decisions   []DecisionRecord   `json:"decisions"`
	ToolResults []ToolResultRecord `json:"tool_results"`
}

// TransitionRecord is one append-only history entry. (incident_id, seq) is
// the primary key; rows are never updated or deleted while the incident lives.
type TransitionRecord struct {
	IncidentID string    `json:"incident_id"`
	Seq        int       `json:"seq"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Event      string    `json:"event"`
	Actor      string    `json:"actor"`
	Cause      string    `json:"cause"`
	At         time.Time `json:"at"`
}

// PlanRecord is a persisted remediation plan. Plans are immutable once
// written; a MODIFY decision produces a new plan with a new ID.
type PlanRecord struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Attempt    int       `json:"attempt"`
	Actions    string    `json:"actions"` // JSON array
	CreatedAt  time.Time `json:"created_at"`
}

// DecisionRecord is a resolved approval decision.
type DecisionRecord struct {
	ID           string    `json:"id"`
	IncidentID   string    `json:"incident_id"`
	PlanID       string    `json:"plan_id"`
	Operator     string    `json:"operator"`
	Decision     string    `json:"decision"`
	ModifiedPlan string    `json:"modified_plan"` // JSON blob, empty unless MODIFY
	Note         string    `json:"note"`
	DecidedAt    time.Time `json:"decided_at"`
}

// ToolResultRecord is one tool dispatch outcome. Ordinal is the position in
// the incident's result log, so replays see results in dispatch order.
type ToolResultRecord struct {
	IncidentID  string    `json:"incident_id"`
	Ordinal     int       `json:"ordinal"`
	PlanID      string    `json:"plan_id"`
	ActionIndex int       `json:"action_index"`
	Tool        string    `json:"tool"`
	Success     bool      `json:"success"`
	Output      string    `json:"output"`
	Error       string    `json:"error"`
	TimedOut    bool      `json:"timed_out"`
	Attempt     int       `json:"attempt"`
	DurationMS  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
}

// IncidentStore persists incident aggregates.
type IncidentStore interface {
	// SaveIncident upserts the incident row and appends any new child rows.
	// Existing transitions, plans, decisions, and tool results are never
	// rewritten; the history stays append-only.
	SaveIncident(ctx context.Context, rec *IncidentRecord) error

	// GetIncident retrieves a full incident aggregate by ID.
	GetIncident(ctx context.Context, id string) (*IncidentRecord, error)

	// ListIncidents returns shallow incident rows (no children), newest
	// first. An empty state matches all states.
	ListIncidents(ctx context.Context, state string, limit, offset int) ([]*IncidentRecord, error)

	// ListOpenIncidents returns full aggregates for every incident that has
	// not reached a terminal state. Used to resume work after a restart.
	ListOpenIncidents(ctx context.Context) ([]*IncidentRecord, error)

	// DeleteIncident removes an incident and all its child rows.
	DeleteIncident(ctx context.Context, id string) error
}

// ─── Approval store ──────────────────────────────────────────────────────────

// PendingApprovalRecord is the approval gate's durable work queue entry. The
// row exists while a plan waits on a human; it is deleted when the decision
// lands or the deadline sweep collects it.
type PendingApprovalRecord struct {
	ID                 string    `json:"id"`
	IncidentID         string    `json:"incident_id"`
	PlanID             string    `json:"plan_id"`
	Reason             string    `json:"reason"`
	EscalationRequired bool      `json:"escalation_required"`
	RequestedAt        time.Time `json:"requested_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// ApprovalStore persists the approval gate's pending queue so waits survive
// process restarts.
type ApprovalStore interface {
	// SavePendingApproval writes (or overwrites) the pending entry for an
	// incident. One pending approval per incident at a time.
	SavePendingApproval(ctx context.Context, rec *PendingApprovalRecord) error

	// GetPendingApproval returns the pending entry for an incident.
	// Returns nil, nil when nothing is waiting.
	GetPendingApproval(ctx context.Context, incidentID string) (*PendingApprovalRecord, error)

	// ListPendingApprovals returns all pending entries, oldest first.
	ListPendingApprovals(ctx context.Context) ([]*PendingApprovalRecord, error)

	// ListExpiredApprovals returns pending entries whose deadline has passed.
	ListExpiredApprovals(ctx context.Context, now time.Time) ([]*PendingApprovalRecord, error)

	// DeletePendingApproval removes the pending entry for an incident.
	DeletePendingApproval(ctx context.Context, incidentID string) error
}

// ─── Policy verdict store ────────────────────────────────────────────────────

// PolicyVerdictRecord is one policy gate evaluation, appended per plan.
type PolicyVerdictRecord struct {
	ID           int64     `json:"id"`
	IncidentID   string    `json:"incident_id"`
	PlanID       string    `json:"plan_id"`
	Verdict      string    `json:"verdict"`
	MatchedRule  string    `json:"matched_rule"`
	Similarity   float64   `json:"similarity"`
	Rationale    string    `json:"rationale"`
	RulesVersion string    `json:"rules_version"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// PolicyVerdictStore persists policy gate rulings for audit and review.
type PolicyVerdictStore interface {
	// AppendPolicyVerdict stores an evaluation outcome.
	AppendPolicyVerdict(ctx context.Context, rec *PolicyVerdictRecord) error

	// ListPolicyVerdicts returns all verdicts for an incident, oldest first.
	ListPolicyVerdicts(ctx context.Context, incidentID string) ([]*PolicyVerdictRecord, error)
}

// ─── Audit store ─────────────────────────────────────────────────────────────

// AuditRecord is the DB representation of an audit event.
type AuditRecord struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	EventType     string    `json:"event_type"`
	Description   string    `json:"description"`
	Resource      string    `json:"resource"`
	Action        string    `json:"action"`
	Result        string    `json:"result"`
	UserID        string    `json:"user_id"`
	Metadata      string    `json:"metadata"` // JSON blob
	Timestamp     time.Time `json:"timestamp"`
}

// AuditStore persists audit log entries.
type AuditStore interface {
	// AppendAuditEvent appends an immutable audit event.
	AppendAuditEvent(ctx context.Context, rec *AuditRecord) error

	// QueryAuditEvents retrieves audit events with optional filters.
	QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error)
}

// AuditQuery filters audit event queries.
type AuditQuery struct {
	CorrelationID string
	Resource      string
	Action        string
	UserID        string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}
