package incident

// Package incident defines the incident domain model: the signal that opens
// an incident, the diagnosis and remediation plan attached to it, the policy
// verdict and approval records that gate execution, the tool results produced
// by execution, and the lifecycle state plus append-only transition history.
//
// All mutation of an Incident goes through the state machine in machine.go;
// nothing else writes these fields.

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an incident.
type State string

const (
	StateNew              State = "NEW"
	StateDiagnosing       State = "DIAGNOSING"
	StatePlanning         State = "PLANNING"
	StatePolicyCheck      State = "POLICY_CHECK"
	StateAwaitingApproval State = "AWAITING_APPROVAL"
	StateExecuting        State = "EXECUTING"
	StateVerifying        State = "VERIFYING"
	StateResolved         State = "RESOLVED"
	StateBlocked          State = "BLOCKED"
	StateAbandoned        State = "ABANDONED"
)

// Terminal reports whether no further transitions are legal from s.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateBlocked || s == StateAbandoned
}

// Outcome is the terminal disposition of an incident.
type Outcome string

const (
	OutcomeResolved  Outcome = "RESOLVED"
	OutcomeBlocked   Outcome = "BLOCKED"
	OutcomeAbandoned Outcome = "ABANDONED"
)

// EventType identifies a state-machine event.
type EventType string

const (
	EventSignalReceived   EventType = "SIGNAL_RECEIVED"
	EventDiagnosisReady   EventType = "DIAGNOSIS_READY"
	EventPlanReady        EventType = "PLAN_READY"
	EventPolicyVerdict    EventType = "POLICY_VERDICT"
	EventApprovalDecision EventType = "APPROVAL_DECISION"
	EventToolResult       EventType = "TOOL_RESULT"
	EventVerifyResult     EventType = "VERIFY_RESULT"
	EventTimeout          EventType = "TIMEOUT"
	EventCancelled        EventType = "CANCELLED"
)

// Severity classifies an incoming signal.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity normalizes a severity string, defaulting to MEDIUM.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityMedium
	}
}

// RootCause is the closed enumeration of diagnosis categories.
type RootCause string

const (
	CauseConnectivity       RootCause = "CONNECTIVITY"
	CauseResourceExhaustion RootCause = "RESOURCE_EXHAUSTION"
	CauseConfiguration      RootCause = "CONFIGURATION"
	CausePerformance        RootCause = "PERFORMANCE_DEGRADATION"
	CauseDataCorruption     RootCause = "DATA_CORRUPTION"
	CauseSecurity           RootCause = "SECURITY"
	CauseUnknown            RootCause = "UNKNOWN"
	// CauseNone means no fault was detected. A re-diagnosis returning it is
	// what passes the post-execution verification.
	CauseNone RootCause = "NONE"
)

// ValidRootCause reports whether c is a member of the closed enumeration.
func ValidRootCause(c RootCause) bool {
	switch c {
	case CauseConnectivity, CauseResourceExhaustion, CauseConfiguration,
		CausePerformance, CauseDataCorruption, CauseSecurity, CauseUnknown, CauseNone:
		return true
	}
	return false
}

// Signal is the raw infrastructure signal that opened the incident.
type Signal struct {
	Text       string    `json:"text"`
	Host       string    `json:"host"`
	Severity   Severity  `json:"severity"`
	ReceivedAt time.Time `json:"received_at"`
}

// Diagnosis is the structured output of a diagnose call. Immutable once
// attached; a re-diagnosis attaches a new value.
type Diagnosis struct {
	Category          RootCause `json:"category"`
	Explanation       string    `json:"explanation"`
	Confidence        float64   `json:"confidence"`
	AffectedResources []string  `json:"affected_resources"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate checks schema conformance of a diagnosis.
func (d *Diagnosis) Validate() error {
	if d == nil {
		return fmt.Errorf("diagnosis is nil")
	}
	if !ValidRootCause(d.Category) {
		return fmt.Errorf("unknown root-cause category %q", d.Category)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", d.Confidence)
	}
	return nil
}

// Action is a single proposed remediation step inside a plan.
type Action struct {
	Tool       string                 `json:"tool"`
	Parameters map[string]interface{} `json:"parameters"`
	Rationale  string                 `json:"rationale"`
}

// Summary renders the action for policy evaluation and audit messages.
func (a Action) Summary() string {
	return fmt.Sprintf("%s(%v): %s", a.Tool, a.Parameters, a.Rationale)
}

// Plan is an ordered sequence of proposed actions. Plans are immutable once
// submitted for policy evaluation; a rejected or modified plan is replaced by
// a new Plan value with a fresh ID.
type Plan struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	Attempt    int       `json:"attempt"`
	Actions    []Action  `json:"actions"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks shape constraints shared by original and replacement plans.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("plan has no actions")
	}
	for i, a := range p.Actions {
		if a.Tool == "" {
			return fmt.Errorf("action %d has no tool name", i)
		}
	}
	return nil
}

// NewPlanID returns a fresh plan identifier.
func NewPlanID() string { return "plan-" + uuid.NewString() }

// Verdict is the policy gate's ruling on a plan.
type Verdict string

const (
	VerdictAllow    Verdict = "ALLOW"
	VerdictDeny     Verdict = "DENY"
	VerdictEscalate Verdict = "ESCALATE"
)

// PolicyVerdict records the gate's ruling for exactly one plan, the rule or
// similarity match that produced it, and a human-readable rationale.
type PolicyVerdict struct {
	PlanID       string    `json:"plan_id"`
	Verdict      Verdict   `json:"verdict"`
	MatchedRule  string    `json:"matched_rule,omitempty"`
	Similarity   float64   `json:"similarity,omitempty"`
	Rationale    string    `json:"rationale"`
	RulesVersion int       `json:"rules_version"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Decision is an operator's ruling on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
	DecisionModify  Decision = "MODIFY"
)

// ApprovalRecord captures one operator decision. Incidents accumulate zero or
// more of these (reject, new plan, approve, ...).
type ApprovalRecord struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	PlanID     string    `json:"plan_id"`
	Operator   string    `json:"operator"`
	Decision   Decision  `json:"decision"`
	// ModifiedPlan is set only for MODIFY decisions; it re-enters policy
	// evaluation and is never executed directly.
	ModifiedPlan *Plan     `json:"modified_plan,omitempty"`
	Note         string    `json:"note,omitempty"`
	DecidedAt    time.Time `json:"decided_at"`
}

// ToolResult records one dispatched action's outcome. A ToolResult exists if
// and only if the action was actually dispatched to the tool provider.
type ToolResult struct {
	IncidentID  string    `json:"incident_id"`
	PlanID      string    `json:"plan_id"`
	ActionIndex int       `json:"action_index"`
	Tool        string    `json:"tool"`
	Success     bool      `json:"success"`
	Output      string    `json:"output,omitempty"`
	Error       string    `json:"error,omitempty"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	Attempt     int       `json:"attempt"`
	DurationMS  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
}

// Transition is one append-only history entry. The sequence of transitions
// replayed from NEW reconstructs the incident's current state.
type Transition struct {
	Seq   int       `json:"seq"`
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event EventType `json:"event"`
	Actor string    `json:"actor"`
	Cause string    `json:"cause,omitempty"`
	At    time.Time `json:"at"`
}

// Incident is the unit of work: one tracked remediation workflow from signal
// to terminal outcome. Owned exclusively by the state machine.
type Incident struct {
	ID      string  `json:"id"`
	Signal  Signal  `json:"signal"`
	State   State   `json:"state"`
	Outcome Outcome `json:"outcome,omitempty"`

	Diagnosis *Diagnosis     `json:"diagnosis,omitempty"`
	Plan      *Plan          `json:"plan,omitempty"`
	Verdict   *PolicyVerdict `json:"verdict,omitempty"`

	Approvals   []ApprovalRecord `json:"approvals,omitempty"`
	ToolResults []ToolResult     `json:"tool_results,omitempty"`

	// RetryCount counts every return to PLANNING (verify failure, rejection,
	// approval timeout, parameter-validation reroute). Bounded by the
	// configured maximum; exceeding it forces ABANDONED.
	RetryCount int `json:"retry_count"`

	// ExecCursor is the index of the next plan action to dispatch, so a
	// confirmed retry resumes mid-plan instead of re-running completed
	// non-idempotent actions.
	ExecCursor int `json:"exec_cursor"`

	// RetryRequiresConfirmation marks an AWAITING_APPROVAL entered because a
	// dispatched action's outcome is unknown or a non-idempotent action
	// failed; the pending decision is "retry execution?", not plan review.
	RetryRequiresConfirmation bool `json:"retry_requires_confirmation,omitempty"`

	// PriorAttempts summarizes failed remediation rounds for the next
	// diagnose/propose call.
	PriorAttempts []string `json:"prior_attempts,omitempty"`

	History []Transition `json:"history"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// NewIncidentID returns an identifier like INC-20260825-1a2b3c4d.
func NewIncidentID(now time.Time) string {
	return fmt.Sprintf("INC-%s-%s", now.Format("20060102"), uuid.NewString()[:8])
}

// New creates an incident in NEW with no history. The caller applies
// SIGNAL_RECEIVED to start the workflow so that creation itself is replayable.
func New(sig Signal, now time.Time) *Incident {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = now
	}
	sig.Severity = ParseSeverity(string(sig.Severity))
	return &Incident{
		ID:        NewIncidentID(now),
		Signal:    sig,
		State:     StateNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
