// Package approval provides the Approval Gate, the durable human suspend
// point between policy evaluation and execution.
//
// Every plan that passes the Policy Gate waits here for an operator
// decision. The wait is durable: pending requests live in the store, so a
// process restart resumes every wait instead of dropping it.
//
// Decisions:
//   - APPROVE releases the plan for execution. If the policy verdict was
//     ESCALATE, the decision must carry a confirmation token signed with
//     the configured secret; a missing or invalid token is recorded and
//     applied as REJECT. With no secret configured escalated plans can
//     never be approved.
//   - REJECT sends the incident back to planning.
//   - MODIFY replaces the plan with an operator-supplied one, which
//     re-enters policy evaluation. A MODIFY without a plan is a malformed
//     submission, not a rejection.
//
// The wait is operator-paced by default: a request with no deadline stays
// pending until someone decides. When a timeout is configured, a background
// sweep collects requests whose deadline passed and reports them through
// the expiry handler; the orchestrator turns that into a TIMEOUT event,
// which the state machine treats as a rejection.
package approval

import (
	"context"
	"time"

	"github.com/ram677/ops-swarm/internal/incident"
)

// Request is one plan waiting for an operator decision.
type Request struct {
	ID                 string    `json:"id"`
	IncidentID         string    `json:"incident_id"`
	PlanID             string    `json:"plan_id"`
	Reason             string    `json:"reason"`
	EscalationRequired bool      `json:"escalation_required"`
	RequestedAt        time.Time `json:"requested_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// Submission is an operator's decision as received from the API.
type Submission struct {
	Operator     string            `json:"operator"`
	Decision     incident.Decision `json:"decision"`
	ModifiedPlan *incident.Plan    `json:"modified_plan,omitempty"`
	Note         string            `json:"note,omitempty"`
	AuthToken    string            `json:"auth_token,omitempty"`
}

// Config carries the gate's tunables, injected at construction.
type Config struct {
	// Timeout is how long a request may wait before the sweep expires it.
	// Zero means requests never expire and wait for an operator decision.
	Timeout time.Duration
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration
	// EscalationSecret signs and verifies escalation confirmation tokens.
	EscalationSecret string
}

// Gate manages pending approvals.
type Gate interface {
	// Request registers a pending approval for an incident's plan,
	// replacing any previous pending entry for that incident.
	Request(ctx context.Context, incidentID, planID, reason string, escalationRequired bool) (*Request, error)

	// Pending returns the open request for an incident, nil if none.
	Pending(ctx context.Context, incidentID string) (*Request, error)

	// ListPending returns all open requests, oldest first.
	ListPending(ctx context.Context) ([]*Request, error)

	// Resolve applies an operator decision to the incident's pending
	// request and removes it. Returns the recorded decision, whose
	// Decision field is the effective one (an escalated APPROVE without a
	// valid token comes back as REJECT).
	Resolve(ctx context.Context, incidentID string, sub Submission) (*incident.ApprovalRecord, error)

	// Withdraw removes the pending request for an incident without
	// recording a decision. Used when the incident leaves
	// AWAITING_APPROVAL through some other door, such as a cancellation.
	// No-op when nothing is pending.
	Withdraw(ctx context.Context, incidentID string) error

	// Start launches the expiry sweep. Expired requests are removed and
	// handed to onExpire.
	Start(onExpire func(Request))

	// Stop halts the sweep.
	Stop()
}
