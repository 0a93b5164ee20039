// Package orchestrator drives incidents through the remediation state
// machine from signal to terminal outcome.
//
// The engine owns a runner per open incident. A runner is the only writer
// for its incident: every event, whether produced by an automatic step or
// by an operator, is applied under the runner's lock and persisted before
// the next step begins. Concurrent incidents progress independently;
// events for one incident are strictly ordered.
//
// Automatic states (DIAGNOSING, PLANNING, POLICY_CHECK, EXECUTING,
// VERIFYING) advance on their own: the runner performs the state's work,
// applies the resulting event, and moves on. AWAITING_APPROVAL blocks the
// runner until an operator decision or the approval deadline arrives.
//
// Verification re-runs diagnosis against a probe signal carrying the
// executed actions' outputs; the incident resolves only when that
// diagnosis finds no remaining fault.
//
// Reasoning calls that exhaust their attempts surface as TIMEOUT events,
// which the machine routes to ABANDONED from the automatic states and
// through the rejection path from AWAITING_APPROVAL.
//
// On startup the engine reloads every open incident from the store,
// checks that its history replays to the stored state, and resumes it.
// An incident caught in EXECUTING gets a TIMEOUT event first: the
// in-flight action's outcome is unknown after a restart, so execution
// resumes only behind an operator confirmation. Pending approvals keep
// their original deadlines.
package orchestrator

import (
	"context"
	"time"

	"github.com/ram677/ops-swarm/internal/approval"
	"github.com/ram677/ops-swarm/internal/db"
	"github.com/ram677/ops-swarm/internal/incident"
)

// Config carries the engine's tunables, injected at construction.
type Config struct {
	// MaxRetries bounds the planning rounds per incident before it is
	// abandoned.
	MaxRetries int
	// QueueSize is each subscriber channel's capacity. Events for slow
	// subscribers are dropped, never blocked on.
	QueueSize int
}

// TransitionEvent is one state machine transition as published to
// subscribers.
type TransitionEvent struct {
	IncidentID string             `json:"incident_id"`
	Seq        int                `json:"seq"`
	From       incident.State     `json:"from"`
	To         incident.State     `json:"to"`
	Event      incident.EventType `json:"event"`
	Actor      string             `json:"actor"`
	Cause      string             `json:"cause,omitempty"`
	Outcome    incident.Outcome   `json:"outcome,omitempty"`
	At         time.Time          `json:"at"`
}

// Engine runs the remediation workflow.
type Engine interface {
	// Start resumes open incidents from the store and launches the
	// approval expiry sweep. Must be called before Ingest.
	Start(ctx context.Context) error

	// Stop halts the sweep, cancels in-flight work, and waits for every
	// runner to park.
	Stop()

	// Ingest opens an incident for a signal and starts driving it.
	// Returns a snapshot of the freshly opened incident.
	Ingest(ctx context.Context, sig incident.Signal) (*incident.Incident, error)

	// Get returns the full incident aggregate from the store.
	Get(ctx context.Context, id string) (*incident.Incident, error)

	// List returns shallow incident rows, newest first. An empty state
	// matches all states.
	List(ctx context.Context, state string, limit, offset int) ([]*db.IncidentRecord, error)

	// Delete removes a closed incident and its history. Open incidents
	// must be cancelled first.
	Delete(ctx context.Context, id string) error

	// Cancel abandons an open incident. Safe to call from any
	// non-terminal state; in-flight work is cut off.
	Cancel(ctx context.Context, id, actor, cause string) error

	// ResolveApproval applies an operator decision to an incident waiting
	// in AWAITING_APPROVAL and resumes it.
	ResolveApproval(ctx context.Context, incidentID string, sub approval.Submission) (*incident.ApprovalRecord, error)

	// PendingApprovals lists every plan currently waiting on an operator.
	PendingApprovals(ctx context.Context) ([]*approval.Request, error)

	// Subscribe returns a channel of transition events and a cancel
	// function. The channel closes when cancelled.
	Subscribe() (<-chan TransitionEvent, func())
}
