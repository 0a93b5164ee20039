package incident

// machine.go is the single writer of incident state. Transitions are
// deterministic functions of (current state, event); transitionTable is the
// closed set of legal edges and Apply never commits an edge outside it. An
// event that is not legal for the current state returns InvalidTransitionError
// and leaves the incident untouched, history included.

import (
	"fmt"
	"time"
)

// DefaultMaxRetries bounds how many times an incident may re-enter PLANNING
// before it is abandoned for manual intervention.
const DefaultMaxRetries = 3

// InvalidTransitionError reports an event that is not legal for the
// incident's current state. The incident is not mutated.
type InvalidTransitionError struct {
	IncidentID string
	From       State
	Event      EventType
	Reason     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for %s: event %s in state %s: %s",
		e.IncidentID, e.Event, e.From, e.Reason)
}

// ToolOutcome is the TOOL_RESULT event payload. Exactly one of Result or
// ValidationErr is set: a validation failure means the action never reached
// the tool provider, so no ToolResult record exists for it.
type ToolOutcome struct {
	Result        *ToolResult
	ValidationErr string
	// Final marks the last action of the plan.
	Final bool
	// EscalateRetry routes a failed or timed-out non-idempotent action back
	// to the approval gate for a manual retry decision.
	EscalateRetry bool
}

// Event carries a state-machine event and its payload. Payload fields are
// validated before any mutation happens.
type Event struct {
	Type  EventType
	Actor string
	Cause string
	At    time.Time

	Diagnosis    *Diagnosis
	Plan         *Plan
	Verdict      *PolicyVerdict
	Decision     *ApprovalRecord
	Tool         *ToolOutcome
	VerifyPassed *bool
}

// transitionTable is the closed set of legal (state, event) → state edges.
// Guards in target pick among the listed candidates; Apply rejects anything
// the table does not declare.
var transitionTable = map[State]map[EventType][]State{
	StateNew: {
		EventSignalReceived: {StateDiagnosing},
		EventCancelled:      {StateAbandoned},
	},
	StateDiagnosing: {
		EventDiagnosisReady: {StatePlanning},
		EventTimeout:        {StateAbandoned},
		EventCancelled:      {StateAbandoned},
	},
	StatePlanning: {
		EventPlanReady: {StatePolicyCheck},
		EventTimeout:   {StateAbandoned},
		EventCancelled: {StateAbandoned},
	},
	StatePolicyCheck: {
		EventPolicyVerdict: {StateAwaitingApproval, StateBlocked},
		EventCancelled:     {StateAbandoned},
	},
	StateAwaitingApproval: {
		EventApprovalDecision: {StateExecuting, StatePlanning, StatePolicyCheck, StateAbandoned},
		EventTimeout:          {StatePlanning, StateAbandoned},
		EventCancelled:        {StateAbandoned},
	},
	StateExecuting: {
		EventToolResult: {StateExecuting, StateVerifying, StatePlanning, StateAwaitingApproval, StateAbandoned},
		EventTimeout:    {StateAwaitingApproval},
		EventCancelled:  {StateAbandoned},
	},
	StateVerifying: {
		EventVerifyResult: {StateResolved, StatePlanning, StateAbandoned},
		EventTimeout:      {StateAbandoned},
		EventCancelled:    {StateAbandoned},
	},
}

// Machine applies events to incidents. It holds no per-incident state; the
// caller serializes Apply calls per incident.
type Machine struct {
	MaxRetries int
}

// NewMachine returns a machine with the given re-planning bound.
func NewMachine(maxRetries int) *Machine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Machine{MaxRetries: maxRetries}
}

// Apply validates ev against the transition table and the event's payload
// requirements, then commits the transition: state change, payload
// attachment, and a history entry, in one step. On error nothing changes.
func (m *Machine) Apply(inc *Incident, ev Event) error {
	if inc.State.Terminal() {
		return &InvalidTransitionError{
			IncidentID: inc.ID, From: inc.State, Event: ev.Type,
			Reason: "incident reached a terminal outcome",
		}
	}
	events, ok := transitionTable[inc.State]
	if !ok {
		return &InvalidTransitionError{IncidentID: inc.ID, From: inc.State, Event: ev.Type, Reason: "state has no outgoing edges"}
	}
	candidates, ok := events[ev.Type]
	if !ok {
		return &InvalidTransitionError{IncidentID: inc.ID, From: inc.State, Event: ev.Type, Reason: "event not accepted in this state"}
	}

	to, err := m.target(inc, ev)
	if err != nil {
		return err
	}
	legal := false
	for _, c := range candidates {
		if c == to {
			legal = true
			break
		}
	}
	if !legal {
		// Guard bug guard: target computed an edge the table does not declare.
		return &InvalidTransitionError{IncidentID: inc.ID, From: inc.State, Event: ev.Type,
			Reason: fmt.Sprintf("computed target %s is not a declared edge", to)}
	}

	m.commit(inc, ev, to)
	return nil
}

// target computes the destination state from the event payload without
// mutating the incident.
func (m *Machine) target(inc *Incident, ev Event) (State, error) {
	invalid := func(reason string) (State, error) {
		return "", &InvalidTransitionError{IncidentID: inc.ID, From: inc.State, Event: ev.Type, Reason: reason}
	}

	switch ev.Type {
	case EventSignalReceived:
		return StateDiagnosing, nil

	case EventDiagnosisReady:
		if err := ev.Diagnosis.Validate(); err != nil {
			return invalid("diagnosis payload: " + err.Error())
		}
		return StatePlanning, nil

	case EventPlanReady:
		if err := ev.Plan.Validate(); err != nil {
			return invalid("plan payload: " + err.Error())
		}
		if ev.Plan.IncidentID != inc.ID {
			return invalid("plan belongs to a different incident")
		}
		return StatePolicyCheck, nil

	case EventPolicyVerdict:
		if ev.Verdict == nil {
			return invalid("missing verdict payload")
		}
		if inc.Plan == nil || ev.Verdict.PlanID != inc.Plan.ID {
			return invalid("verdict does not reference the current plan")
		}
		switch ev.Verdict.Verdict {
		case VerdictAllow, VerdictEscalate:
			return StateAwaitingApproval, nil
		case VerdictDeny:
			return StateBlocked, nil
		default:
			return invalid(fmt.Sprintf("unknown verdict %q", ev.Verdict.Verdict))
		}

	case EventApprovalDecision:
		if ev.Decision == nil {
			return invalid("missing decision payload")
		}
		if inc.Plan == nil || ev.Decision.PlanID != inc.Plan.ID {
			return invalid("decision does not reference the current plan")
		}
		switch ev.Decision.Decision {
		case DecisionApprove:
			return StateExecuting, nil
		case DecisionReject:
			return m.replanOrAbandon(inc), nil
		case DecisionModify:
			if err := ev.Decision.ModifiedPlan.Validate(); err != nil {
				return invalid("modified plan: " + err.Error())
			}
			if ev.Decision.ModifiedPlan.IncidentID != inc.ID {
				return invalid("modified plan belongs to a different incident")
			}
			return StatePolicyCheck, nil
		default:
			return invalid(fmt.Sprintf("unknown decision %q", ev.Decision.Decision))
		}

	case EventToolResult:
		out := ev.Tool
		if out == nil {
			return invalid("missing tool outcome payload")
		}
		if out.ValidationErr != "" {
			if out.Result != nil {
				return invalid("validation failure cannot carry a tool result")
			}
			return m.replanOrAbandon(inc), nil
		}
		if out.Result == nil {
			return invalid("tool outcome carries neither result nor validation error")
		}
		if inc.Plan == nil || out.Result.PlanID != inc.Plan.ID {
			return invalid("tool result does not reference the current plan")
		}
		if out.Result.Success {
			if out.Final {
				return StateVerifying, nil
			}
			return StateExecuting, nil
		}
		if out.EscalateRetry {
			return StateAwaitingApproval, nil
		}
		return StateVerifying, nil

	case EventVerifyResult:
		if ev.VerifyPassed == nil {
			return invalid("missing verify payload")
		}
		if *ev.VerifyPassed {
			return StateResolved, nil
		}
		return m.replanOrAbandon(inc), nil

	case EventTimeout:
		switch inc.State {
		case StateAwaitingApproval:
			return m.replanOrAbandon(inc), nil
		case StateExecuting:
			return StateAwaitingApproval, nil
		default:
			// Diagnose/plan/verify gave up after its bounded retry.
			return StateAbandoned, nil
		}

	case EventCancelled:
		return StateAbandoned, nil
	}

	return invalid("unknown event type")
}

// replanOrAbandon implements the bounded verify→plan loop: the incident goes
// back to PLANNING until the retry counter reaches the bound, then abandons.
func (m *Machine) replanOrAbandon(inc *Incident) State {
	if inc.RetryCount+1 < m.MaxRetries {
		return StatePlanning
	}
	return StateAbandoned
}

// commit mutates the incident for an already-validated transition.
func (m *Machine) commit(inc *Incident, ev Event, to State) {
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	actor := ev.Actor
	if actor == "" {
		actor = "system"
	}

	from := inc.State

	switch ev.Type {
	case EventDiagnosisReady:
		inc.Diagnosis = ev.Diagnosis

	case EventPlanReady:
		inc.Plan = ev.Plan
		inc.Verdict = nil
		inc.ExecCursor = 0
		inc.RetryRequiresConfirmation = false

	case EventPolicyVerdict:
		inc.Verdict = ev.Verdict

	case EventApprovalDecision:
		inc.Approvals = append(inc.Approvals, *ev.Decision)
		switch ev.Decision.Decision {
		case DecisionApprove:
			inc.RetryRequiresConfirmation = false
		case DecisionReject:
			inc.RetryCount++
			inc.PriorAttempts = append(inc.PriorAttempts,
				fmt.Sprintf("plan %s rejected by %s: %s", ev.Decision.PlanID, ev.Decision.Operator, ev.Decision.Note))
		case DecisionModify:
			inc.Plan = ev.Decision.ModifiedPlan
			inc.Verdict = nil
			inc.ExecCursor = 0
			inc.RetryRequiresConfirmation = false
		}

	case EventToolResult:
		out := ev.Tool
		if out.Result != nil {
			inc.ToolResults = append(inc.ToolResults, *out.Result)
		}
		switch {
		case out.ValidationErr != "":
			inc.RetryCount++
			inc.PriorAttempts = append(inc.PriorAttempts, "parameter validation failed: "+out.ValidationErr)
		case out.Result.Success:
			inc.ExecCursor++
		case out.EscalateRetry:
			inc.RetryRequiresConfirmation = true
		default:
			inc.PriorAttempts = append(inc.PriorAttempts,
				fmt.Sprintf("action %d (%s) failed: %s", out.Result.ActionIndex, out.Result.Tool, out.Result.Error))
		}

	case EventVerifyResult:
		if !*ev.VerifyPassed {
			inc.RetryCount++
			cause := ev.Cause
			if cause == "" {
				cause = "verification found the fault still present"
			}
			inc.PriorAttempts = append(inc.PriorAttempts, cause)
		}

	case EventTimeout:
		switch from {
		case StateAwaitingApproval:
			inc.RetryCount++
			inc.PriorAttempts = append(inc.PriorAttempts, "approval timed out; treated as REJECT")
		case StateExecuting:
			if ev.Tool != nil && ev.Tool.Result != nil {
				inc.ToolResults = append(inc.ToolResults, *ev.Tool.Result)
			}
			inc.RetryRequiresConfirmation = true
		}
	}

	inc.State = to
	switch to {
	case StateResolved:
		inc.Outcome = OutcomeResolved
	case StateBlocked:
		inc.Outcome = OutcomeBlocked
	case StateAbandoned:
		inc.Outcome = OutcomeAbandoned
	}
	if to.Terminal() {
		closed := at
		inc.ClosedAt = &closed
	}

	inc.History = append(inc.History, Transition{
		Seq:   len(inc.History) + 1,
		From:  from,
		To:    to,
		Event: ev.Type,
		Actor: actor,
		Cause: ev.Cause,
		At:    at,
	})
	inc.UpdatedAt = at
}

// Replay folds a transition history from NEW, checking chain integrity and
// that every edge is declared by the transition table. It returns the
// reconstructed state; an incident's stored history must replay to its
// current state.
func Replay(history []Transition) (State, error) {
	cur := StateNew
	for i, t := range history {
		if t.From != cur {
			return "", fmt.Errorf("history entry %d: from %s does not chain to %s", i, t.From, cur)
		}
		candidates, ok := transitionTable[t.From][t.Event]
		if !ok {
			return "", fmt.Errorf("history entry %d: event %s not declared for state %s", i, t.Event, t.From)
		}
		legal := false
		for _, c := range candidates {
			if c == t.To {
				legal = true
				break
			}
		}
		if !legal {
			return "", fmt.Errorf("history entry %d: edge %s -%s-> %s not declared", i, t.From, t.Event, t.To)
		}
		cur = t.To
	}
	return cur, nil
}
