package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/approval"
	"github.com/ram677/ops-swarm/internal/audit"
	"github.com/ram677/ops-swarm/internal/db"
	"github.com/ram677/ops-swarm/internal/incident"
	"github.com/ram677/ops-swarm/internal/metrics"
	"github.com/ram677/ops-swarm/internal/policy"
	"github.com/ram677/ops-swarm/internal/reasoning"
	"github.com/ram677/ops-swarm/internal/tools"
)

var (
	// ErrNotFound is returned when no incident exists for an ID.
	ErrNotFound = errors.New("incident not found")

	// ErrClosed is returned for operations that need an open incident.
	ErrClosed = errors.New("incident already closed")

	// ErrActive is returned when deleting an incident that is still open.
	ErrActive = errors.New("incident is still open")
)

const (
	persistOpTimeout = 5 * time.Second
	stepRetryDelay   = 5 * time.Second
)

// Deps are the engine's collaborators, injected at construction.
type Deps struct {
	Store     db.Store
	Reasoner  reasoning.Client
	Policy    policy.Gate
	Approvals approval.Gate
	Executor  tools.Executor
	Registry  tools.Registry
	Audit     audit.Logger
	Logger    *zap.Logger
}

// engine is the store-backed Engine implementation.
type engine struct {
	cfg       Config
	machine   *incident.Machine
	store     db.Store
	reasoner  reasoning.Client
	policy    policy.Gate
	approvals approval.Gate
	executor  tools.Executor
	registry  tools.Registry
	audit     audit.Logger
	logger    *zap.Logger

	mu      sync.Mutex
	runners map[string]*runner
	subs    map[int]chan TransitionEvent
	nextSub int
	started bool

	rootCtx  context.Context
	rootStop context.CancelFunc
	wg       sync.WaitGroup
}

// runner drives one incident. Its lock serializes event application and
// persistence; long calls (reasoning, tools) run outside the lock and the
// machine validates their results against the state current at application
// time, so a stale completion is rejected rather than applied.
type runner struct {
	id     string
	mu     sync.Mutex
	inc    *incident.Incident
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// poke schedules the runner to re-examine its incident. Coalesces.
func (r *runner) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// New creates an orchestration engine.
func New(cfg Config, deps Deps) (Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Reasoner == nil:
		return nil, errors.New("reasoning client is required")
	case deps.Policy == nil:
		return nil, errors.New("policy gate is required")
	case deps.Approvals == nil:
		return nil, errors.New("approval gate is required")
	case deps.Executor == nil:
		return nil, errors.New("tool executor is required")
	case deps.Registry == nil:
		return nil, errors.New("tool registry is required")
	case deps.Audit == nil:
		return nil, errors.New("audit logger is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = incident.DefaultMaxRetries
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &engine{
		cfg:       cfg,
		machine:   incident.NewMachine(cfg.MaxRetries),
		store:     deps.Store,
		reasoner:  deps.Reasoner,
		policy:    deps.Policy,
		approvals: deps.Approvals,
		executor:  deps.Executor,
		registry:  deps.Registry,
		audit:     deps.Audit,
		logger:    deps.Logger,
		runners:   make(map[string]*runner),
		subs:      make(map[int]chan TransitionEvent),
	}, nil
}

// ─────────────────────────── Lifecycle ───────────────────────────

func (e *engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	e.started = true
	e.rootCtx, e.rootStop = context.WithCancel(context.Background())
	e.mu.Unlock()

	resumed, err := e.resume(ctx)
	if err != nil {
		return fmt.Errorf("resume open incidents: %w", err)
	}
	e.approvals.Start(e.onApprovalExpired)
	e.logger.Info("orchestrator started",
		zap.Int("resumed_incidents", resumed),
		zap.Int("max_retries", e.cfg.MaxRetries))
	return nil
}

func (e *engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	stop := e.rootStop
	e.mu.Unlock()

	e.approvals.Stop()
	stop()
	e.wg.Wait()
	e.logger.Info("orchestrator stopped")
}

// resume reloads open incidents and restarts their runners. An incident
// interrupted mid-execution is rerouted to AWAITING_APPROVAL first: the
// in-flight action's outcome is unknown, so only an operator may resume it.
func (e *engine) resume(ctx context.Context) (int, error) {
	records, err := e.store.ListOpenIncidents(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range records {
		inc, err := fromRecord(rec)
		if err != nil {
			e.logger.Error("skipping unreadable incident",
				zap.String("incident_id", rec.ID), zap.Error(err))
			continue
		}
		replayed, err := incident.Replay(inc.History)
		if err != nil || replayed != inc.State {
			e.logger.Error("history does not replay to the stored state; skipping",
				zap.String("incident_id", inc.ID),
				zap.String("stored", string(inc.State)),
				zap.String("replayed", string(replayed)),
				zap.Error(err))
			continue
		}
		if inc.State == incident.StateExecuting {
			ev := incident.Event{
				Type:  incident.EventTimeout,
				Actor: "system",
				Cause: fmt.Sprintf("restart during execution; outcome of action %d unknown", inc.ExecCursor+1),
			}
			if err := e.machine.Apply(inc, ev); err != nil {
				e.logger.Error("failed to reroute interrupted execution",
					zap.String("incident_id", inc.ID), zap.Error(err))
				continue
			}
			e.persist(inc)
			e.recordTransition(inc, inc.History[len(inc.History)-1])
		}
		e.startRunner(inc)
		count++
	}
	return count, nil
}

// ─────────────────────────── Intake and queries ───────────────────────────

func (e *engine) Ingest(ctx context.Context, sig incident.Signal) (*incident.Incident, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil, errors.New("orchestrator is not started")
	}
	if strings.TrimSpace(sig.Text) == "" {
		return nil, errors.New("signal text is required")
	}

	now := time.Now().UTC()
	inc := incident.New(sig, now)
	ev := incident.Event{
		Type:  incident.EventSignalReceived,
		Actor: "ingest",
		Cause: signalCause(inc.Signal),
		At:    now,
	}
	if err := e.machine.Apply(inc, ev); err != nil {
		return nil, err
	}
	if err := e.store.SaveIncident(ctx, toRecord(inc)); err != nil {
		return nil, fmt.Errorf("persist incident: %w", err)
	}

	metrics.IncidentsTotal.WithLabelValues(string(inc.Signal.Severity)).Inc()
	actx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()
	_ = e.audit.LogIncidentCreated(actx, inc.ID, string(inc.Signal.Severity))
	e.recordTransition(inc, inc.History[len(inc.History)-1])

	snapshot := cloneIncident(inc)
	e.startRunner(inc)
	e.logger.Info("incident opened",
		zap.String("incident_id", inc.ID),
		zap.String("host", inc.Signal.Host),
		zap.String("severity", string(inc.Signal.Severity)))
	return snapshot, nil
}

func (e *engine) Get(ctx context.Context, id string) (*incident.Incident, error) {
	rec, err := e.store.GetIncident(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return fromRecord(rec)
}

func (e *engine) List(ctx context.Context, state string, limit, offset int) ([]*db.IncidentRecord, error) {
	return e.store.ListIncidents(ctx, state, limit, offset)
}

func (e *engine) Delete(ctx context.Context, id string) error {
	if r := e.lookup(id); r != nil {
		return fmt.Errorf("%w: cancel %s before deleting it", ErrActive, id)
	}
	if _, err := e.store.GetIncident(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	if err := e.approvals.Withdraw(ctx, id); err != nil {
		e.logger.Warn("failed to withdraw pending approval",
			zap.String("incident_id", id), zap.Error(err))
	}
	return e.store.DeleteIncident(ctx, id)
}

func (e *engine) PendingApprovals(ctx context.Context) ([]*approval.Request, error) {
	return e.approvals.ListPending(ctx)
}

// ─────────────────────────── Operator actions ───────────────────────────

func (e *engine) Cancel(ctx context.Context, id, actor, cause string) error {
	r := e.lookup(id)
	if r == nil {
		if _, err := e.store.GetIncident(ctx, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		return fmt.Errorf("%w: %s", ErrClosed, id)
	}
	if actor == "" {
		actor = "operator"
	}
	if cause == "" {
		cause = "cancelled by operator"
	}
	if err := e.applyEvent(r, incident.Event{
		Type:  incident.EventCancelled,
		Actor: actor,
		Cause: cause,
	}); err != nil {
		return fmt.Errorf("%w: %s", ErrClosed, id)
	}
	r.cancel()
	r.poke()
	return nil
}

func (e *engine) ResolveApproval(ctx context.Context, incidentID string, sub approval.Submission) (*incident.ApprovalRecord, error) {
	r := e.lookup(incidentID)
	if r == nil {
		if _, err := e.store.GetIncident(ctx, incidentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
			}
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrClosed, incidentID)
	}

	record, err := e.approvals.Resolve(ctx, incidentID, sub)
	if err != nil {
		return nil, err
	}
	actx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()
	_ = e.audit.LogApprovalResolved(actx, incidentID, record.PlanID, record.Operator, string(record.Decision))

	r.mu.Lock()
	// A replacement plan keeps the attempt number of the plan it replaces.
	if record.ModifiedPlan != nil && r.inc.Plan != nil {
		record.ModifiedPlan.Attempt = r.inc.Plan.Attempt
	}
	applyErr := e.applyLocked(r, incident.Event{
		Type:     incident.EventApprovalDecision,
		Actor:    record.Operator,
		Cause:    decisionCause(record),
		Decision: record,
	})
	r.mu.Unlock()
	if applyErr != nil {
		return record, fmt.Errorf("decision recorded but not applied: %w", applyErr)
	}
	r.poke()
	return record, nil
}

// onApprovalExpired is the approval sweep's callback. The deadline passing
// is a TIMEOUT event, which AWAITING_APPROVAL treats as a rejection.
func (e *engine) onApprovalExpired(req approval.Request) {
	r := e.lookup(req.IncidentID)
	if r == nil {
		e.logger.Warn("approval expired for an incident with no runner",
			zap.String("incident_id", req.IncidentID))
		return
	}
	actx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()
	_ = e.audit.Log(actx, audit.NewEvent(audit.EventApprovalExpired).
		WithCorrelationID(req.IncidentID).
		WithPlanID(req.PlanID).
		WithResult(audit.ResultFailure).
		WithDescription(fmt.Sprintf("Approval for plan %s expired", req.PlanID)))
	if err := e.applyEvent(r, incident.Event{
		Type:  incident.EventTimeout,
		Actor: "system",
		Cause: "approval deadline passed",
	}); err != nil {
		return
	}
	r.poke()
}

// ─────────────────────────── Subscriptions ───────────────────────────

func (e *engine) Subscribe() (<-chan TransitionEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan TransitionEvent, e.cfg.QueueSize)
	e.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (e *engine) publish(ev TransitionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.logger.Warn("dropping transition event for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("incident_id", ev.IncidentID))
		}
	}
}

// ─────────────────────────── Runner machinery ───────────────────────────

func (e *engine) startRunner(inc *incident.Incident) *runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runners[inc.ID]; ok {
		return r
	}
	ctx, cancel := context.WithCancel(e.rootCtx)
	r := &runner{
		id:     inc.ID,
		inc:    inc,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	e.runners[inc.ID] = r
	e.wg.Add(1)
	go e.drive(r)
	r.poke()
	return r
}

func (e *engine) lookup(id string) *runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runners[id]
}

func (e *engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runners[id]; ok {
		r.cancel()
		delete(e.runners, id)
	}
}

func (e *engine) drive(r *runner) {
	defer e.wg.Done()
	defer e.release(r.id)
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
			if e.step(r) {
				return
			}
		}
	}
}

// step advances the incident until it parks in AWAITING_APPROVAL, closes,
// or hits a retryable infrastructure failure. Returns true when the
// incident reached a terminal state and the runner can retire.
func (e *engine) step(r *runner) bool {
	for {
		if r.ctx.Err() != nil {
			return false
		}
		r.mu.Lock()
		state := r.inc.State
		r.mu.Unlock()

		var err error
		switch state {
		case incident.StateDiagnosing:
			err = e.diagnoseStep(r)
		case incident.StatePlanning:
			err = e.planStep(r)
		case incident.StatePolicyCheck:
			err = e.policyStep(r)
		case incident.StateAwaitingApproval:
			if err = e.approvalStep(r); err == nil {
				return false // parked until a decision or expiry wakes us
			}
		case incident.StateExecuting:
			err = e.executeStep(r)
		case incident.StateVerifying:
			err = e.verifyStep(r)
		default:
			return state.Terminal()
		}
		if err != nil {
			if r.ctx.Err() != nil {
				return false
			}
			e.logger.Error("incident step failed",
				zap.String("incident_id", r.id),
				zap.String("state", string(state)),
				zap.Error(err))
			time.AfterFunc(stepRetryDelay, r.poke)
			return false
		}
	}
}

// ─────────────────────────── Event application ───────────────────────────

func (e *engine) applyEvent(r *runner, ev incident.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.applyLocked(r, ev)
}

func (e *engine) applyLocked(r *runner, ev incident.Event) error {
	from := r.inc.State
	if err := e.machine.Apply(r.inc, ev); err != nil {
		metrics.InvalidTransitions.WithLabelValues(string(from), string(ev.Type)).Inc()
		e.logger.Warn("event not applicable",
			zap.String("incident_id", r.id),
			zap.String("state", string(from)),
			zap.String("event", string(ev.Type)),
			zap.Error(err))
		return err
	}
	tr := r.inc.History[len(r.inc.History)-1]
	e.logger.Info("incident transition",
		zap.String("incident_id", r.id),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("event", string(tr.Event)),
		zap.String("cause", tr.Cause))
	e.persist(r.inc)
	e.recordTransition(r.inc, tr)
	return nil
}

// persist writes the aggregate. The caller holds the runner lock when one
// exists; persistence failures are logged, not fatal, because the next
// successful save rewrites the full aggregate.
func (e *engine) persist(inc *incident.Incident) {
	ctx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()
	if err := e.store.SaveIncident(ctx, toRecord(inc)); err != nil {
		e.logger.Error("failed to persist incident",
			zap.String("incident_id", inc.ID), zap.Error(err))
	}
}

func (e *engine) recordTransition(inc *incident.Incident, tr incident.Transition) {
	metrics.Transitions.WithLabelValues(string(tr.From), string(tr.To), string(tr.Event)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()
	_ = e.audit.LogTransition(ctx, inc.ID, string(tr.From), string(tr.To), string(tr.Event))
	if inc.State.Terminal() {
		metrics.IncidentsClosed.WithLabelValues(string(inc.Outcome)).Inc()
		var dur time.Duration
		if inc.ClosedAt != nil {
			dur = inc.ClosedAt.Sub(inc.CreatedAt)
			metrics.IncidentDuration.WithLabelValues(string(inc.Outcome)).Observe(dur.Seconds())
		}
		_ = e.audit.LogIncidentClosed(ctx, inc.ID, string(inc.Outcome), dur)
		if err := e.approvals.Withdraw(ctx, inc.ID); err != nil {
			e.logger.Warn("failed to withdraw pending approval",
				zap.String("incident_id", inc.ID), zap.Error(err))
		}
	}
	e.publish(TransitionEvent{
		IncidentID: inc.ID,
		Seq:        tr.Seq,
		From:       tr.From,
		To:         tr.To,
		Event:      tr.Event,
		Actor:      tr.Actor,
		Cause:      tr.Cause,
		Outcome:    inc.Outcome,
		At:         tr.At,
	})
}

// ─────────────────────────── Automatic steps ───────────────────────────

func (e *engine) diagnoseStep(r *runner) error {
	r.mu.Lock()
	sig := r.inc.Signal
	prior := append([]string(nil), r.inc.PriorAttempts...)
	r.mu.Unlock()

	diag, err := e.reasoner.Diagnose(r.ctx, sig, prior)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil
		}
		return e.applyReasoningFailure(r, "diagnosis", err)
	}
	e.applyEvent(r, incident.Event{
		Type:      incident.EventDiagnosisReady,
		Actor:     "reasoning",
		Cause:     fmt.Sprintf("%s (confidence %.2f)", diag.Category, diag.Confidence),
		Diagnosis: diag,
	})
	return nil
}

func (e *engine) planStep(r *runner) error {
	r.mu.Lock()
	id := r.inc.ID
	attempt := r.inc.RetryCount + 1
	var diag incident.Diagnosis
	if r.inc.Diagnosis != nil {
		diag = *r.inc.Diagnosis
	}
	prior := append([]string(nil), r.inc.PriorAttempts...)
	r.mu.Unlock()

	plan, err := e.reasoner.Propose(r.ctx, id, attempt, diag, prior)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil
		}
		return e.applyReasoningFailure(r, "planning", err)
	}
	ev := incident.Event{
		Type:  incident.EventPlanReady,
		Actor: "reasoning",
		Cause: fmt.Sprintf("plan %s: %d actions, attempt %d", plan.ID, len(plan.Actions), plan.Attempt),
		Plan:  plan,
	}
	if err := e.applyEvent(r, ev); err != nil {
		return nil
	}
	actx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()
	_ = e.audit.LogPlanProposed(actx, id, plan.ID, len(plan.Actions))
	return nil
}

func (e *engine) policyStep(r *runner) error {
	r.mu.Lock()
	id := r.inc.ID
	plan := r.inc.Plan
	r.mu.Unlock()
	if plan == nil {
		return errors.New("policy check reached without a plan")
	}

	verdict, err := e.policy.Evaluate(r.ctx, plan)
	if err != nil {
		return fmt.Errorf("policy evaluation: %w", err)
	}

	actx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()
	vrec := &db.PolicyVerdictRecord{
		IncidentID:   id,
		PlanID:       verdict.PlanID,
		Verdict:      string(verdict.Verdict),
		MatchedRule:  verdict.MatchedRule,
		Similarity:   verdict.Similarity,
		Rationale:    verdict.Rationale,
		RulesVersion: fmt.Sprintf("v%d", verdict.RulesVersion),
		EvaluatedAt:  verdict.EvaluatedAt,
	}
	if err := e.store.AppendPolicyVerdict(actx, vrec); err != nil {
		e.logger.Warn("failed to persist policy verdict",
			zap.String("incident_id", id), zap.Error(err))
	}
	_ = e.audit.LogPolicyVerdict(actx, id, plan.ID, string(verdict.Verdict), verdict.MatchedRule)

	e.applyEvent(r, incident.Event{
		Type:    incident.EventPolicyVerdict,
		Actor:   "policy",
		Cause:   verdict.Rationale,
		Verdict: verdict,
	})
	return nil
}

// approvalStep registers the pending request if none exists yet, then
// parks. On resume a surviving request keeps its original deadline.
func (e *engine) approvalStep(r *runner) error {
	r.mu.Lock()
	id := r.inc.ID
	var planID string
	if r.inc.Plan != nil {
		planID = r.inc.Plan.ID
	}
	retryConfirm := r.inc.RetryRequiresConfirmation
	cursor := r.inc.ExecCursor
	var escalate bool
	var reason string
	if r.inc.Verdict != nil && r.inc.Verdict.Verdict == incident.VerdictEscalate {
		escalate = true
		reason = "policy escalation: " + r.inc.Verdict.Rationale
	}
	r.mu.Unlock()
	if planID == "" {
		return errors.New("approval wait reached without a plan")
	}
	if retryConfirm {
		confirm := fmt.Sprintf("action %d outcome uncertain; approve to resume execution", cursor+1)
		if reason == "" {
			reason = confirm
		} else {
			reason += "; " + confirm
		}
	}
	if reason == "" {
		reason = "remediation plan awaits operator review"
	}

	pending, err := e.approvals.Pending(r.ctx, id)
	if err != nil {
		return err
	}
	if pending != nil && pending.PlanID != planID {
		if err := e.approvals.Withdraw(r.ctx, id); err != nil {
			return err
		}
		pending = nil
	}
	if pending == nil {
		if _, err := e.approvals.Request(r.ctx, id, planID, reason, escalate); err != nil {
			return err
		}
		actx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
		defer cancel()
		_ = e.audit.LogApprovalRequested(actx, id, planID)
	}
	return nil
}

func (e *engine) executeStep(r *runner) error {
	r.mu.Lock()
	id := r.inc.ID
	plan := r.inc.Plan
	cursor := r.inc.ExecCursor
	r.mu.Unlock()
	if plan == nil {
		return errors.New("execution reached without a plan")
	}
	if cursor >= len(plan.Actions) {
		e.applyEvent(r, incident.Event{
			Type:  incident.EventTimeout,
			Actor: "system",
			Cause: fmt.Sprintf("execution cursor %d beyond plan of %d actions", cursor, len(plan.Actions)),
		})
		return nil
	}

	action := plan.Actions[cursor]
	result, execErr := e.executor.Execute(r.ctx, id, plan.ID, cursor, action)

	var dur time.Duration
	if result != nil {
		dur = time.Duration(result.DurationMS) * time.Millisecond
	}
	actx, cancel := context.WithTimeout(context.Background(), persistOpTimeout)
	defer cancel()
	_ = e.audit.LogToolExecuted(actx, id, action.Tool, execErr, dur)

	final := cursor == len(plan.Actions)-1
	var outcome incident.ToolOutcome
	var cause string
	switch {
	case execErr == nil:
		outcome = incident.ToolOutcome{Result: result, Final: final}
		cause = fmt.Sprintf("action %d/%d %s succeeded", cursor+1, len(plan.Actions), action.Tool)
	case isSchemaRejection(execErr):
		// Never dispatched; the machine reroutes this to planning.
		outcome = incident.ToolOutcome{ValidationErr: execErr.Error()}
		cause = execErr.Error()
	default:
		if r.ctx.Err() != nil {
			return nil // shutdown or cancel mid-dispatch; the outcome stays unknown
		}
		if result == nil {
			return fmt.Errorf("executor returned no result for %s: %w", action.Tool, execErr)
		}
		spec, known := e.registry.Get(action.Tool)
		outcome = incident.ToolOutcome{
			Result:        result,
			EscalateRetry: !known || !spec.Idempotent,
		}
		cause = execErr.Error()
	}
	e.applyEvent(r, incident.Event{
		Type:  incident.EventToolResult,
		Actor: "executor",
		Cause: cause,
		Tool:  &outcome,
	})
	return nil
}

// verifyStep re-runs diagnosis against a probe carrying the executed
// actions' outputs. The incident resolves only when the probe diagnosis
// finds no remaining fault.
func (e *engine) verifyStep(r *runner) error {
	r.mu.Lock()
	sig := r.inc.Signal
	plan := r.inc.Plan
	prior := append([]string(nil), r.inc.PriorAttempts...)
	var results []incident.ToolResult
	for _, res := range r.inc.ToolResults {
		if plan != nil && res.PlanID == plan.ID {
			results = append(results, res)
		}
	}
	r.mu.Unlock()

	probe := verificationSignal(sig, results)
	diag, err := e.reasoner.Diagnose(r.ctx, probe, prior)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil
		}
		return e.applyReasoningFailure(r, "verification", err)
	}

	passed := diag.Category == incident.CauseNone
	var cause string
	if passed {
		cause = "verification clean: " + diag.Explanation
	} else {
		cause = fmt.Sprintf("verification still finds %s: %s", diag.Category, diag.Explanation)
	}
	e.applyEvent(r, incident.Event{
		Type:         incident.EventVerifyResult,
		Actor:        "reasoning",
		Cause:        cause,
		VerifyPassed: &passed,
	})
	return nil
}

// applyReasoningFailure turns an exhausted reasoning call into a TIMEOUT
// event. The machine abandons from the automatic states and routes
// through the rejection path from AWAITING_APPROVAL.
func (e *engine) applyReasoningFailure(r *runner, step string, cause error) error {
	e.logger.Warn("reasoning step gave up",
		zap.String("incident_id", r.id),
		zap.String("step", step),
		zap.Error(cause))
	e.applyEvent(r, incident.Event{
		Type:  incident.EventTimeout,
		Actor: "system",
		Cause: fmt.Sprintf("%s unavailable: %v", step, cause),
	})
	return nil
}

// ─────────────────────────── Helpers ───────────────────────────

// isSchemaRejection reports whether the executor refused to dispatch the
// action at all.
func isSchemaRejection(err error) bool {
	var vErr *tools.ValidationError
	var uErr *tools.UnknownToolError
	return errors.As(err, &vErr) || errors.As(err, &uErr)
}

func signalCause(sig incident.Signal) string {
	if sig.Host != "" {
		return fmt.Sprintf("%s signal from %s", sig.Severity, sig.Host)
	}
	return fmt.Sprintf("%s signal", sig.Severity)
}

func decisionCause(rec *incident.ApprovalRecord) string {
	var c string
	switch rec.Decision {
	case incident.DecisionApprove:
		c = "plan approved"
	case incident.DecisionReject:
		c = "plan rejected"
	case incident.DecisionModify:
		c = "plan replaced by " + rec.ModifiedPlan.ID
	}
	if rec.Note != "" {
		c += ": " + rec.Note
	}
	return c
}

// verificationSignal builds the probe for post-remediation diagnosis: the
// original signal plus each executed action's outcome.
func verificationSignal(orig incident.Signal, results []incident.ToolResult) incident.Signal {
	var b strings.Builder
	b.WriteString("post-remediation verification\n")
	b.WriteString("original signal: ")
	b.WriteString(orig.Text)
	b.WriteString("\nremediation evidence:\n")
	if len(results) == 0 {
		b.WriteString("- none\n")
	}
	for _, res := range results {
		status := "SUCCESS"
		detail := res.Output
		if !res.Success {
			status = "FAILED"
			detail = res.Error
		}
		fmt.Fprintf(&b, "- %s: %s: %s\n", res.Tool, status, truncate(detail, 500))
	}
	return incident.Signal{
		Text:       b.String(),
		Host:       orig.Host,
		Severity:   orig.Severity,
		ReceivedAt: time.Now().UTC(),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
