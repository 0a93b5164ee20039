package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/db"
	"github.com/ram677/ops-swarm/internal/incident"
	"github.com/ram677/ops-swarm/internal/metrics"
)

var (
	// ErrNoPending is returned when an incident has no open approval request.
	ErrNoPending = errors.New("no pending approval for incident")

	// ErrInvalidSubmission is returned for malformed operator submissions.
	ErrInvalidSubmission = errors.New("invalid approval submission")
)

const sweepOpTimeout = 5 * time.Second

// gate is the store-backed Gate implementation.
type gate struct {
	cfg    Config
	store  db.ApprovalStore
	logger *zap.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	onExpire func(Request)
}

// NewGate creates an approval gate backed by the given store.
func NewGate(cfg Config, store db.ApprovalStore, logger *zap.Logger) (Gate, error) {
	if store == nil {
		return nil, errors.New("approval store is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gate{cfg: cfg, store: store, logger: logger}, nil
}

// ─────────────────────────── Requests ───────────────────────────

func (g *gate) Request(ctx context.Context, incidentID, planID, reason string, escalationRequired bool) (*Request, error) {
	if incidentID == "" {
		return nil, errors.New("incident id is required")
	}
	if planID == "" {
		return nil, errors.New("plan id is required")
	}

	now := time.Now().UTC()
	req := &Request{
		ID:                 newApprovalID(),
		IncidentID:         incidentID,
		PlanID:             planID,
		Reason:             reason,
		EscalationRequired: escalationRequired,
		RequestedAt:        now,
	}
	// A zero timeout leaves the request open until an operator decides.
	if g.cfg.Timeout > 0 {
		req.ExpiresAt = now.Add(g.cfg.Timeout)
	}
	if err := g.store.SavePendingApproval(ctx, toPendingRecord(req)); err != nil {
		return nil, fmt.Errorf("failed to persist pending approval: %w", err)
	}

	metrics.ApprovalsPending.Inc()
	g.logger.Info("approval requested",
		zap.String("incident_id", incidentID),
		zap.String("plan_id", planID),
		zap.Bool("escalation_required", escalationRequired),
		zap.Time("expires_at", req.ExpiresAt))
	return req, nil
}

func (g *gate) Pending(ctx context.Context, incidentID string) (*Request, error) {
	rec, err := g.store.GetPendingApproval(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending approval: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return fromPendingRecord(rec), nil
}

func (g *gate) ListPending(ctx context.Context) ([]*Request, error) {
	recs, err := g.store.ListPendingApprovals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	reqs := make([]*Request, 0, len(recs))
	for _, rec := range recs {
		reqs = append(reqs, fromPendingRecord(rec))
	}
	return reqs, nil
}

// ─────────────────────────── Resolution ───────────────────────────

func (g *gate) Resolve(ctx context.Context, incidentID string, sub Submission) (*incident.ApprovalRecord, error) {
	if sub.Operator == "" {
		return nil, fmt.Errorf("%w: operator is required", ErrInvalidSubmission)
	}
	switch sub.Decision {
	case incident.DecisionApprove, incident.DecisionReject, incident.DecisionModify:
	default:
		return nil, fmt.Errorf("%w: unknown decision %q", ErrInvalidSubmission, sub.Decision)
	}
	if sub.Decision == incident.DecisionModify && sub.ModifiedPlan == nil {
		return nil, fmt.Errorf("%w: MODIFY requires a modified plan", ErrInvalidSubmission)
	}

	rec, err := g.store.GetPendingApproval(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending approval: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPending, incidentID)
	}
	pending := fromPendingRecord(rec)
	now := time.Now().UTC()

	effective := sub.Decision
	note := sub.Note
	if pending.EscalationRequired && sub.Decision == incident.DecisionApprove {
		if _, tokenErr := ValidateEscalationToken(g.cfg.EscalationSecret, sub.AuthToken); tokenErr != nil {
			effective = incident.DecisionReject
			note = fmt.Sprintf("escalated approval without a valid confirmation token (%v); recorded as rejection", tokenErr)
			g.logger.Warn("escalated approval downgraded to rejection",
				zap.String("incident_id", incidentID),
				zap.String("operator", sub.Operator),
				zap.Error(tokenErr))
		}
	}

	record := &incident.ApprovalRecord{
		ID:         newApprovalID(),
		IncidentID: incidentID,
		PlanID:     pending.PlanID,
		Operator:   sub.Operator,
		Decision:   effective,
		Note:       note,
		DecidedAt:  now,
	}
	if effective == incident.DecisionModify {
		mp := *sub.ModifiedPlan
		if mp.ID == "" {
			mp.ID = incident.NewPlanID()
		}
		mp.IncidentID = incidentID
		if mp.CreatedAt.IsZero() {
			mp.CreatedAt = now
		}
		if err := mp.Validate(); err != nil {
			return nil, fmt.Errorf("%w: modified plan: %v", ErrInvalidSubmission, err)
		}
		record.ModifiedPlan = &mp
	}

	if err := g.store.DeletePendingApproval(ctx, incidentID); err != nil {
		return nil, fmt.Errorf("failed to clear pending approval: %w", err)
	}

	metrics.ApprovalsPending.Dec()
	metrics.ApprovalsResolved.WithLabelValues(string(effective)).Inc()
	metrics.ApprovalWaitDuration.Observe(now.Sub(pending.RequestedAt).Seconds())
	g.logger.Info("approval resolved",
		zap.String("incident_id", incidentID),
		zap.String("plan_id", pending.PlanID),
		zap.String("operator", sub.Operator),
		zap.String("decision", string(effective)))
	return record, nil
}

func (g *gate) Withdraw(ctx context.Context, incidentID string) error {
	rec, err := g.store.GetPendingApproval(ctx, incidentID)
	if err != nil {
		return fmt.Errorf("failed to load pending approval: %w", err)
	}
	if rec == nil {
		return nil
	}
	if err := g.store.DeletePendingApproval(ctx, incidentID); err != nil {
		return fmt.Errorf("failed to withdraw pending approval: %w", err)
	}
	metrics.ApprovalsPending.Dec()
	g.logger.Info("approval request withdrawn",
		zap.String("incident_id", incidentID),
		zap.String("plan_id", rec.PlanID))
	return nil
}

// ─────────────────────────── Expiry sweep ───────────────────────────

func (g *gate) Start(onExpire func(Request)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopCh != nil {
		return
	}
	g.onExpire = onExpire
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})

	// Resync the gauge with whatever survived a restart.
	if pending, err := g.store.ListPendingApprovals(context.Background()); err == nil {
		metrics.ApprovalsPending.Set(float64(len(pending)))
	}

	go g.sweepLoop(g.stopCh, g.doneCh)
	g.logger.Info("approval sweep started",
		zap.Duration("interval", g.cfg.SweepInterval),
		zap.Duration("timeout", g.cfg.Timeout))
}

func (g *gate) Stop() {
	g.mu.Lock()
	if g.stopCh == nil {
		g.mu.Unlock()
		return
	}
	stop, done := g.stopCh, g.doneCh
	g.stopCh, g.doneCh = nil, nil
	g.mu.Unlock()

	close(stop)
	<-done
	g.logger.Info("approval sweep stopped")
}

func (g *gate) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *gate) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepOpTimeout)
	defer cancel()

	expired, err := g.store.ListExpiredApprovals(ctx, time.Now().UTC())
	if err != nil {
		g.logger.Error("approval sweep failed", zap.Error(err))
		return
	}
	for _, rec := range expired {
		if err := g.store.DeletePendingApproval(ctx, rec.IncidentID); err != nil {
			g.logger.Error("failed to expire pending approval",
				zap.String("incident_id", rec.IncidentID), zap.Error(err))
			continue
		}
		metrics.ApprovalsPending.Dec()
		metrics.ApprovalsResolved.WithLabelValues("TIMEOUT").Inc()
		metrics.ApprovalWaitDuration.Observe(time.Since(rec.RequestedAt).Seconds())
		g.logger.Warn("approval timed out",
			zap.String("incident_id", rec.IncidentID),
			zap.String("plan_id", rec.PlanID),
			zap.Time("requested_at", rec.RequestedAt))
		if g.onExpire != nil {
			g.onExpire(*fromPendingRecord(rec))
		}
	}
}

// ─────────────────────────── Mapping ───────────────────────────

func newApprovalID() string { return "apr-" + uuid.NewString() }

func toPendingRecord(r *Request) *db.PendingApprovalRecord {
	return &db.PendingApprovalRecord{
		ID:                 r.ID,
		IncidentID:         r.IncidentID,
		PlanID:             r.PlanID,
		Reason:             r.Reason,
		EscalationRequired: r.EscalationRequired,
		RequestedAt:        r.RequestedAt,
		ExpiresAt:          r.ExpiresAt,
	}
}

func fromPendingRecord(rec *db.PendingApprovalRecord) *Request {
	return &Request{
		ID:                 rec.ID,
		IncidentID:         rec.IncidentID,
		PlanID:             rec.PlanID,
		Reason:             rec.Reason,
		EscalationRequired: rec.EscalationRequired,
		RequestedAt:        rec.RequestedAt,
		ExpiresAt:          rec.ExpiresAt,
	}
}
