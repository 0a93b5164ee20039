package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ─── Pending approvals ───────────────────────────────────────────────────────

func (s *sqliteStore) SavePendingApproval(ctx context.Context, rec *PendingApprovalRecord) error {
	// A zero ExpiresAt means the request never times out; store NULL so the
	// expiry query skips it.
	var expiresAt any
	if !rec.ExpiresAt.IsZero() {
		expiresAt = rec.ExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO pending_approvals(id, incident_id, plan_id, reason, escalation_required, requested_at, expires_at)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(incident_id) DO UPDATE SET
            id                  = excluded.id,
            plan_id             = excluded.plan_id,
            reason              = excluded.reason,
            escalation_required = excluded.escalation_required,
            requested_at        = excluded.requested_at,
            expires_at          = excluded.expires_at
    `,
		rec.ID, rec.IncidentID, rec.PlanID, rec.Reason, rec.EscalationRequired,
		rec.RequestedAt.UTC(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("save pending approval: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetPendingApproval(ctx context.Context, incidentID string) (*PendingApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, incident_id, plan_id, reason, escalation_required, requested_at, expires_at
        FROM pending_approvals WHERE incident_id=?`, incidentID)
	rec, err := scanPendingApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *sqliteStore) ListPendingApprovals(ctx context.Context) ([]*PendingApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, incident_id, plan_id, reason, escalation_required, requested_at, expires_at
        FROM pending_approvals ORDER BY requested_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPendingApprovals(rows)
}

func (s *sqliteStore) ListExpiredApprovals(ctx context.Context, now time.Time) ([]*PendingApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, incident_id, plan_id, reason, escalation_required, requested_at, expires_at
        FROM pending_approvals
        WHERE expires_at IS NOT NULL AND expires_at <= ?
        ORDER BY expires_at ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPendingApprovals(rows)
}

func collectPendingApprovals(rows *sql.Rows) ([]*PendingApprovalRecord, error) {
	var result []*PendingApprovalRecord
	for rows.Next() {
		rec, err := scanPendingApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanPendingApproval(row rowScanner) (*PendingApprovalRecord, error) {
	rec := &PendingApprovalRecord{}
	var requestedAt string
	var expiresAt sql.NullString
	err := row.Scan(&rec.ID, &rec.IncidentID, &rec.PlanID, &rec.Reason,
		&rec.EscalationRequired, &requestedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	rec.RequestedAt, _ = parseTime(requestedAt)
	if expiresAt.Valid {
		rec.ExpiresAt, _ = parseTime(expiresAt.String)
	}
	return rec, nil
}

func (s *sqliteStore) DeletePendingApproval(ctx context.Context, incidentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_approvals WHERE incident_id=?`, incidentID)
	return err
}
