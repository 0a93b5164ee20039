package db

import (
	"context"
	"fmt"
)

// ─── Policy verdicts ─────────────────────────────────────────────────────────

func (s *sqliteStore) AppendPolicyVerdict(ctx context.Context, rec *PolicyVerdictRecord) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO policy_verdicts(incident_id, plan_id, verdict, matched_rule, similarity, rationale, rules_version, evaluated_at)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		rec.IncidentID, rec.PlanID, rec.Verdict, rec.MatchedRule, rec.Similarity,
		rec.Rationale, rec.RulesVersion, rec.EvaluatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append policy verdict: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *sqliteStore) ListPolicyVerdicts(ctx context.Context, incidentID string) ([]*PolicyVerdictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, incident_id, plan_id, verdict, matched_rule, similarity, rationale, rules_version, evaluated_at
        FROM policy_verdicts WHERE incident_id=? ORDER BY evaluated_at ASC, id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PolicyVerdictRecord
	for rows.Next() {
		rec := &PolicyVerdictRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.IncidentID, &rec.PlanID, &rec.Verdict,
			&rec.MatchedRule, &rec.Similarity, &rec.Rationale, &rec.RulesVersion, &ts); err != nil {
			return nil, err
		}
		rec.EvaluatedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}
