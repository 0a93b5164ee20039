package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// schema defines the tables for the orchestrator persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS incidents (
    id              TEXT PRIMARY KEY,
    state           TEXT NOT NULL DEFAULT 'NEW',
    outcome         TEXT NOT NULL DEFAULT '',
    severity        TEXT NOT NULL DEFAULT 'MEDIUM',
    signal          TEXT NOT NULL DEFAULT '{}',
    diagnosis       TEXT NOT NULL DEFAULT '{}',
    verdict         TEXT NOT NULL DEFAULT '{}',
    current_plan_id TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    exec_cursor     INTEGER NOT NULL DEFAULT 0,
    retry_requires_confirmation INTEGER NOT NULL DEFAULT 0,
    prior_attempts  TEXT NOT NULL DEFAULT '[]',
    created_at      DATETIME NOT NULL,
    updated_at      DATETIME NOT NULL,
    closed_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_incidents_state ON incidents(state);
CREATE INDEX IF NOT EXISTS idx_incidents_created_at ON incidents(created_at DESC);

CREATE TABLE IF NOT EXISTS incident_transitions (
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    event       TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT 'system',
    cause       TEXT NOT NULL DEFAULT '',
    at          DATETIME NOT NULL,
    PRIMARY KEY (incident_id, seq)
);

CREATE TABLE IF NOT EXISTS audit_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    correlation_id  TEXT NOT NULL DEFAULT '',
    event_type      TEXT NOT NULL,
    description     TEXT NOT NULL DEFAULT '',
    resource        TEXT NOT NULL DEFAULT '',
    action          TEXT NOT NULL DEFAULT '',
    result          TEXT NOT NULL DEFAULT '',
    user_id         TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}',
    timestamp       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_correlation ON audit_events(correlation_id);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events(resource);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
`,
	},
	// Migration 2: plans + policy_verdicts
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS plans (
    id          TEXT PRIMARY KEY,
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    attempt     INTEGER NOT NULL DEFAULT 1,
    actions     TEXT NOT NULL DEFAULT '[]',
    created_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_plans_incident ON plans(incident_id);

CREATE TABLE IF NOT EXISTS policy_verdicts (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id   TEXT NOT NULL,
    plan_id       TEXT NOT NULL,
    verdict       TEXT NOT NULL CHECK(verdict IN ('ALLOW', 'DENY', 'ESCALATE')),
    matched_rule  TEXT NOT NULL DEFAULT '',
    similarity    REAL NOT NULL DEFAULT 0.0,
    rationale     TEXT NOT NULL DEFAULT '',
    rules_version TEXT NOT NULL DEFAULT '',
    evaluated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_verdicts_incident ON policy_verdicts(incident_id, evaluated_at ASC);
CREATE INDEX IF NOT EXISTS idx_policy_verdicts_plan ON policy_verdicts(plan_id);
`,
	},
	// Migration 3: approvals + pending_approvals
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS approvals (
    id            TEXT PRIMARY KEY,
    incident_id   TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    plan_id       TEXT NOT NULL,
    operator      TEXT NOT NULL,
    decision      TEXT NOT NULL CHECK(decision IN ('APPROVE', 'REJECT', 'MODIFY')),
    modified_plan TEXT NOT NULL DEFAULT '',
    note          TEXT NOT NULL DEFAULT '',
    decided_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_incident ON approvals(incident_id, decided_at ASC);

CREATE TABLE IF NOT EXISTS pending_approvals (
    id                  TEXT PRIMARY KEY,
    incident_id         TEXT NOT NULL UNIQUE,
    plan_id             TEXT NOT NULL,
    reason              TEXT NOT NULL DEFAULT '',
    escalation_required INTEGER NOT NULL DEFAULT 0,
    requested_at        DATETIME NOT NULL,
    expires_at          DATETIME
);
CREATE INDEX IF NOT EXISTS idx_pending_approvals_expires ON pending_approvals(expires_at);
`,
	},
	// Migration 4: tool_results
	{
		version: 4,
		sql: `
CREATE TABLE IF NOT EXISTS tool_results (
    incident_id  TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    ordinal      INTEGER NOT NULL,
    plan_id      TEXT NOT NULL,
    action_index INTEGER NOT NULL DEFAULT 0,
    tool         TEXT NOT NULL,
    success      INTEGER NOT NULL DEFAULT 0,
    output       TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    timed_out    INTEGER NOT NULL DEFAULT 0,
    attempt      INTEGER NOT NULL DEFAULT 1,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    started_at   DATETIME NOT NULL,
    PRIMARY KEY (incident_id, ordinal)
);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Incidents ───────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveIncident(ctx context.Context, rec *IncidentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var closedAt interface{}
	if rec.ClosedAt != nil {
		closedAt = rec.ClosedAt.UTC()
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO incidents(id, state, outcome, severity, signal, diagnosis, verdict, current_plan_id,
                              retry_count, exec_cursor, retry_requires_confirmation, prior_attempts,
                              created_at, updated_at, closed_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            state           = excluded.state,
            outcome         = excluded.outcome,
            diagnosis       = excluded.diagnosis,
            verdict         = excluded.verdict,
            current_plan_id = excluded.current_plan_id,
            retry_count     = excluded.retry_count,
            exec_cursor     = excluded.exec_cursor,
            retry_requires_confirmation = excluded.retry_requires_confirmation,
            prior_attempts  = excluded.prior_attempts,
            updated_at      = excluded.updated_at,
            closed_at       = excluded.closed_at
    `,
		rec.ID, rec.State, rec.Outcome, rec.Severity, rec.Signal, rec.Diagnosis,
		rec.Verdict, rec.CurrentPlanID, rec.RetryCount, rec.ExecCursor,
		rec.RetryRequiresConfirmation, rec.PriorAttempts,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(), closedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert incident: %w", err)
	}

	// transitions are append-only: existing (incident_id, seq) rows stay as written
	for _, tr := range rec.Transitions {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO incident_transitions(incident_id, seq, from_state, to_state, event, actor, cause, at)
            VALUES(?,?,?,?,?,?,?,?)
            ON CONFLICT(incident_id, seq) DO NOTHING
        `, rec.ID, tr.Seq, tr.From, tr.To, tr.Event, tr.Actor, tr.Cause, tr.At.UTC())
		if err != nil {
			return fmt.Errorf("insert transition %d: %w", tr.Seq, err)
		}
	}

	// plans are immutable once written
	for _, p := range rec.Plans {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO plans(id, incident_id, attempt, actions, created_at)
            VALUES(?,?,?,?,?)
            ON CONFLICT(id) DO NOTHING
        `, p.ID, rec.ID, p.Attempt, p.Actions, p.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert plan %s: %w", p.ID, err)
		}
	}

	// approval decisions
	for _, d := range rec.Decisions {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO approvals(id, incident_id, plan_id, operator, decision, modified_plan, note, decided_at)
            VALUES(?,?,?,?,?,?,?,?)
            ON CONFLICT(id) DO NOTHING
        `, d.ID, rec.ID, d.PlanID, d.Operator, d.Decision, d.ModifiedPlan, d.Note, d.DecidedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert decision %s: %w", d.ID, err)
		}
	}

	// tool results
	for _, tr := range rec.ToolResults {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO tool_results(incident_id, ordinal, plan_id, action_index, tool, success, output, error, timed_out, attempt, duration_ms, started_at)
            VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
            ON CONFLICT(incident_id, ordinal) DO NOTHING
        `, rec.ID, tr.Ordinal, tr.PlanID, tr.ActionIndex, tr.Tool, tr.Success,
			tr.Output, tr.Error, tr.TimedOut, tr.Attempt, tr.DurationMS, tr.StartedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert tool result %d: %w", tr.Ordinal, err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetIncident(ctx context.Context, id string) (*IncidentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, state, outcome, severity, signal, diagnosis, verdict, current_plan_id,
               retry_count, exec_cursor, retry_requires_confirmation, prior_attempts,
               created_at, updated_at, closed_at
        FROM incidents WHERE id=?`, id)
	rec, err := scanIncident(row)
	if err != nil {
		return nil, err
	}

	// transitions
	trRows, err := s.db.QueryContext(ctx,
		`SELECT seq, from_state, to_state, event, actor, cause, at FROM incident_transitions WHERE incident_id=? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer trRows.Close()
	for trRows.Next() {
		var tr TransitionRecord
		var ts string
		tr.IncidentID = id
		if err := trRows.Scan(&tr.Seq, &tr.From, &tr.To, &tr.Event, &tr.Actor, &tr.Cause, &ts); err != nil {
			return nil, err
		}
		tr.At, _ = parseTime(ts)
		rec.Transitions = append(rec.Transitions, tr)
	}
	if err := trRows.Err(); err != nil {
		return nil, err
	}

	// plans
	pRows, err := s.db.QueryContext(ctx,
		`SELECT id, attempt, actions, created_at FROM plans WHERE incident_id=? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer pRows.Close()
	for pRows.Next() {
		var p PlanRecord
		var ts string
		p.IncidentID = id
		if err := pRows.Scan(&p.ID, &p.Attempt, &p.Actions, &ts); err != nil {
			return nil, err
		}
		p.CreatedAt, _ = parseTime(ts)
		rec.Plans = append(rec.Plans, p)
	}
	if err := pRows.Err(); err != nil {
		return nil, err
	}

	// approval decisions
	dRows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, operator, decision, modified_plan, note, decided_at FROM approvals WHERE incident_id=? ORDER BY decided_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer dRows.Close()
	for dRows.Next() {
		var d DecisionRecord
		var ts string
		d.IncidentID = id
		if err := dRows.Scan(&d.ID, &d.PlanID, &d.Operator, &d.Decision, &d.ModifiedPlan, &d.Note, &ts); err != nil {
			return nil, err
		}
		d.DecidedAt, _ = parseTime(ts)
		rec.Decisions = append(rec.Decisions, d)
	}
	if err := dRows.Err(); err != nil {
		return nil, err
	}

	// tool results
	tRows, err := s.db.QueryContext(ctx,
		`SELECT ordinal, plan_id, action_index, tool, success, output, error, timed_out, attempt, duration_ms, started_at FROM tool_results WHERE incident_id=? ORDER BY ordinal ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query tool results: %w", err)
	}
	defer tRows.Close()
	for tRows.Next() {
		var r ToolResultRecord
		var ts string
		r.IncidentID = id
		if err := tRows.Scan(&r.Ordinal, &r.PlanID, &r.ActionIndex, &r.Tool, &r.Success,
			&r.Output, &r.Error, &r.TimedOut, &r.Attempt, &r.DurationMS, &ts); err != nil {
			return nil, err
		}
		r.StartedAt, _ = parseTime(ts)
		rec.ToolResults = append(rec.ToolResults, r)
	}
	if err := tRows.Err(); err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *sqliteStore) ListIncidents(ctx context.Context, state string, limit, offset int) ([]*IncidentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
        SELECT id, state, outcome, severity, signal, diagnosis, verdict, current_plan_id,
               retry_count, exec_cursor, retry_requires_confirmation, prior_attempts,
               created_at, updated_at, closed_at
        FROM incidents`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*IncidentRecord
	for rows.Next() {
		rec, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) ListOpenIncidents(ctx context.Context) ([]*IncidentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM incidents WHERE state NOT IN ('RESOLVED', 'BLOCKED', 'ABANDONED') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var result []*IncidentRecord
	for _, id := range ids {
		rec, err := s.GetIncident(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load open incident %s: %w", id, err)
		}
		result = append(result, rec)
	}
	return result, nil
}

func (s *sqliteStore) DeleteIncident(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// policy_verdicts and pending_approvals carry no FK to incidents
	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_verdicts WHERE incident_id=?`, id); err != nil {
		return fmt.Errorf("delete verdicts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_approvals WHERE incident_id=?`, id); err != nil {
		return fmt.Errorf("delete pending approvals: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM incidents WHERE id=?`, id); err != nil {
		return fmt.Errorf("delete incident: %w", err)
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (*IncidentRecord, error) {
	rec := &IncidentRecord{}
	var createdAt, updatedAt string
	var closedAt sql.NullString
	err := row.Scan(&rec.ID, &rec.State, &rec.Outcome, &rec.Severity, &rec.Signal,
		&rec.Diagnosis, &rec.Verdict, &rec.CurrentPlanID, &rec.RetryCount,
		&rec.ExecCursor, &rec.RetryRequiresConfirmation, &rec.PriorAttempts,
		&createdAt, &updatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	if closedAt.Valid && closedAt.String != "" {
		t, err := parseTime(closedAt.String)
		if err == nil {
			rec.ClosedAt = &t
		}
	}
	return rec, nil
}

// ─── Audit events ─────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendAuditEvent(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events(correlation_id, event_type, description, resource, action, result, user_id, metadata, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?)
    `,
		rec.CorrelationID, rec.EventType, rec.Description, rec.Resource, rec.Action,
		rec.Result, rec.UserID, rec.Metadata, rec.Timestamp.UTC(),
	)
	return err
}

func (s *sqliteStore) QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error) {
	query := `SELECT id,correlation_id,event_type,description,resource,action,result,user_id,metadata,timestamp FROM audit_events WHERE 1=1`
	args := []any{}

	if q.CorrelationID != "" {
		query += ` AND correlation_id = ?`
		args = append(args, q.CorrelationID)
	}
	if q.Resource != "" {
		query += ` AND resource = ?`
		args = append(args, q.Resource)
	}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.CorrelationID, &rec.EventType, &rec.Description,
			&rec.Resource, &rec.Action, &rec.Result, &rec.UserID, &rec.Metadata, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
