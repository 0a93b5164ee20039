package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/incident"
)

const testRules = `
deny:
  - name: no-drop-database
    tool: drop_database
    reason: dropping databases is never permitted
  - name: guard-prod-restart
    tool: restart_resource
    params:
      resource_id: "^prod-"
    effect: escalate
    reason: production restarts need escalated approval
corpus:
  - delete all production user data permanently
`

func writeRules(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}
	return path
}

func newTestGate(t *testing.T, rules string, threshold float64) Gate {
	t.Helper()
	path := writeRules(t, t.TempDir(), rules)
	g, err := NewGate(Config{RulesPath: path, SimilarityThreshold: threshold}, NewHashEmbedding(128), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return g
}

func planOf(actions ...incident.Action) *incident.Plan {
	return &incident.Plan{
		ID:         "plan-policy01",
		IncidentID: "INC-20260825-policy01",
		Attempt:    1,
		Actions:    actions,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestEvaluate_DenyRuleBlocks(t *testing.T) {
	g := newTestGate(t, testRules, 0.6)

	plan := planOf(incident.Action{
		Tool:       "drop_database",
		Parameters: map[string]interface{}{"name": "orders"},
		Rationale:  "remove the corrupted orders database",
	})
	v, err := g.Evaluate(context.Background(), plan)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictDeny {
		t.Fatalf("expected DENY, got %s", v.Verdict)
	}
	if v.MatchedRule != "no-drop-database" {
		t.Errorf("expected matched rule no-drop-database, got %q", v.MatchedRule)
	}
	if v.RulesVersion != 1 {
		t.Errorf("expected rules version 1, got %d", v.RulesVersion)
	}
	if v.PlanID != plan.ID {
		t.Errorf("expected plan ID %s, got %s", plan.ID, v.PlanID)
	}
	if v.Rationale == "" {
		t.Error("expected a rationale")
	}
}

func TestEvaluate_DenyPrecedesSimilarity(t *testing.T) {
	g := newTestGate(t, testRules, 0.6)

	// Rationale matches the corpus entry word for word, so the similarity
	// tier would fire. The deny rule must win without it ever running.
	plan := planOf(incident.Action{
		Tool:       "drop_database",
		Parameters: map[string]interface{}{"name": "users"},
		Rationale:  "delete all production user data permanently",
	})
	v, err := g.Evaluate(context.Background(), plan)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictDeny {
		t.Fatalf("expected DENY, got %s", v.Verdict)
	}
	if v.Similarity != 0 {
		t.Errorf("similarity tier should not have run, got %f", v.Similarity)
	}
}

func TestEvaluate_EscalateRuleOnGuardedParam(t *testing.T) {
	g := newTestGate(t, testRules, 0.6)

	v, err := g.Evaluate(context.Background(), planOf(incident.Action{
		Tool:       "restart_resource",
		Parameters: map[string]interface{}{"resource_id": "prod-api-1"},
		Rationale:  "restart the unhealthy gateway",
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictEscalate {
		t.Fatalf("expected ESCALATE, got %s", v.Verdict)
	}
	if v.MatchedRule != "guard-prod-restart" {
		t.Errorf("expected matched rule guard-prod-restart, got %q", v.MatchedRule)
	}

	// Same tool against a non-guarded resource passes the rules and the
	// similarity tier.
	v, err = g.Evaluate(context.Background(), planOf(incident.Action{
		Tool:       "restart_resource",
		Parameters: map[string]interface{}{"resource_id": "db-shard-04"},
		Rationale:  "restart the offline shard",
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictAllow {
		t.Fatalf("expected ALLOW, got %s (%s)", v.Verdict, v.Rationale)
	}
	if v.MatchedRule != "" {
		t.Errorf("expected no matched rule, got %q", v.MatchedRule)
	}
}

func TestEvaluate_DenyBeatsEscalateAcrossActions(t *testing.T) {
	g := newTestGate(t, testRules, 0.6)

	// The escalate rule matches the first action, the deny rule the second.
	// Deny-effect rules are checked across the whole plan first.
	plan := planOf(
		incident.Action{
			Tool:       "restart_resource",
			Parameters: map[string]interface{}{"resource_id": "prod-api-1"},
			Rationale:  "restart the gateway",
		},
		incident.Action{
			Tool:       "drop_database",
			Parameters: map[string]interface{}{"name": "orders"},
			Rationale:  "drop the corrupted table space",
		},
	)
	v, err := g.Evaluate(context.Background(), plan)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictDeny {
		t.Fatalf("expected DENY, got %s", v.Verdict)
	}
	if v.MatchedRule != "no-drop-database" {
		t.Errorf("expected no-drop-database, got %q", v.MatchedRule)
	}
}

func TestEvaluate_SimilarIntentEscalates(t *testing.T) {
	g := newTestGate(t, testRules, 0.6)

	v, err := g.Evaluate(context.Background(), planOf(incident.Action{
		Tool:       "fetch_service_logs",
		Parameters: map[string]interface{}{},
		Rationale:  "delete all production user data permanently",
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictEscalate {
		t.Fatalf("expected ESCALATE, got %s (%s)", v.Verdict, v.Rationale)
	}
	if v.Similarity < 0.6 {
		t.Errorf("expected similarity at or above threshold, got %f", v.Similarity)
	}
	if v.MatchedRule != "" {
		t.Errorf("similarity escalation should not name a rule, got %q", v.MatchedRule)
	}
}

func TestEvaluate_IdenticalIntentEscalatesAtHighThreshold(t *testing.T) {
	action := incident.Action{
		Tool:       "scale_resource",
		Parameters: map[string]interface{}{"resource_id": "prod-db-1"},
		Rationale:  "wipe every replica of the primary store",
	}
	rules := fmt.Sprintf("corpus:\n  - %q\n", action.Summary())
	g := newTestGate(t, rules, 0.95)

	v, err := g.Evaluate(context.Background(), planOf(action))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictEscalate {
		t.Fatalf("expected ESCALATE for identical intent, got %s (similarity %f)", v.Verdict, v.Similarity)
	}
	if v.Similarity < 0.95 {
		t.Errorf("expected similarity at or above 0.95, got %f", v.Similarity)
	}
}

func TestEvaluate_AllowBelowThreshold(t *testing.T) {
	g := newTestGate(t, testRules, 0.6)

	v, err := g.Evaluate(context.Background(), planOf(incident.Action{
		Tool:       "check_db_status",
		Parameters: map[string]interface{}{"shard_id": "db-shard-04"},
		Rationale:  "confirm the shard recovered",
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictAllow {
		t.Fatalf("expected ALLOW, got %s", v.Verdict)
	}
	if v.Similarity >= 0.6 {
		t.Errorf("expected similarity below threshold, got %f", v.Similarity)
	}
	if v.Rationale == "" {
		t.Error("expected a rationale on ALLOW")
	}
}

func TestEvaluate_EmptyCorpusAllows(t *testing.T) {
	rules := `
deny:
  - name: no-drop-database
    tool: drop_database
    reason: never
`
	g := newTestGate(t, rules, 0.6)

	v, err := g.Evaluate(context.Background(), planOf(incident.Action{
		Tool:       "restart_resource",
		Parameters: map[string]interface{}{"resource_id": "db-shard-04"},
		Rationale:  "restart",
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictAllow {
		t.Fatalf("expected ALLOW with empty corpus, got %s", v.Verdict)
	}
}

func TestEvaluate_EmbedderFailureFailsClosed(t *testing.T) {
	path := writeRules(t, t.TempDir(), "corpus:\n  - known dangerous\n")
	embed := func(_ context.Context, text string) ([]float32, error) {
		if text == "known dangerous" {
			return []float32{1, 0}, nil
		}
		return nil, errors.New("embedding backend down")
	}
	g, err := NewGate(Config{RulesPath: path, SimilarityThreshold: 0.6}, embed, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	v, err := g.Evaluate(context.Background(), planOf(incident.Action{
		Tool:       "restart_resource",
		Parameters: map[string]interface{}{"resource_id": "db-shard-04"},
		Rationale:  "restart the offline shard",
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictEscalate {
		t.Fatalf("expected fail-closed ESCALATE, got %s", v.Verdict)
	}
}

func TestReload_SwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, "deny: []\n")
	g, err := NewGate(Config{RulesPath: path, SimilarityThreshold: 0.6}, NewHashEmbedding(128), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	plan := planOf(incident.Action{
		Tool:       "drop_database",
		Parameters: map[string]interface{}{"name": "orders"},
		Rationale:  "remove it",
	})
	v, err := g.Evaluate(context.Background(), plan)
	if err != nil {
		t.Fatalf("Evaluate v1: %v", err)
	}
	if v.Verdict != incident.VerdictAllow {
		t.Fatalf("expected ALLOW under empty rules, got %s", v.Verdict)
	}

	writeRules(t, dir, testRules)
	if err := g.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	v, err = g.Evaluate(context.Background(), plan)
	if err != nil {
		t.Fatalf("Evaluate v2: %v", err)
	}
	if v.Verdict != incident.VerdictDeny {
		t.Fatalf("expected DENY after reload, got %s", v.Verdict)
	}
	if v.RulesVersion != 2 {
		t.Errorf("expected rules version 2, got %d", v.RulesVersion)
	}
}

func TestReload_BadFileKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeRules(t, dir, testRules)
	g, err := NewGate(Config{RulesPath: path, SimilarityThreshold: 0.6}, NewHashEmbedding(128), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}

	writeRules(t, dir, "deny:\n  - name: broken\n    tool: \"((\"\n")
	if err := g.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error for invalid pattern")
	}

	// Previous snapshot still serves.
	v, err := g.Evaluate(context.Background(), planOf(incident.Action{
		Tool:       "drop_database",
		Parameters: map[string]interface{}{"name": "orders"},
		Rationale:  "remove it",
	}))
	if err != nil {
		t.Fatalf("Evaluate after failed reload: %v", err)
	}
	if v.Verdict != incident.VerdictDeny {
		t.Errorf("expected DENY from previous snapshot, got %s", v.Verdict)
	}
	if got := g.Rules().Version; got != 1 {
		t.Errorf("expected version 1 after failed reload, got %d", got)
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	g, err := NewGate(Config{
		RulesPath:           filepath.Join(t.TempDir(), "missing.yaml"),
		SimilarityThreshold: 0.6,
	}, NewHashEmbedding(128), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if err := g.Load(context.Background()); err == nil {
		t.Fatal("expected error for missing rules file")
	}
}

func TestEvaluate_BeforeLoadFails(t *testing.T) {
	path := writeRules(t, t.TempDir(), testRules)
	g, err := NewGate(Config{RulesPath: path, SimilarityThreshold: 0.6}, NewHashEmbedding(128), zap.NewNop())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	_, err = g.Evaluate(context.Background(), planOf(incident.Action{Tool: "check_db_status"}))
	if !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}

func TestEvaluate_ToolPatternIsAnchored(t *testing.T) {
	rules := `
deny:
  - name: partial-name
    tool: restart
    reason: should only match the exact tool name
`
	g := newTestGate(t, rules, 0.6)

	v, err := g.Evaluate(context.Background(), planOf(incident.Action{
		Tool:       "restart_resource",
		Parameters: map[string]interface{}{"resource_id": "db-shard-04"},
		Rationale:  "restart",
	}))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v.Verdict != incident.VerdictAllow {
		t.Fatalf("pattern should not match a longer tool name, got %s", v.Verdict)
	}
}

func TestRulesInfo(t *testing.T) {
	g := newTestGate(t, testRules, 0.6)

	info := g.Rules()
	if info.Version != 1 {
		t.Errorf("expected version 1, got %d", info.Version)
	}
	if len(info.DenyRules) != 2 {
		t.Errorf("expected 2 deny rules, got %d", len(info.DenyRules))
	}
	if info.CorpusSize != 1 {
		t.Errorf("expected corpus size 1, got %d", info.CorpusSize)
	}
	if info.Threshold != 0.6 {
		t.Errorf("expected threshold 0.6, got %f", info.Threshold)
	}
	if info.LoadedAt.IsZero() {
		t.Error("expected LoadedAt to be set")
	}
	// Defaulted effect is materialized in the snapshot
	if info.DenyRules[0].Effect != EffectDeny {
		t.Errorf("expected defaulted effect deny, got %s", info.DenyRules[0].Effect)
	}
}
