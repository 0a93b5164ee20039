package policy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/incident"
	"github.com/ram677/ops-swarm/internal/metrics"
)

// ErrNotLoaded is returned by Evaluate before the first successful Load.
var ErrNotLoaded = errors.New("policy rules not loaded")

// compiledRule is a DenyRule with its regular expressions compiled.
type compiledRule struct {
	DenyRule
	tool   *regexp.Regexp
	params map[string]*regexp.Regexp
}

func (r *compiledRule) matches(a incident.Action) bool {
	if !r.tool.MatchString(a.Tool) {
		return false
	}
	for name, re := range r.params {
		raw, ok := a.Parameters[name]
		if !ok {
			return false
		}
		if !re.MatchString(fmt.Sprintf("%v", raw)) {
			return false
		}
	}
	return true
}

// snapshot is one immutable load of the rules file. Evaluations capture the
// pointer once and never see a mix of two versions.
type snapshot struct {
	version    int
	rules      []compiledRule
	corpusSize int
	collection *chromem.Collection
	loadedAt   time.Time
}

type gate struct {
	cfg    Config
	embed  chromem.EmbeddingFunc
	logger *zap.Logger
	v      *viper.Viper

	mu   sync.RWMutex
	snap *snapshot

	reloadMu sync.Mutex
}

// NewGate builds a Policy Gate over the given rules file. The embedding
// function powers the similarity tier; use NewHashEmbedding in dev and test.
func NewGate(cfg Config, embed chromem.EmbeddingFunc, logger *zap.Logger) (Gate, error) {
	if cfg.RulesPath == "" {
		return nil, errors.New("policy rules path is required")
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("similarity threshold %v outside (0, 1]", cfg.SimilarityThreshold)
	}
	if embed == nil {
		return nil, errors.New("embedding function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	v.SetConfigFile(cfg.RulesPath)
	v.SetConfigType("yaml")

	return &gate{
		cfg:    cfg,
		embed:  embed,
		logger: logger,
		v:      v,
	}, nil
}

func (g *gate) snapshot() *snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap
}

func (g *gate) Evaluate(ctx context.Context, plan *incident.Plan) (*incident.PolicyVerdict, error) {
	if plan == nil {
		return nil, errors.New("plan is nil")
	}
	snap := g.snapshot()
	if snap == nil {
		return nil, ErrNotLoaded
	}

	verdict := g.evaluate(ctx, snap, plan)

	metrics.PolicyEvaluations.WithLabelValues(string(verdict.Verdict)).Inc()
	if verdict.Verdict == incident.VerdictDeny {
		metrics.PolicyDenied.WithLabelValues(verdict.MatchedRule).Inc()
	}
	g.logger.Info("policy verdict",
		zap.String("plan_id", plan.ID),
		zap.String("verdict", string(verdict.Verdict)),
		zap.String("matched_rule", verdict.MatchedRule),
		zap.Float64("similarity", verdict.Similarity),
		zap.Int("rules_version", verdict.RulesVersion),
	)
	return verdict, nil
}

func (g *gate) evaluate(ctx context.Context, snap *snapshot, plan *incident.Plan) *incident.PolicyVerdict {
	verdict := &incident.PolicyVerdict{
		PlanID:       plan.ID,
		RulesVersion: snap.version,
		EvaluatedAt:  time.Now().UTC(),
	}

	// Tier 1: deterministic rules. A deny match wins over everything,
	// including an escalate rule matching another action of the same plan.
	for _, effect := range []Effect{EffectDeny, EffectEscalate} {
		for _, action := range plan.Actions {
			for i := range snap.rules {
				rule := &snap.rules[i]
				if rule.Effect != effect || !rule.matches(action) {
					continue
				}
				verdict.MatchedRule = rule.Name
				if effect == EffectDeny {
					verdict.Verdict = incident.VerdictDeny
					verdict.Rationale = fmt.Sprintf("action %q matches deny rule %q: %s", action.Tool, rule.Name, rule.Reason)
				} else {
					verdict.Verdict = incident.VerdictEscalate
					verdict.Rationale = fmt.Sprintf("action %q matches escalation rule %q: %s", action.Tool, rule.Name, rule.Reason)
				}
				return verdict
			}
		}
	}

	// Tier 2: semantic similarity against the dangerous-intent corpus.
	sim, matched, err := g.maxSimilarity(ctx, snap, plan)
	if err != nil {
		// Fail closed: an uncheckable plan goes to a human.
		verdict.Verdict = incident.VerdictEscalate
		verdict.Rationale = fmt.Sprintf("similarity check unavailable (%v); escalating to human review", err)
		return verdict
	}
	verdict.Similarity = sim

	if snap.corpusSize > 0 && sim >= g.cfg.SimilarityThreshold {
		verdict.Verdict = incident.VerdictEscalate
		verdict.Rationale = fmt.Sprintf("plan intent is %.2f similar to guarded intent %q (threshold %.2f)",
			sim, matched, g.cfg.SimilarityThreshold)
		return verdict
	}

	verdict.Verdict = incident.VerdictAllow
	if snap.corpusSize == 0 {
		verdict.Rationale = "no deny rule matched; intent corpus is empty"
	} else {
		verdict.Rationale = fmt.Sprintf("no deny rule matched; max intent similarity %.2f below threshold %.2f",
			sim, g.cfg.SimilarityThreshold)
	}
	return verdict
}

// maxSimilarity queries every action summary against the corpus and returns
// the highest similarity with the matched corpus entry.
func (g *gate) maxSimilarity(ctx context.Context, snap *snapshot, plan *incident.Plan) (float64, string, error) {
	if snap.collection == nil || snap.collection.Count() == 0 {
		return 0, "", nil
	}
	var (
		best    float64
		matched string
	)
	for _, action := range plan.Actions {
		results, err := snap.collection.Query(ctx, action.Summary(), 1, nil, nil)
		if err != nil {
			return 0, "", fmt.Errorf("query intent corpus: %w", err)
		}
		for _, r := range results {
			if sim := float64(r.Similarity); sim > best {
				best = sim
				matched = r.Content
			}
		}
	}
	return best, matched, nil
}

func (g *gate) Rules() RulesInfo {
	snap := g.snapshot()
	info := RulesInfo{Threshold: g.cfg.SimilarityThreshold}
	if snap == nil {
		return info
	}
	info.Version = snap.version
	info.CorpusSize = snap.corpusSize
	info.LoadedAt = snap.loadedAt
	info.DenyRules = make([]DenyRule, len(snap.rules))
	for i, r := range snap.rules {
		info.DenyRules[i] = r.DenyRule
	}
	return info
}
