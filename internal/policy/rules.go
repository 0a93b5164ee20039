package policy

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"time"

	"github.com/fsnotify/fsnotify"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/metrics"
)

// ruleFile is the on-disk shape of the rules file.
type ruleFile struct {
	Deny   []DenyRule `mapstructure:"deny"`
	Corpus []string   `mapstructure:"corpus"`
}

func (g *gate) Load(ctx context.Context) error { return g.Reload(ctx) }

func (g *gate) Reload(ctx context.Context) error {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	if err := g.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read policy rules %q: %w", g.cfg.RulesPath, err)
	}
	var rf ruleFile
	if err := g.v.Unmarshal(&rf); err != nil {
		return fmt.Errorf("parse policy rules: %w", err)
	}

	snap, err := g.buildSnapshot(ctx, rf)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.snap != nil {
		snap.version = g.snap.version + 1
	} else {
		snap.version = 1
	}
	g.snap = snap
	g.mu.Unlock()

	metrics.PolicyRulesReloads.Inc()
	g.logger.Info("policy rules loaded",
		zap.Int("version", snap.version),
		zap.Int("deny_rules", len(snap.rules)),
		zap.Int("corpus_size", snap.corpusSize),
	)
	return nil
}

// buildSnapshot compiles the rules and indexes the corpus into a fresh
// collection. Nothing here touches the active snapshot, so a failure leaves
// the gate serving the previous version.
func (g *gate) buildSnapshot(ctx context.Context, rf ruleFile) (*snapshot, error) {
	snap := &snapshot{loadedAt: time.Now().UTC(), corpusSize: len(rf.Corpus)}

	for i, r := range rf.Deny {
		if r.Name == "" {
			return nil, fmt.Errorf("deny rule %d has no name", i)
		}
		if r.Tool == "" {
			return nil, fmt.Errorf("deny rule %q has no tool pattern", r.Name)
		}
		if r.Effect == "" {
			r.Effect = EffectDeny
		}
		if r.Effect != EffectDeny && r.Effect != EffectEscalate {
			return nil, fmt.Errorf("deny rule %q has unknown effect %q", r.Name, r.Effect)
		}
		toolRe, err := compileAnchored(r.Tool)
		if err != nil {
			return nil, fmt.Errorf("deny rule %q tool pattern: %w", r.Name, err)
		}
		params := make(map[string]*regexp.Regexp, len(r.Params))
		for name, expr := range r.Params {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("deny rule %q param %q: %w", r.Name, name, err)
			}
			params[name] = re
		}
		snap.rules = append(snap.rules, compiledRule{DenyRule: r, tool: toolRe, params: params})
	}

	if len(rf.Corpus) > 0 {
		db := chromem.NewDB()
		col, err := db.GetOrCreateCollection("dangerous-intent", nil, g.embed)
		if err != nil {
			return nil, fmt.Errorf("create intent collection: %w", err)
		}
		docs := make([]chromem.Document, len(rf.Corpus))
		for i, text := range rf.Corpus {
			docs[i] = chromem.Document{ID: fmt.Sprintf("intent-%d", i), Content: text}
		}
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return nil, fmt.Errorf("index intent corpus: %w", err)
		}
		snap.collection = col
	}

	return snap, nil
}

func (g *gate) Watch() {
	g.v.OnConfigChange(func(e fsnotify.Event) {
		g.logger.Info("policy rules file changed", zap.String("file", e.Name))
		if err := g.Reload(context.Background()); err != nil {
			g.logger.Error("policy rules reload failed, keeping previous snapshot", zap.Error(err))
		}
	})
	g.v.WatchConfig()
}

// compileAnchored compiles expr to match the whole string.
func compileAnchored(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("^(?:" + expr + ")$")
}
