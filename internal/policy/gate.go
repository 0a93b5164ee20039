package policy

import (
	"context"
	"time"

	"github.com/ram677/ops-swarm/internal/incident"
)

// Package policy provides the Policy Gate, the gatekeeper for every proposed
// remediation plan.
//
// The gate is the deterministic safety boundary between planning and human
// approval. Every plan is evaluated before it can be offered for approval,
// and a DENY terminates the incident outright.
//
// Two-tier evaluation, strictly ordered:
//
//	Tier 1: Deny-list rules (deterministic, always evaluated first)
//	   - Regular expressions over the tool name and action parameters
//	   - effect "deny": the plan is blocked, no approval can override it
//	   - effect "escalate": the plan may proceed but approval requires a
//	     signed confirmation token
//	   - Rules with effect "deny" outrank rules with effect "escalate"
//
//	Tier 2: Semantic similarity (only when no rule matched)
//	   - Each action summary is queried against an embedded vector
//	     collection holding the known-dangerous-intent corpus
//	   - Max similarity at or above the configured threshold escalates
//	   - An unavailable similarity check fails closed to ESCALATE
//
// Rules and corpus live in a YAML file loaded through its own viper
// instance, independent of the main configuration. Each successful load
// produces an immutable snapshot with a monotonically increasing version;
// evaluations run entirely against the snapshot captured at entry, so a
// concurrent reload never produces a verdict mixing two rule sets. A failed
// reload keeps the previous snapshot serving.
//
// The gate holds no per-incident state. Identical inputs against the same
// snapshot produce identical verdicts.

// Effect is what a matched deny-list rule does to the plan.
type Effect string

const (
	// EffectDeny blocks the plan outright.
	EffectDeny Effect = "deny"
	// EffectEscalate lets the plan proceed to approval but requires a
	// signed confirmation token on the APPROVE decision.
	EffectEscalate Effect = "escalate"
)

// DenyRule is one deterministic rule from the rules file. Tool is a regular
// expression implicitly anchored to the whole name, so "restart" does not
// match "restart_resource". Params values are ordinary regular expressions
// over the parameter's string form (write "^prod-" for a prefix). A rule
// matches an action when the tool matches and every declared parameter is
// present and matches.
type DenyRule struct {
	Name   string            `mapstructure:"name" json:"name"`
	Tool   string            `mapstructure:"tool" json:"tool"`
	Params map[string]string `mapstructure:"params" json:"params,omitempty"`
	Effect Effect            `mapstructure:"effect" json:"effect"`
	Reason string            `mapstructure:"reason" json:"reason"`
}

// RulesInfo describes the active rule snapshot.
type RulesInfo struct {
	Version    int        `json:"version"`
	DenyRules  []DenyRule `json:"deny_rules"`
	CorpusSize int        `json:"corpus_size"`
	Threshold  float64    `json:"similarity_threshold"`
	LoadedAt   time.Time  `json:"loaded_at"`
}

// Config carries the gate's tunables, injected at construction.
type Config struct {
	// RulesPath is the YAML rules file (deny rules + intent corpus).
	RulesPath string
	// SimilarityThreshold escalates when max corpus similarity reaches it.
	SimilarityThreshold float64
}

// Gate evaluates plans against the active rule snapshot.
type Gate interface {
	// Load reads the rules file and activates a new snapshot. Must be
	// called once before Evaluate; a load failure at startup is fatal.
	Load(ctx context.Context) error

	// Reload re-reads the rules file and swaps the snapshot atomically.
	// On failure the previous snapshot stays active.
	Reload(ctx context.Context) error

	// Watch starts watching the rules file and reloads on change.
	Watch()

	// Evaluate returns the verdict for a plan. Never mutates gate state.
	Evaluate(ctx context.Context, plan *incident.Plan) (*incident.PolicyVerdict, error)

	// Rules returns a summary of the active snapshot.
	Rules() RulesInfo
}
