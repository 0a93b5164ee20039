// Package reasoning provides the opaque reasoning client that turns raw
// incident signals into structured diagnoses and remediation plans.
//
// The orchestrator treats the client as a black box with two operations:
// Diagnose classifies a signal into one of the closed root-cause
// categories, and Propose drafts a plan whose actions are drawn from the
// tool catalog. Outputs are requested as JSON; a malformed response is
// retried once with a stricter instruction before the call is given up
// and reported as ErrExhausted, which the orchestrator translates into a
// reasoning timeout for the incident.
//
// Two providers exist. The OpenAI provider speaks to any
// OpenAI-compatible chat completion endpoint (a custom base URL covers
// Groq, Ollama and friends). The stub provider answers deterministically
// from the built-in scenario fixtures and needs no network; it backs
// development, air-gapped deployments and tests.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/incident"
	"github.com/ram677/ops-swarm/internal/tools"
)

// ErrExhausted is returned when every reasoning attempt failed or came
// back unparseable.
var ErrExhausted = errors.New("reasoning attempts exhausted")

// Config carries the reasoning provider settings.
type Config struct {
	// Provider selects the backend: "openai" or "stub".
	Provider string
	// BaseURL overrides the OpenAI endpoint for compatible servers.
	BaseURL string
	// Model is the chat completion model name.
	Model string
	// APIKey authenticates against the endpoint; keyless compatible
	// servers accept a placeholder.
	APIKey string
	// Temperature for completions. Remediation wants determinism, so the
	// default is 0.
	Temperature float64
	// MaxTokens bounds each completion.
	MaxTokens int
	// Timeout bounds a single completion request.
	Timeout time.Duration
	// MaxAttempts is the number of tries per operation before giving up.
	MaxAttempts int
}

// Client produces diagnoses and remediation plans.
type Client interface {
	// Diagnose classifies a signal into a root-cause category. Prior
	// attempt summaries steer the model away from remedies that already
	// failed.
	Diagnose(ctx context.Context, signal incident.Signal, priorAttempts []string) (*incident.Diagnosis, error)

	// Propose drafts a remediation plan for a diagnosed incident. The
	// returned plan is complete: fresh ID, bound to the incident, actions
	// limited to the tool catalog.
	Propose(ctx context.Context, incidentID string, attempt int, diag incident.Diagnosis, priorAttempts []string) (*incident.Plan, error)
}

// New selects and builds the configured provider.
func New(cfg Config, registry tools.Registry, logger *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg, registry, logger)
	case "stub", "":
		return NewStubClient(), nil
	default:
		return nil, fmt.Errorf("unknown reasoning provider %q", cfg.Provider)
	}
}
