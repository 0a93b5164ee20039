// Package tools provides the tool registry and the executor that carries
// approved remediation plans out against a backend provider.
//
// The registry declares every callable tool: parameter schema, whether the
// tool is idempotent, and whether it is destructive. The executor enforces
// that contract on every dispatch:
//
//  1. The action's tool must exist in the registry.
//  2. Parameters are validated against the schema before anything runs; a
//     schema violation never reaches the backend.
//  3. Each dispatch runs under a bounded timeout.
//  4. A failed idempotent tool is retried exactly once. Non-idempotent
//     tools are never retried automatically; their failures surface so a
//     human or the planner can decide.
//
// Backends implement Provider. The local provider serves deterministic
// fixtures for development and tests; the MCP provider speaks the Model
// Context Protocol to an external tool server over stdio.
package tools

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/incident"
	"github.com/ram677/ops-swarm/internal/metrics"
)

// Executor dispatches single plan actions.
type Executor interface {
	// Execute runs one action and returns the result of the final attempt.
	// The returned error is nil on success, *UnknownToolError or
	// *ValidationError when nothing was dispatched, and *ExecutionError
	// when the dispatch itself failed.
	Execute(ctx context.Context, incidentID, planID string, actionIndex int, action incident.Action) (*incident.ToolResult, error)
}

// Config carries the executor's tunables.
type Config struct {
	// Timeout bounds a single tool dispatch.
	Timeout time.Duration
}

type executor struct {
	registry Registry
	provider Provider
	cfg      Config
	logger   *zap.Logger
}

// NewExecutor creates an executor over the given registry and provider.
func NewExecutor(registry Registry, provider Provider, cfg Config, logger *zap.Logger) (Executor, error) {
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if provider == nil {
		return nil, errors.New("tool provider is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &executor{registry: registry, provider: provider, cfg: cfg, logger: logger}, nil
}

func (e *executor) Execute(ctx context.Context, incidentID, planID string, actionIndex int, action incident.Action) (*incident.ToolResult, error) {
	spec, ok := e.registry.Get(action.Tool)
	if !ok {
		return nil, &UnknownToolError{Tool: action.Tool}
	}
	if problems := spec.Validate(action.Parameters); len(problems) > 0 {
		e.logger.Warn("tool parameters rejected",
			zap.String("incident_id", incidentID),
			zap.String("tool", action.Tool),
			zap.Strings("problems", problems))
		return nil, &ValidationError{Tool: action.Tool, Problems: problems}
	}

	attempts := 1
	if spec.Idempotent {
		attempts = 2
	}

	var result *incident.ToolResult
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, lastErr = e.dispatch(ctx, incidentID, planID, actionIndex, action, attempt)
		if lastErr == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			metrics.ToolRetries.WithLabelValues(action.Tool).Inc()
			e.logger.Warn("retrying idempotent tool",
				zap.String("incident_id", incidentID),
				zap.String("tool", action.Tool),
				zap.Int("attempt", attempt+1))
		}
	}
	return result, lastErr
}

func (e *executor) dispatch(ctx context.Context, incidentID, planID string, actionIndex int, action incident.Action, attempt int) (*incident.ToolResult, error) {
	started := time.Now().UTC()
	cctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	output, err := e.provider.Invoke(cctx, action.Tool, action.Parameters)
	duration := time.Since(started)

	result := &incident.ToolResult{
		IncidentID:  incidentID,
		PlanID:      planID,
		ActionIndex: actionIndex,
		Tool:        action.Tool,
		Attempt:     attempt,
		DurationMS:  duration.Milliseconds(),
		StartedAt:   started,
	}
	metrics.ToolDuration.WithLabelValues(action.Tool).Observe(duration.Seconds())

	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(cctx.Err(), context.DeadlineExceeded)
		result.Success = false
		result.Error = err.Error()
		result.TimedOut = timedOut

		status := "failure"
		if timedOut {
			status = "timeout"
		}
		metrics.ToolCalls.WithLabelValues(action.Tool, status).Inc()
		e.logger.Error("tool dispatch failed",
			zap.String("incident_id", incidentID),
			zap.String("plan_id", planID),
			zap.String("tool", action.Tool),
			zap.Int("attempt", attempt),
			zap.Bool("timed_out", timedOut),
			zap.Error(err))
		return result, &ExecutionError{Tool: action.Tool, Attempt: attempt, Timeout: timedOut, Err: err}
	}

	result.Success = true
	result.Output = output
	metrics.ToolCalls.WithLabelValues(action.Tool, "success").Inc()
	e.logger.Info("tool dispatched",
		zap.String("incident_id", incidentID),
		zap.String("plan_id", planID),
		zap.String("tool", action.Tool),
		zap.Int("attempt", attempt),
		zap.Duration("duration", duration))
	return result, nil
}
