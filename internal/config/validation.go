package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.SignalRatePerMinute < 1 {
		errs = append(errs, &ValidationError{
			Field:   "server.signal_rate_per_minute",
			Message: fmt.Sprintf("signal_rate_per_minute must be at least 1, got %d", c.Server.SignalRatePerMinute),
		})
	}

	// Validate database configuration
	if c.Database.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.path",
			Message: "database path is required",
		})
	}

	// Validate reasoning configuration
	validReasoningProviders := map[string]bool{
		"openai": true,
		"stub":   true,
	}
	if !validReasoningProviders[c.Reasoning.Provider] {
		errs = append(errs, &ValidationError{
			Field:   "reasoning.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: openai, stub", c.Reasoning.Provider),
		})
	}

	// Provider-specific validation. A missing API key is not a startup
	// error: the daemon falls back to the stub provider and keeps serving,
	// so Configured is a flag rather than a hard requirement.
	switch c.Reasoning.Provider {
	case "openai":
		hasKey := c.Reasoning.APIKey != "" || os.Getenv("OPENAI_API_KEY") != ""
		c.Reasoning.Configured = hasKey

		if hasKey && c.Reasoning.Model == "" {
			errs = append(errs, &ValidationError{
				Field:   "reasoning.model",
				Message: "model is required when the openai provider is configured",
			})
		}
	case "stub":
		c.Reasoning.Configured = true
	}

	if c.Reasoning.Temperature < 0 || c.Reasoning.Temperature > 2 {
		errs = append(errs, &ValidationError{
			Field:   "reasoning.temperature",
			Message: fmt.Sprintf("temperature must be between 0 and 2, got %v", c.Reasoning.Temperature),
		})
	}

	if c.Reasoning.MaxTokens < 1 {
		errs = append(errs, &ValidationError{
			Field:   "reasoning.max_tokens",
			Message: fmt.Sprintf("max_tokens must be at least 1, got %d", c.Reasoning.MaxTokens),
		})
	}

	if c.Reasoning.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "reasoning.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Reasoning.TimeoutSeconds),
		})
	}

	if c.Reasoning.MaxAttempts < 1 {
		errs = append(errs, &ValidationError{
			Field:   "reasoning.max_attempts",
			Message: fmt.Sprintf("max_attempts must be at least 1, got %d", c.Reasoning.MaxAttempts),
		})
	}

	// Validate embeddings configuration
	validEmbeddingsProviders := map[string]bool{
		"openai": true,
		"hash":   true,
	}
	if !validEmbeddingsProviders[c.Embeddings.Provider] {
		errs = append(errs, &ValidationError{
			Field:   "embeddings.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: openai, hash", c.Embeddings.Provider),
		})
	}

	// Validate policy configuration
	if c.Policy.RulesPath == "" {
		errs = append(errs, &ValidationError{
			Field:   "policy.rules_path",
			Message: "rules_path is required",
		})
	}

	if c.Policy.SimilarityThreshold <= 0 || c.Policy.SimilarityThreshold > 1 {
		errs = append(errs, &ValidationError{
			Field:   "policy.similarity_threshold",
			Message: fmt.Sprintf("similarity_threshold must be in (0, 1], got %v", c.Policy.SimilarityThreshold),
		})
	}

	// Validate approval configuration. Zero is valid: it disables the
	// approval deadline so requests wait for an operator indefinitely.
	if c.Approval.TimeoutSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "approval.timeout_seconds",
			Message: fmt.Sprintf("timeout must not be negative, got %d", c.Approval.TimeoutSeconds),
		})
	}

	if c.Approval.SweepSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "approval.sweep_seconds",
			Message: fmt.Sprintf("sweep interval must be at least 1 second, got %d", c.Approval.SweepSeconds),
		})
	}

	// Validate executor configuration
	validExecutorProviders := map[string]bool{
		"local": true,
		"mcp":   true,
	}
	if !validExecutorProviders[c.Executor.Provider] {
		errs = append(errs, &ValidationError{
			Field:   "executor.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: local, mcp", c.Executor.Provider),
		})
	}

	if c.Executor.Provider == "mcp" && c.Executor.MCPCommand == "" {
		errs = append(errs, &ValidationError{
			Field:   "executor.mcp_command",
			Message: "mcp_command is required when executor provider is mcp",
		})
	}

	if c.Executor.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "executor.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Executor.TimeoutSeconds),
		})
	}

	// Validate orchestrator configuration
	if c.Orchestrator.MaxRetries < 1 {
		errs = append(errs, &ValidationError{
			Field:   "orchestrator.max_retries",
			Message: fmt.Sprintf("max_retries must be at least 1, got %d", c.Orchestrator.MaxRetries),
		})
	}

	if c.Orchestrator.QueueSize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "orchestrator.queue_size",
			Message: fmt.Sprintf("queue_size must be at least 1, got %d", c.Orchestrator.QueueSize),
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	return errs
}
