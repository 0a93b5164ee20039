package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8080
	cfg.Server.AllowedOrigins = nil
	cfg.Server.SignalRatePerMinute = 240

	// Database defaults
	cfg.Database.Path = "/var/lib/opsswarm/opsswarm.db"

	// Reasoning defaults
	cfg.Reasoning.Provider = "openai"
	cfg.Reasoning.BaseURL = ""
	cfg.Reasoning.Model = "gpt-4o-mini"
	cfg.Reasoning.APIKey = ""
	cfg.Reasoning.Temperature = 0.0
	cfg.Reasoning.MaxTokens = 1024
	cfg.Reasoning.TimeoutSeconds = 30
	cfg.Reasoning.MaxAttempts = 2

	// Embeddings defaults
	cfg.Embeddings.Provider = "openai"
	cfg.Embeddings.Model = "text-embedding-3-small"

	// Policy defaults
	cfg.Policy.RulesPath = "/etc/opsswarm/policy.yaml"
	cfg.Policy.SimilarityThreshold = 0.82
	cfg.Policy.Watch = true

	// Approval defaults
	cfg.Approval.TimeoutSeconds = 900 // 15 minutes
	cfg.Approval.SweepSeconds = 10
	cfg.Approval.EscalationSecret = ""

	// Executor defaults
	cfg.Executor.Provider = "local"
	cfg.Executor.TimeoutSeconds = 30
	cfg.Executor.MCPCommand = ""
	cfg.Executor.MCPArgs = nil

	// Orchestrator defaults
	cfg.Orchestrator.MaxRetries = 3
	cfg.Orchestrator.QueueSize = 64

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Path = "/var/log/opsswarm/opsswarm.log"
	cfg.Logging.AuditPath = "/var/log/opsswarm/opsswarm-audit.log"

	return cfg
}
