package config

import "context"

// Package config provides configuration management for ops-swarm.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading (for some settings)
//   - Manage sensitive data (API keys, escalation secrets)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (OPSSWARM_* prefix)
//   2. YAML config files (default: /etc/opsswarm/config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: Listen port (default 8080)
//      - allowed_origins: Origins permitted to open WebSocket connections
//      - signal_rate_per_minute: Per-client ceiling on signal submissions
//
//   2. Database
//      - path: Path to the SQLite file holding incidents and audit records
//
//   3. Reasoning
//      - provider: "openai" | "stub"
//      - base_url: Override endpoint for OpenAI-compatible gateways
//      - model: Model name
//      - api_key: API key (prefer OPENAI_API_KEY env var)
//      - temperature / max_tokens: Sampling parameters
//      - timeout_seconds: Per-call deadline
//      - max_attempts: Calls per reasoning step before giving up
//
//   4. Embeddings
//      - provider: "openai" | "hash"
//      - model: Embedding model name
//
//   5. Policy
//      - rules_path: Path to the policy rules file
//      - similarity_threshold: Cosine similarity above which a plan escalates
//      - watch: Reload rules when the file changes
//
//   6. Approval
//      - timeout_seconds: How long a pending approval may wait
//      - sweep_seconds: How often expired approvals are collected
//      - escalation_secret: HMAC secret for escalated-approval tokens
//
//   7. Executor
//      - provider: "local" | "mcp"
//      - timeout_seconds: Per-action deadline
//      - mcp_command / mcp_args: Tool server process for the mcp provider
//
//   8. Orchestrator
//      - max_retries: Re-planning bound before an incident is abandoned
//      - queue_size: Buffered events per incident runner
//
//   9. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//      - path / audit_path: Service log and append-only audit log files
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port int
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		// If empty, defaults to ["http://localhost:3000", "http://localhost:5173"].
		AllowedOrigins []string
		// SignalRatePerMinute caps signal submissions per client host so an
		// alert storm from one source cannot flood the engine.
		SignalRatePerMinute int
	}

	// Database configuration
	Database struct {
		Path string
	}

	// Reasoning provider configuration
	Reasoning struct {
		Provider       string
		BaseURL        string
		Model          string
		APIKey         string
		Temperature    float64
		MaxTokens      int
		TimeoutSeconds int
		MaxAttempts    int
		// Configured is derived during validation: true when the selected
		// provider has the credentials it needs. A provider left unconfigured
		// is not a startup error; the daemon runs with the stub instead.
		Configured bool
	}

	// Embeddings configuration (policy similarity corpus)
	Embeddings struct {
		Provider string
		Model    string
	}

	// Policy gate configuration
	Policy struct {
		RulesPath           string
		SimilarityThreshold float64
		Watch               bool
	}

	// Approval gate configuration. A zero TimeoutSeconds disables the
	// deadline; pending approvals then wait indefinitely.
	Approval struct {
		TimeoutSeconds   int
		SweepSeconds     int
		EscalationSecret string
	}

	// Tool executor configuration
	Executor struct {
		Provider       string
		TimeoutSeconds int
		MCPCommand     string
		MCPArgs        []string
	}

	// Orchestrator configuration
	Orchestrator struct {
		MaxRetries int
		QueueSize  int
	}

	// Logging configuration
	Logging struct {
		Level     string
		Format    string
		Path      string
		AuditPath string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/opsswarm/config.yaml")
}
