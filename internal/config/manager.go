package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("OPSSWARM")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		// Config file not found is OK if it doesn't exist, we'll use defaults + env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			// Other error reading config file
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides for sensitive data
	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		// Combine all errors into a single error message
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	// Start watching config file
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		// Reload config
		if err := m.unmarshalConfig(); err != nil {
			// Log error but don't send to channel
			return
		}
		m.applyEnvOverrides()
		// Send updated config to channel
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	// Re-read config file
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides
	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.signal_rate_per_minute", defaults.Server.SignalRatePerMinute)

	// Database defaults
	m.viper.SetDefault("database.path", defaults.Database.Path)

	// Reasoning defaults
	m.viper.SetDefault("reasoning.provider", defaults.Reasoning.Provider)
	m.viper.SetDefault("reasoning.base_url", defaults.Reasoning.BaseURL)
	m.viper.SetDefault("reasoning.model", defaults.Reasoning.Model)
	m.viper.SetDefault("reasoning.api_key", defaults.Reasoning.APIKey)
	m.viper.SetDefault("reasoning.temperature", defaults.Reasoning.Temperature)
	m.viper.SetDefault("reasoning.max_tokens", defaults.Reasoning.MaxTokens)
	m.viper.SetDefault("reasoning.timeout_seconds", defaults.Reasoning.TimeoutSeconds)
	m.viper.SetDefault("reasoning.max_attempts", defaults.Reasoning.MaxAttempts)

	// Embeddings defaults
	m.viper.SetDefault("embeddings.provider", defaults.Embeddings.Provider)
	m.viper.SetDefault("embeddings.model", defaults.Embeddings.Model)

	// Policy defaults
	m.viper.SetDefault("policy.rules_path", defaults.Policy.RulesPath)
	m.viper.SetDefault("policy.similarity_threshold", defaults.Policy.SimilarityThreshold)
	m.viper.SetDefault("policy.watch", defaults.Policy.Watch)

	// Approval defaults
	m.viper.SetDefault("approval.timeout_seconds", defaults.Approval.TimeoutSeconds)
	m.viper.SetDefault("approval.sweep_seconds", defaults.Approval.SweepSeconds)
	m.viper.SetDefault("approval.escalation_secret", defaults.Approval.EscalationSecret)

	// Executor defaults
	m.viper.SetDefault("executor.provider", defaults.Executor.Provider)
	m.viper.SetDefault("executor.timeout_seconds", defaults.Executor.TimeoutSeconds)
	m.viper.SetDefault("executor.mcp_command", defaults.Executor.MCPCommand)
	m.viper.SetDefault("executor.mcp_args", defaults.Executor.MCPArgs)

	// Orchestrator defaults
	m.viper.SetDefault("orchestrator.max_retries", defaults.Orchestrator.MaxRetries)
	m.viper.SetDefault("orchestrator.queue_size", defaults.Orchestrator.QueueSize)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.path", defaults.Logging.Path)
	m.viper.SetDefault("logging.audit_path", defaults.Logging.AuditPath)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.SignalRatePerMinute = m.viper.GetInt("server.signal_rate_per_minute")

	// Database
	cfg.Database.Path = m.viper.GetString("database.path")

	// Reasoning
	cfg.Reasoning.Provider = m.viper.GetString("reasoning.provider")
	cfg.Reasoning.BaseURL = m.viper.GetString("reasoning.base_url")
	cfg.Reasoning.Model = m.viper.GetString("reasoning.model")
	cfg.Reasoning.APIKey = m.viper.GetString("reasoning.api_key")
	cfg.Reasoning.Temperature = m.viper.GetFloat64("reasoning.temperature")
	cfg.Reasoning.MaxTokens = m.viper.GetInt("reasoning.max_tokens")
	cfg.Reasoning.TimeoutSeconds = m.viper.GetInt("reasoning.timeout_seconds")
	cfg.Reasoning.MaxAttempts = m.viper.GetInt("reasoning.max_attempts")

	// Embeddings
	cfg.Embeddings.Provider = m.viper.GetString("embeddings.provider")
	cfg.Embeddings.Model = m.viper.GetString("embeddings.model")

	// Policy
	cfg.Policy.RulesPath = m.viper.GetString("policy.rules_path")
	cfg.Policy.SimilarityThreshold = m.viper.GetFloat64("policy.similarity_threshold")
	cfg.Policy.Watch = m.viper.GetBool("policy.watch")

	// Approval
	cfg.Approval.TimeoutSeconds = m.viper.GetInt("approval.timeout_seconds")
	cfg.Approval.SweepSeconds = m.viper.GetInt("approval.sweep_seconds")
	cfg.Approval.EscalationSecret = m.viper.GetString("approval.escalation_secret")

	// Executor
	cfg.Executor.Provider = m.viper.GetString("executor.provider")
	cfg.Executor.TimeoutSeconds = m.viper.GetInt("executor.timeout_seconds")
	cfg.Executor.MCPCommand = m.viper.GetString("executor.mcp_command")
	cfg.Executor.MCPArgs = m.viper.GetStringSlice("executor.mcp_args")

	// Orchestrator
	cfg.Orchestrator.MaxRetries = m.viper.GetInt("orchestrator.max_retries")
	cfg.Orchestrator.QueueSize = m.viper.GetInt("orchestrator.queue_size")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.Path = m.viper.GetString("logging.path")
	cfg.Logging.AuditPath = m.viper.GetString("logging.audit_path")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	// OpenAI API key from environment
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		m.config.Reasoning.APIKey = apiKey
	}

	// Escalation secret from environment
	if secret := os.Getenv("OPSSWARM_ESCALATION_SECRET"); secret != "" {
		m.config.Approval.EscalationSecret = secret
	}

	// Database path from environment
	if path := os.Getenv("OPSSWARM_DATABASE_PATH"); path != "" {
		m.config.Database.Path = path
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("OPSSWARM_PORT"); portEnv != "" {
		// Port was explicitly set via environment, so viper has the value
		m.config.Server.Port = m.viper.GetInt("port")
	}
}
