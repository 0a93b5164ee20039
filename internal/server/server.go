// Package server wires the remediation components together and exposes
// them over HTTP: signal ingestion, incident queries, the approval
// dashboard API, the tool catalog, policy rule management, Prometheus
// metrics, and a WebSocket transition stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/approval"
	"github.com/ram677/ops-swarm/internal/audit"
	"github.com/ram677/ops-swarm/internal/config"
	"github.com/ram677/ops-swarm/internal/db"
	"github.com/ram677/ops-swarm/internal/middleware"
	"github.com/ram677/ops-swarm/internal/orchestrator"
	"github.com/ram677/ops-swarm/internal/policy"
	"github.com/ram677/ops-swarm/internal/reasoning"
	"github.com/ram677/ops-swarm/internal/tools"
)

// Server owns every component of the remediation service and the HTTP
// front end in front of them.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// Core components
	store         db.Store
	registry      tools.Registry
	provider      tools.Provider
	executor      tools.Executor
	policyGate    policy.Gate
	approvals     approval.Gate
	reasoner      reasoning.Client
	auditLog      audit.Logger
	engine        orchestrator.Engine
	ingestLimiter *middleware.RateLimiter

	// HTTP server
	httpServer *http.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer builds every component from the configuration. The policy
// rules file must load successfully; a service that cannot evaluate
// plans must not start.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := srv.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return srv, nil
}

// initializeComponents builds the component graph in dependency order.
func (s *Server) initializeComponents() error {
	cfg := s.cfg

	// 1. Storage
	store, err := db.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = store

	// 2. Audit trail, mirrored into the store's audit table
	auditLog, err := audit.NewLoggerWithStore(&audit.Config{
		AuditLogPath: cfg.Logging.AuditPath,
		AppLogPath:   cfg.Logging.Path,
		MaxSize:      100,
		MaxBackups:   10,
		MaxAge:       30,
		Compress:     true,
		LogLevel:     cfg.Logging.Level,
	}, store)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	s.auditLog = auditLog

	// 3. Tool registry, provider, executor
	s.registry = tools.DefaultRegistry()

	switch cfg.Executor.Provider {
	case "mcp":
		provider, err := tools.NewMCPProvider(s.ctx, cfg.Executor.MCPCommand, cfg.Executor.MCPArgs, s.logger)
		if err != nil {
			return fmt.Errorf("start mcp tool provider: %w", err)
		}
		s.provider = provider
	default:
		s.provider = tools.NewLocalProvider(s.logger)
	}

	executor, err := tools.NewExecutor(s.registry, s.provider, tools.Config{
		Timeout: time.Duration(cfg.Executor.TimeoutSeconds) * time.Second,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("build tool executor: %w", err)
	}
	s.executor = executor

	// 4. Policy gate. A rule file that does not load is a startup failure.
	var embed chromem.EmbeddingFunc
	if cfg.Embeddings.Provider == "openai" && cfg.Reasoning.APIKey != "" {
		embed, err = policy.NewOpenAIEmbedding(cfg.Reasoning.BaseURL, cfg.Embeddings.Model, cfg.Reasoning.APIKey)
		if err != nil {
			return fmt.Errorf("build embedding client: %w", err)
		}
	} else {
		s.logger.Info("using hash embeddings for the policy similarity index")
		embed = policy.NewHashEmbedding(256)
	}

	gate, err := policy.NewGate(policy.Config{
		RulesPath:           cfg.Policy.RulesPath,
		SimilarityThreshold: cfg.Policy.SimilarityThreshold,
	}, embed, s.logger)
	if err != nil {
		return fmt.Errorf("build policy gate: %w", err)
	}
	if err := gate.Load(s.ctx); err != nil {
		return fmt.Errorf("load policy rules: %w", err)
	}
	s.policyGate = gate

	// 5. Approval gate
	approvals, err := approval.NewGate(approval.Config{
		Timeout:          time.Duration(cfg.Approval.TimeoutSeconds) * time.Second,
		SweepInterval:    time.Duration(cfg.Approval.SweepSeconds) * time.Second,
		EscalationSecret: cfg.Approval.EscalationSecret,
	}, s.store, s.logger)
	if err != nil {
		return fmt.Errorf("build approval gate: %w", err)
	}
	s.approvals = approvals

	// 6. Reasoning client
	if cfg.Reasoning.Provider == "openai" && cfg.Reasoning.Configured {
		reasoner, err := reasoning.NewOpenAIClient(reasoning.Config{
			Provider:    cfg.Reasoning.Provider,
			BaseURL:     cfg.Reasoning.BaseURL,
			Model:       cfg.Reasoning.Model,
			APIKey:      cfg.Reasoning.APIKey,
			Temperature: cfg.Reasoning.Temperature,
			MaxTokens:   cfg.Reasoning.MaxTokens,
			Timeout:     time.Duration(cfg.Reasoning.TimeoutSeconds) * time.Second,
			MaxAttempts: cfg.Reasoning.MaxAttempts,
		}, s.registry, s.logger)
		if err != nil {
			return fmt.Errorf("build reasoning client: %w", err)
		}
		s.reasoner = reasoner
	} else {
		s.logger.Info("reasoning provider not configured, using the deterministic stub")
		s.reasoner = reasoning.NewStubClient()
	}

	// 7. Orchestrator
	engine, err := orchestrator.New(orchestrator.Config{
		MaxRetries: cfg.Orchestrator.MaxRetries,
		QueueSize:  cfg.Orchestrator.QueueSize,
	}, orchestrator.Deps{
		Store:     s.store,
		Reasoner:  s.reasoner,
		Policy:    s.policyGate,
		Approvals: s.approvals,
		Executor:  s.executor,
		Registry:  s.registry,
		Audit:     s.auditLog,
		Logger:    s.logger,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	s.engine = engine

	// 8. Signal intake throttle
	s.ingestLimiter = middleware.NewRateLimiter(cfg.Server.SignalRatePerMinute)

	return nil
}

// Start resumes open incidents, starts the policy rules watch, and begins
// serving HTTP.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.engine.Start(s.ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if s.cfg.Policy.Watch {
		s.policyGate.Watch()
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("http server listening", zap.Int("port", s.cfg.Server.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server failed", zap.Error(err))
		}
	}()

	s.logger.Info("ops-swarm server started",
		zap.String("tool_provider", s.cfg.Executor.Provider),
		zap.Bool("reasoning_configured", s.cfg.Reasoning.Configured),
		zap.Int("policy_rules_version", s.policyGate.Rules().Version))
	return nil
}

// Stop drains HTTP, parks every incident runner, and releases the
// components in reverse dependency order.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping ops-swarm server")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
	}

	s.engine.Stop()

	// Tears down WebSocket streams; their subscriber loops watch this
	// context.
	s.cancel()
	s.wg.Wait()

	s.ingestLimiter.Stop()
	if err := s.provider.Close(); err != nil {
		s.logger.Warn("tool provider close", zap.Error(err))
	}
	if err := s.auditLog.Close(); err != nil {
		s.logger.Warn("audit log close", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close", zap.Error(err))
	}

	s.logger.Info("ops-swarm server stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// routes builds the HTTP mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Liveness and metrics
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Incident lifecycle
	mux.HandleFunc("/api/v1/signals", s.ingestLimiter.Guard(s.handleSignals))
	mux.HandleFunc("/api/v1/incidents", s.handleIncidents)
	mux.HandleFunc("/api/v1/incidents/", s.handleIncidentByID)

	// Approval dashboard
	mux.HandleFunc("/api/v1/approvals", s.handleApprovals)
	mux.HandleFunc("/api/v1/approvals/", s.handleApprovalDecision)

	// Tooling and policy
	mux.HandleFunc("/api/v1/tools", s.handleTools)
	mux.HandleFunc("/api/v1/policy/rules", s.handlePolicyRules)
	mux.HandleFunc("/api/v1/policy/reload", s.handlePolicyReload)

	// Event stream
	mux.HandleFunc("/ws/incidents", s.handleIncidentStream)

	return mux
}
