package main

// Package main is the entry point for the ops-swarm server application.
//
// Responsibilities:
//   - Load and validate configuration from YAML, environment variables, and CLI flags
//   - Wire the SQLite incident store, tool registry, and remediation executor
//   - Load the policy rule file and build the semantic similarity index
//   - Start the remediation engine that drives incidents through their lifecycle
//   - Start the REST API server for signal ingestion and operator actions
//   - Start the WebSocket handler for real-time transition streaming
//   - Register and serve health check and Prometheus metrics endpoints
//   - Implement graceful shutdown with context cancellation
//
// Architecture Flow:
//   1. Alert signal (REST) → Incident record → per-incident runner
//   2. Runner calls the reasoning client to diagnose and propose a plan
//   3. Policy gate screens every plan (deny rules first, then similarity)
//   4. Approval gate blocks execution until an operator decides
//   5. Executor invokes tools through the provider, then verification closes the loop
//   6. REST API + WebSocket expose incident state to operators
//
// Graceful Shutdown:
//   - Stops accepting new signals
//   - Cancels all in-flight incident runners
//   - Closes the tool provider, audit logs, and the incident store

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ram677/ops-swarm/internal/config"
	"github.com/ram677/ops-swarm/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/opsswarm/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Load configuration from file and environment variables
	ctx := context.Background()
	manager, err := config.NewConfigManager(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration manager: %v\n", err)
		os.Exit(1)
	}
	if err := manager.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := manager.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := manager.Get(ctx)

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Create server with all components wired together
	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}

	// Start server (engine, policy watcher, HTTP, WebSocket)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal (Ctrl+C or SIGTERM)
	<-sigChan
	fmt.Println("\nReceived shutdown signal...")

	// Stop server gracefully
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Shutdown complete")
}

// buildLogger constructs the application logger from the logging section of
// the configuration. The "text" format selects a console encoder, anything
// else JSON; the level accepts the usual zap names (debug, info, warn, error).
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Logging.Format == "text" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	return zap.New(core), nil
}
