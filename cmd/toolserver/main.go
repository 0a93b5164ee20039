package main

// Package main is the entry point for the ops-swarm tool server.
//
// The tool server is the remote half of the MCP tool provider: the daemon
// spawns this binary as a child process and speaks the Model Context Protocol
// to it over stdio. Every tool in the built-in remediation catalog is exposed
// with its schema; calls are validated against that schema before they reach
// the backing handlers.
//
// Responsibilities:
//   - Register each catalog tool with the MCP server, including its schema
//   - Validate incoming call arguments and reject schema violations
//   - Dispatch valid calls to the tool handlers and relay their output
//   - Serve the protocol on stdin/stdout until the parent closes the pipe
//
// Stdout carries the JSON-RPC transport, so all logging goes to stderr.

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ram677/ops-swarm/internal/tools"
)

func main() {
	logger := buildLogger()
	defer logger.Sync()

	srv := newToolServer(logger)

	logger.Info("tool server starting", zap.Int("tools", len(tools.Catalog)))
	if err := server.ServeStdio(srv); err != nil {
		fmt.Fprintf(os.Stderr, "Tool server stopped with error: %v\n", err)
		os.Exit(1)
	}
}

// newToolServer registers the whole remediation catalog on a fresh MCP
// server. The handlers are backed by the in-process provider; swapping in a
// backend with real infrastructure access changes nothing about the protocol
// surface the daemon sees.
func newToolServer(logger *zap.Logger) *server.MCPServer {
	srv := server.NewMCPServer("ops-swarm-tools", "1.0.0")
	provider := tools.NewLocalProvider(logger)
	for _, spec := range tools.Catalog {
		srv.AddTool(buildTool(spec), makeHandler(provider, spec, logger))
	}
	return srv
}

// buildTool translates a catalog spec into an MCP tool declaration.
func buildTool(spec tools.Spec) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(spec.Description)}
	for _, p := range spec.Params {
		propOpts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		switch p.Type {
		case tools.TypeBool:
			opts = append(opts, mcp.WithBoolean(p.Name, propOpts...))
		case tools.TypeInt, tools.TypeNumber:
			opts = append(opts, mcp.WithNumber(p.Name, propOpts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, propOpts...))
		}
	}
	return mcp.NewTool(spec.Name, opts...)
}

// makeHandler wraps one tool invocation: validate the arguments against the
// catalog schema, run the tool, and report the outcome as an MCP result.
// Tool failures travel as protocol-level error results, not Go errors, so the
// client can tell a failed remediation from a broken transport.
func makeHandler(provider tools.Provider, spec tools.Spec, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if problems := spec.Validate(args); len(problems) > 0 {
			logger.Warn("rejected tool call",
				zap.String("tool", spec.Name),
				zap.Strings("problems", problems))
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %s", strings.Join(problems, "; "))), nil
		}

		out, err := provider.Invoke(ctx, spec.Name, args)
		if err != nil {
			logger.Warn("tool call failed",
				zap.String("tool", spec.Name),
				zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// buildLogger writes structured logs to stderr; stdout belongs to the
// protocol transport.
func buildLogger() *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)
	return zap.New(core)
}
