package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// MCPProvider dispatches tool calls to an external Model Context Protocol
// server over stdio. The server process is spawned as a child and owns the
// real infrastructure access; this side stays a thin JSON-RPC client.
type MCPProvider struct {
	c      *client.Client
	logger *zap.Logger
}

// NewMCPProvider spawns the tool server and performs the MCP handshake.
func NewMCPProvider(ctx context.Context, command string, args []string, logger *zap.Logger) (*MCPProvider, error) {
	if command == "" {
		return nil, errors.New("tool server command is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to start tool server: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "ops-swarm",
		Version: "1.0.0",
	}
	info, err := c.Initialize(ctx, initReq)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("tool server handshake failed: %w", err)
	}
	logger.Info("tool server connected",
		zap.String("command", command),
		zap.String("server", info.ServerInfo.Name),
		zap.String("version", info.ServerInfo.Version))
	return &MCPProvider{c: c, logger: logger}, nil
}

func (p *MCPProvider) Invoke(ctx context.Context, tool string, params map[string]interface{}) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = params

	res, err := p.c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("tool call %s failed: %w", tool, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error without detail"
		}
		return "", fmt.Errorf("tool %s returned an error: %s", tool, text)
	}
	return text, nil
}

func (p *MCPProvider) Close() error { return p.c.Close() }

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, item := range content {
		if tc, ok := item.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
