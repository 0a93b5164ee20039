package tools

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Provider is a backend that carries tool calls out.
type Provider interface {
	// Invoke dispatches one tool call and returns its textual output.
	Invoke(ctx context.Context, tool string, params map[string]interface{}) (string, error)

	// Close releases the backend.
	Close() error
}

// LocalProvider serves deterministic fixtures for every catalog tool. It
// backs development setups and tests where no real infrastructure or tool
// server is reachable.
type LocalProvider struct {
	logger *zap.Logger
}

// NewLocalProvider creates the fixture backend.
func NewLocalProvider(logger *zap.Logger) *LocalProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalProvider{logger: logger}
}

func (p *LocalProvider) Invoke(ctx context.Context, tool string, params map[string]interface{}) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch tool {
	case "fetch_service_logs":
		return p.serviceLogs(stringParam(params, "service_name")), nil
	case "check_db_status":
		return p.dbStatus(stringParam(params, "shard_id")), nil
	case "restart_resource":
		return fmt.Sprintf("SUCCESS: resource %s restarted; health check passing after 8s", stringParam(params, "resource_id")), nil
	case "scale_resource":
		return fmt.Sprintf("SUCCESS: %s scaled to %d replicas; all replicas ready", stringParam(params, "resource_id"), intParam(params, "replicas")), nil
	case "rollback_deployment":
		return fmt.Sprintf("SUCCESS: deployment %s rolled back to revision %d", stringParam(params, "deployment"), intParam(params, "revision")), nil
	case "drop_database":
		return fmt.Sprintf("SUCCESS: database %s dropped", stringParam(params, "name")), nil
	default:
		return "", fmt.Errorf("local provider has no tool %q", tool)
	}
}

func (p *LocalProvider) Close() error { return nil }

func (p *LocalProvider) serviceLogs(service string) string {
	switch service {
	case "payment_gateway":
		return `[INFO] 14:00:01 Transaction started
[INFO] 14:00:02 Processing payment
[ERROR] 14:00:05 ConnectionPool: unable to connect to db-shard-04
[WARN] 14:00:05 Retrying connection (attempt 3/5)
[ERROR] 14:00:06 Connection refused: db-shard-04 unreachable
[CRITICAL] 14:00:06 Transaction rolled back`
	case "auth_service":
		return `[INFO] 14:10:00 Health check: OK
[WARN] 14:10:12 Response time 2140ms exceeds 2000ms budget
[WARN] 14:10:31 Response time 3400ms exceeds 2000ms budget
[WARN] 14:10:55 Token validation queue depth 1200 and rising`
	case "logging_pipeline":
		return `[INFO] 14:20:00 Shipper heartbeat OK
[WARN] 14:20:04 /var/log volume at 98% capacity
[ERROR] 14:20:09 Failed to rotate access.log: no space left on device
[ERROR] 14:20:15 Dropping events: buffer full`
	default:
		return fmt.Sprintf("[INFO] no recent errors for service %q", service)
	}
}

func (p *LocalProvider) dbStatus(shard string) string {
	if shard == "db-shard-04" {
		return "STATUS: OFFLINE. CPU load: 100%. Memory: 99%. Active connections: 0."
	}
	return fmt.Sprintf("STATUS: ONLINE. Shard %s load normal.", shard)
}

func stringParam(params map[string]interface{}, name string) string {
	if v, ok := params[name].(string); ok {
		return v
	}
	return ""
}

// intParam tolerates JSON's float64 decoding of integers.
func intParam(params map[string]interface{}, name string) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
