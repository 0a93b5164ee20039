package tools

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestLocalProvider_ServiceLogFixtures(t *testing.T) {
	p := NewLocalProvider(zap.NewNop())
	ctx := context.Background()

	cases := []struct {
		service string
		want    string
	}{
		{"payment_gateway", "Connection refused: db-shard-04"},
		{"auth_service", "exceeds 2000ms budget"},
		{"logging_pipeline", "no space left on device"},
		{"search_frontend", "no recent errors"},
	}
	for _, tc := range cases {
		out, err := p.Invoke(ctx, "fetch_service_logs", map[string]interface{}{"service_name": tc.service})
		if err != nil {
			t.Fatalf("%s: Invoke failed: %v", tc.service, err)
		}
		if !strings.Contains(out, tc.want) {
			t.Errorf("%s: expected logs to contain %q, got:\n%s", tc.service, tc.want, out)
		}
	}
}

func TestLocalProvider_DBStatus(t *testing.T) {
	p := NewLocalProvider(zap.NewNop())
	ctx := context.Background()

	out, err := p.Invoke(ctx, "check_db_status", map[string]interface{}{"shard_id": "db-shard-04"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(out, "OFFLINE") {
		t.Errorf("expected db-shard-04 to report OFFLINE, got %q", out)
	}

	out, err = p.Invoke(ctx, "check_db_status", map[string]interface{}{"shard_id": "db-shard-01"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !strings.Contains(out, "ONLINE") {
		t.Errorf("expected a healthy shard to report ONLINE, got %q", out)
	}
}

func TestLocalProvider_Mutations(t *testing.T) {
	p := NewLocalProvider(zap.NewNop())
	ctx := context.Background()

	out, err := p.Invoke(ctx, "restart_resource", map[string]interface{}{"resource_id": "db-shard-04"})
	if err != nil {
		t.Fatalf("restart_resource failed: %v", err)
	}
	if !strings.Contains(out, "db-shard-04 restarted") {
		t.Errorf("unexpected restart output %q", out)
	}

	// Plans arrive JSON-decoded, so ints show up as float64.
	out, err = p.Invoke(ctx, "scale_resource", map[string]interface{}{"resource_id": "payment-gateway", "replicas": float64(6)})
	if err != nil {
		t.Fatalf("scale_resource failed: %v", err)
	}
	if !strings.Contains(out, "scaled to 6 replicas") {
		t.Errorf("unexpected scale output %q", out)
	}

	out, err = p.Invoke(ctx, "rollback_deployment", map[string]interface{}{"deployment": "auth-service", "revision": 12})
	if err != nil {
		t.Fatalf("rollback_deployment failed: %v", err)
	}
	if !strings.Contains(out, "revision 12") {
		t.Errorf("unexpected rollback output %q", out)
	}
}

func TestLocalProvider_UnknownTool(t *testing.T) {
	p := NewLocalProvider(zap.NewNop())
	if _, err := p.Invoke(context.Background(), "format_disk", nil); err == nil {
		t.Error("expected an error for an unknown tool")
	}
}

func TestLocalProvider_HonorsContext(t *testing.T) {
	p := NewLocalProvider(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Invoke(ctx, "check_db_status", map[string]interface{}{"shard_id": "db-shard-01"}); err == nil {
		t.Error("expected a cancelled context to fail the call")
	}
}
