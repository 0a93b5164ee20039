package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ram677/ops-swarm/internal/db"
)

func TestNewLogger(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
		Compress:     false,
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if logger == nil {
		t.Fatal("Expected logger to be non-nil")
	}
}

func TestNewLoggerWithInvalidLevel(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "invalid",
	}

	_, err := NewLogger(config)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}

	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected 'invalid log level' error, got: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/opsswarm-audit.log" {
		t.Errorf("Expected audit log path 'logs/opsswarm-audit.log', got %s", config.AuditLogPath)
	}

	if config.AppLogPath != "logs/opsswarm.log" {
		t.Errorf("Expected app log path 'logs/opsswarm.log', got %s", config.AppLogPath)
	}

	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}

	if config.MaxBackups != 10 {
		t.Errorf("Expected max backups 10, got %d", config.MaxBackups)
	}

	if config.LogLevel != "info" {
		t.Errorf("Expected log level 'info', got %s", config.LogLevel)
	}
}

func TestLogEvent(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	event := NewEvent(EventIncidentCreated).
		WithCorrelationID("INC-20260825-abc12345").
		WithUser("ingest").
		WithResource("db-shard-04", "database").
		WithResult(ResultSuccess)

	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	// Force flush
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// Verify log file was created
	if _, err := os.Stat(config.AuditLogPath); os.IsNotExist(err) {
		t.Fatal("Audit log file was not created")
	}

	// Read and verify log content
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	logContent := string(content)
	if !strings.Contains(logContent, "INC-20260825-abc12345") {
		t.Error("Log does not contain correlation ID")
	}

	if !strings.Contains(logContent, "incident.created") {
		t.Error("Log does not contain event type")
	}

	if !strings.Contains(logContent, "ingest") {
		t.Error("Log does not contain user")
	}
}

func TestLogIncidentLifecycle(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	incidentID := "INC-20260825-def67890"

	if err := logger.LogIncidentCreated(ctx, incidentID, "CRITICAL"); err != nil {
		t.Fatalf("LogIncidentCreated failed: %v", err)
	}

	if err := logger.LogTransition(ctx, incidentID, "NEW", "DIAGNOSING", "SIGNAL_RECEIVED"); err != nil {
		t.Fatalf("LogTransition failed: %v", err)
	}

	if err := logger.LogIncidentClosed(ctx, incidentID, "RESOLVED", 5*time.Minute); err != nil {
		t.Fatalf("LogIncidentClosed failed: %v", err)
	}

	// Force flush
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// Verify log content
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	logContent := string(content)
	if !strings.Contains(logContent, incidentID) {
		t.Error("Log does not contain incident ID")
	}

	if !strings.Contains(logContent, "incident.created") {
		t.Error("Log does not contain created event")
	}

	if !strings.Contains(logContent, "incident.transition") {
		t.Error("Log does not contain transition event")
	}

	if !strings.Contains(logContent, "incident.resolved") {
		t.Error("Log does not contain resolved event")
	}
}

func TestLogApprovalLifecycle(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	incidentID := "INC-20260825-aaa11111"
	planID := "plan-bb22cc33"

	if err := logger.LogPlanProposed(ctx, incidentID, planID, 2); err != nil {
		t.Fatalf("LogPlanProposed failed: %v", err)
	}

	if err := logger.LogPolicyVerdict(ctx, incidentID, planID, "ALLOW", ""); err != nil {
		t.Fatalf("LogPolicyVerdict failed: %v", err)
	}

	if err := logger.LogApprovalRequested(ctx, incidentID, planID); err != nil {
		t.Fatalf("LogApprovalRequested failed: %v", err)
	}

	if err := logger.LogApprovalResolved(ctx, incidentID, planID, "op-jane", "APPROVE"); err != nil {
		t.Fatalf("LogApprovalResolved failed: %v", err)
	}

	// Force flush
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// Verify log content
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	logContent := string(content)
	if !strings.Contains(logContent, "plan.proposed") {
		t.Error("Log does not contain proposed event")
	}

	if !strings.Contains(logContent, "policy.verdict") {
		t.Error("Log does not contain verdict event")
	}

	if !strings.Contains(logContent, "approval.requested") {
		t.Error("Log does not contain requested event")
	}

	if !strings.Contains(logContent, "approval.resolved") {
		t.Error("Log does not contain resolved event")
	}

	if !strings.Contains(logContent, "op-jane") {
		t.Error("Log does not contain operator")
	}
}

func TestLogToolExecution(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	incidentID := "INC-20260825-bbb22222"

	if err := logger.LogToolExecuted(ctx, incidentID, "restart_resource", nil, 2*time.Second); err != nil {
		t.Fatalf("LogToolExecuted failed: %v", err)
	}

	if err := logger.LogToolExecuted(ctx, incidentID, "scale_resource", errors.New("connection refused"), time.Second); err != nil {
		t.Fatalf("LogToolExecuted failed: %v", err)
	}

	// Force flush
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// Verify log content
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	logContent := string(content)
	if !strings.Contains(logContent, "tool.executed") {
		t.Error("Log does not contain executed event")
	}

	if !strings.Contains(logContent, "tool.failed") {
		t.Error("Log does not contain failed event")
	}

	if !strings.Contains(logContent, "connection refused") {
		t.Error("Log does not contain failure reason")
	}
}

func TestBufferAutoFlush(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()

	// Log multiple events
	for i := 0; i < 5; i++ {
		event := NewEvent(EventHealthCheck).
			WithCorrelationID("test").
			WithResult(ResultSuccess)

		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	// Wait for auto-flush (1 second ticker)
	time.Sleep(1500 * time.Millisecond)

	// Verify log file was created and has content
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	if len(content) == 0 {
		t.Error("Audit log is empty after auto-flush")
	}
}

func TestBufferFullFlush(t *testing.T) {
	tmpDir := t.TempDir()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		LogLevel:     "info",
	}

	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()

	// Log 100+ events to trigger buffer flush
	for i := 0; i < 105; i++ {
		event := NewEvent(EventHealthCheck).
			WithCorrelationID("test").
			WithResult(ResultSuccess)

		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	// Sync to ensure flush
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// Verify log file has all events
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}

	// Count number of events (each event is a JSON line)
	lines := strings.Split(string(content), "\n")
	eventCount := 0
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			eventCount++
		}
	}

	if eventCount < 105 {
		t.Errorf("Expected at least 105 events, got %d", eventCount)
	}
}

func TestCorrelationID(t *testing.T) {
	// Test GenerateCorrelationID
	id1 := GenerateCorrelationID()
	id2 := GenerateCorrelationID()

	if id1 == id2 {
		t.Error("Generated correlation IDs should be unique")
	}

	// Test context functions
	ctx := context.Background()

	// Without correlation ID
	if id := GetCorrelationID(ctx); id != "" {
		t.Errorf("Expected empty correlation ID, got %s", id)
	}

	// With correlation ID
	ctx = WithCorrelationID(ctx, "test-correlation-id")
	if id := GetCorrelationID(ctx); id != "test-correlation-id" {
		t.Errorf("Expected 'test-correlation-id', got %s", id)
	}
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventToolExecuted).
		WithCorrelationID("INC-20260825-ccc33333").
		WithUser("op-admin").
		WithResource("db-shard-04", "database").
		WithPlanID("plan-dd44ee55").
		WithAction("restart_resource").
		WithDescription("Restarting offline shard").
		WithResult(ResultSuccess).
		WithDuration(3 * time.Second).
		WithMetadata("reason", "connection refused")

	if event.CorrelationID != "INC-20260825-ccc33333" {
		t.Errorf("Expected correlation ID 'INC-20260825-ccc33333', got %s", event.CorrelationID)
	}

	if event.User != "op-admin" {
		t.Errorf("Expected user 'op-admin', got %s", event.User)
	}

	if event.Resource != "db-shard-04" {
		t.Errorf("Expected resource 'db-shard-04', got %s", event.Resource)
	}

	if event.PlanID != "plan-dd44ee55" {
		t.Errorf("Expected plan ID 'plan-dd44ee55', got %s", event.PlanID)
	}

	if event.Action != "restart_resource" {
		t.Errorf("Expected action 'restart_resource', got %s", event.Action)
	}

	if event.Result != ResultSuccess {
		t.Errorf("Expected result 'success', got %s", event.Result)
	}

	if event.DurationMs != 3000 {
		t.Errorf("Expected duration 3000ms, got %d", event.DurationMs)
	}

	if reason, ok := event.Metadata["reason"].(string); !ok || reason != "connection refused" {
		t.Errorf("Expected metadata reason 'connection refused', got %v", event.Metadata["reason"])
	}
}

func TestEventJSONSerialization(t *testing.T) {
	event := NewEvent(EventIncidentCreated).
		WithCorrelationID("INC-20260825-eee55555").
		WithUser("system").
		WithResult(ResultSuccess)

	// Serialize to JSON
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	// Deserialize from JSON
	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	// Verify fields
	if decoded.CorrelationID != "INC-20260825-eee55555" {
		t.Errorf("Expected correlation ID 'INC-20260825-eee55555', got %s", decoded.CorrelationID)
	}

	if decoded.User != "system" {
		t.Errorf("Expected user 'system', got %s", decoded.User)
	}

	if decoded.EventType != EventIncidentCreated {
		t.Errorf("Expected event type 'incident.created', got %s", decoded.EventType)
	}

	if decoded.Result != ResultSuccess {
		t.Errorf("Expected result 'success', got %s", decoded.Result)
	}
}

func TestLoggerMirrorsToStore(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := db.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	config := &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		LogLevel:     "info",
	}

	logger, err := NewLoggerWithStore(config, store)
	if err != nil {
		t.Fatalf("NewLoggerWithStore failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	event := NewEvent(EventPolicyVerdict).
		WithCorrelationID("INC-20260825-fff66666").
		WithPlanID("plan-aa11bb22").
		WithResult(ResultDenied).
		WithMetadata("verdict", "DENY").
		WithDescription("Policy verdict DENY for plan plan-aa11bb22")

	if err := logger.Log(ctx, event); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	records, err := store.QueryAuditEvents(ctx, db.AuditQuery{CorrelationID: "INC-20260825-fff66666"})
	if err != nil {
		t.Fatalf("QueryAuditEvents failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Expected 1 mirrored record, got %d", len(records))
	}

	rec := records[0]
	if rec.EventType != string(EventPolicyVerdict) {
		t.Errorf("Expected event type %q, got %q", EventPolicyVerdict, rec.EventType)
	}
	if rec.Result != string(ResultDenied) {
		t.Errorf("Expected result %q, got %q", ResultDenied, rec.Result)
	}
	if !strings.Contains(rec.Metadata, `"verdict":"DENY"`) {
		t.Errorf("Expected metadata blob to carry the verdict, got %s", rec.Metadata)
	}
	if rec.Description == "" {
		t.Error("Expected description to be mirrored")
	}
}
