package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/incident"
)

// fakeProvider fails a tool a configured number of times, or hangs until
// the context expires.
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	failures map[string]int
	hang     map[string]bool
}

func (f *fakeProvider) Invoke(ctx context.Context, tool string, params map[string]interface{}) (string, error) {
	f.mu.Lock()
	f.calls++
	if f.hang[tool] {
		f.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	remaining := f.failures[tool]
	if remaining > 0 {
		f.failures[tool] = remaining - 1
		f.mu.Unlock()
		return "", errors.New("backend unavailable")
	}
	f.mu.Unlock()
	return "SUCCESS", nil
}

func (f *fakeProvider) Close() error { return nil }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestExecutor(t *testing.T, provider Provider, timeout time.Duration) Executor {
	t.Helper()
	e, err := NewExecutor(DefaultRegistry(), provider, Config{Timeout: timeout}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewExecutor failed: %v", err)
	}
	return e
}

func fetchLogsAction() incident.Action {
	return incident.Action{
		Tool:       "fetch_service_logs",
		Parameters: map[string]interface{}{"service_name": "payment_gateway"},
		Rationale:  "inspect recent errors",
	}
}

func restartAction() incident.Action {
	return incident.Action{
		Tool:       "restart_resource",
		Parameters: map[string]interface{}{"resource_id": "db-shard-04"},
		Rationale:  "restart the offline shard",
	}
}

func TestExecute_Success(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestExecutor(t, provider, time.Second)

	res, err := e.Execute(context.Background(), "INC-1", "plan-1", 0, fetchLogsAction())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success {
		t.Error("expected a successful result")
	}
	if res.Output != "SUCCESS" {
		t.Errorf("expected provider output, got %q", res.Output)
	}
	if res.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", res.Attempt)
	}
	if res.Tool != "fetch_service_logs" || res.IncidentID != "INC-1" || res.PlanID != "plan-1" {
		t.Errorf("result not bound to the dispatch: %+v", res)
	}
	if provider.callCount() != 1 {
		t.Errorf("expected 1 provider call, got %d", provider.callCount())
	}
}

func TestExecute_UnknownToolNeverDispatches(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestExecutor(t, provider, time.Second)

	_, err := e.Execute(context.Background(), "INC-1", "plan-1", 0, incident.Action{Tool: "format_disk"})
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownToolError, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("expected no provider calls, got %d", provider.callCount())
	}
}

func TestExecute_ValidationFailureNeverDispatches(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestExecutor(t, provider, time.Second)

	action := incident.Action{
		Tool:       "scale_resource",
		Parameters: map[string]interface{}{"resource_id": "payment-gateway", "replicas": "six"},
	}
	_, err := e.Execute(context.Background(), "INC-1", "plan-1", 0, action)
	var invalid *ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(invalid.Problems) == 0 {
		t.Error("expected the validation problems to be reported")
	}
	if provider.callCount() != 0 {
		t.Errorf("expected no provider calls, got %d", provider.callCount())
	}
}

func TestExecute_IdempotentRetriesOnce(t *testing.T) {
	provider := &fakeProvider{failures: map[string]int{"fetch_service_logs": 1}}
	e := newTestExecutor(t, provider, time.Second)

	res, err := e.Execute(context.Background(), "INC-1", "plan-1", 0, fetchLogsAction())
	if err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if res.Attempt != 2 {
		t.Errorf("expected the result to come from attempt 2, got %d", res.Attempt)
	}
	if provider.callCount() != 2 {
		t.Errorf("expected 2 provider calls, got %d", provider.callCount())
	}
}

func TestExecute_IdempotentGivesUpAfterSecondFailure(t *testing.T) {
	provider := &fakeProvider{failures: map[string]int{"fetch_service_logs": 5}}
	e := newTestExecutor(t, provider, time.Second)

	res, err := e.Execute(context.Background(), "INC-1", "plan-1", 0, fetchLogsAction())
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if execErr.Attempt != 2 {
		t.Errorf("expected failure reported from attempt 2, got %d", execErr.Attempt)
	}
	if res == nil || res.Success {
		t.Error("expected a failed result to be returned alongside the error")
	}
	if provider.callCount() != 2 {
		t.Errorf("expected 2 provider calls, got %d", provider.callCount())
	}
}

func TestExecute_NonIdempotentNeverRetries(t *testing.T) {
	provider := &fakeProvider{failures: map[string]int{"restart_resource": 1}}
	e := newTestExecutor(t, provider, time.Second)

	res, err := e.Execute(context.Background(), "INC-1", "plan-1", 0, restartAction())
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if provider.callCount() != 1 {
		t.Errorf("expected exactly 1 provider call for a non-idempotent tool, got %d", provider.callCount())
	}
	if res == nil || res.Success {
		t.Error("expected a failed result")
	}
	if res.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", res.Attempt)
	}
}

func TestExecute_TimeoutIsMarked(t *testing.T) {
	provider := &fakeProvider{hang: map[string]bool{"restart_resource": true}}
	e := newTestExecutor(t, provider, 30*time.Millisecond)

	res, err := e.Execute(context.Background(), "INC-1", "plan-1", 0, restartAction())
	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if !execErr.Timeout {
		t.Error("expected the error to be marked as a timeout")
	}
	if res == nil || !res.TimedOut {
		t.Error("expected the result to be marked as timed out")
	}
}

func TestExecute_ParentCancellationStopsRetry(t *testing.T) {
	provider := &fakeProvider{hang: map[string]bool{"fetch_service_logs": true}}
	e := newTestExecutor(t, provider, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, "INC-1", "plan-1", 0, fetchLogsAction())
	if err == nil {
		t.Fatal("expected an error")
	}
	if provider.callCount() != 1 {
		t.Errorf("expected no retry once the parent context is done, got %d calls", provider.callCount())
	}
}
