package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ram677/ops-swarm/internal/db"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// LogIncident logs incident lifecycle events
	LogIncidentCreated(ctx context.Context, incidentID, severity string) error
	LogTransition(ctx context.Context, incidentID, from, to, event string) error
	LogIncidentClosed(ctx context.Context, incidentID, outcome string, duration time.Duration) error

	// LogPlan logs plan lifecycle events
	LogPlanProposed(ctx context.Context, incidentID, planID string, actionCount int) error
	LogPolicyVerdict(ctx context.Context, incidentID, planID, verdict, rule string) error

	// LogApproval logs approval gate events
	LogApprovalRequested(ctx context.Context, incidentID, planID string) error
	LogApprovalResolved(ctx context.Context, incidentID, planID, operator, decision string) error

	// LogTool logs tool execution events
	LogToolExecuted(ctx context.Context, incidentID, tool string, err error, duration time.Duration) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/opsswarm-audit.log",
		AppLogPath:   "logs/opsswarm.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
	}
}

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	store       db.AuditStore
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
}

// NewLogger creates a new audit logger writing to the rotating log files only.
func NewLogger(config *Config) (Logger, error) {
	return NewLoggerWithStore(config, nil)
}

// NewLoggerWithStore creates an audit logger that additionally mirrors every
// flushed event into the store's audit table, so the trail is queryable next
// to the incident records it describes.
func NewLoggerWithStore(config *Config, store db.AuditStore) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Parse log level
	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	// Create encoder config
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	// Create application logger with rotation
	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Create audit logger with rotation (always INFO level, append-only)
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	auditZapLogger := zap.New(auditCore)

	// Create the logger instance
	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: auditZapLogger,
		config:      config,
		store:       store,
		buffer:      make([]*Event, 0, 100),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	// Start auto-flush goroutine
	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Add to buffer
	l.buffer = append(l.buffer, event)

	// Flush if buffer is full
	if len(l.buffer) >= 100 {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	// Write all buffered events
	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)

		if l.store != nil {
			if err := l.store.AppendAuditEvent(context.Background(), toRecord(event)); err != nil {
				l.appLogger.Warn("failed to mirror audit event to store",
					zap.Error(err),
					zap.String("event_type", string(event.EventType)),
				)
			}
		}
	}

	// Clear buffer
	l.buffer = l.buffer[:0]

	return nil
}

// toRecord maps an event onto its audit table row. Metadata collapses into a
// JSON blob column.
func toRecord(e *Event) *db.AuditRecord {
	meta := ""
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			meta = string(b)
		}
	}
	return &db.AuditRecord{
		CorrelationID: e.CorrelationID,
		EventType:     string(e.EventType),
		Description:   e.Description,
		Resource:      e.Resource,
		Action:        e.Action,
		Result:        string(e.Result),
		UserID:        e.User,
		Metadata:      meta,
		Timestamp:     e.Timestamp,
	}
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogIncidentCreated logs when a signal opens a new incident
func (l *auditLogger) LogIncidentCreated(ctx context.Context, incidentID, severity string) error {
	event := NewEvent(EventIncidentCreated).
		WithCorrelationID(incidentID).
		WithResult(ResultSuccess).
		WithMetadata("severity", severity).
		WithDescription(fmt.Sprintf("Incident %s opened", incidentID))

	return l.Log(ctx, event)
}

// LogTransition logs a state machine transition
func (l *auditLogger) LogTransition(ctx context.Context, incidentID, from, to, event string) error {
	e := NewEvent(EventIncidentStateMove).
		WithCorrelationID(incidentID).
		WithResult(ResultSuccess).
		WithAction(event).
		WithMetadata("from", from).
		WithMetadata("to", to).
		WithDescription(fmt.Sprintf("Incident %s moved %s -> %s on %s", incidentID, from, to, event))

	return l.Log(ctx, e)
}

// LogIncidentClosed logs a terminal outcome
func (l *auditLogger) LogIncidentClosed(ctx context.Context, incidentID, outcome string, duration time.Duration) error {
	eventType := EventIncidentResolved
	result := ResultSuccess
	switch outcome {
	case "BLOCKED":
		eventType = EventIncidentBlocked
		result = ResultDenied
	case "ABANDONED":
		eventType = EventIncidentAbandoned
		result = ResultFailure
	}

	event := NewEvent(eventType).
		WithCorrelationID(incidentID).
		WithResult(result).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Incident %s closed with outcome %s", incidentID, outcome))

	return l.Log(ctx, event)
}

// LogPlanProposed logs when a remediation plan is produced
func (l *auditLogger) LogPlanProposed(ctx context.Context, incidentID, planID string, actionCount int) error {
	event := NewEvent(EventPlanProposed).
		WithCorrelationID(incidentID).
		WithPlanID(planID).
		WithResult(ResultPending).
		WithMetadata("action_count", actionCount).
		WithDescription(fmt.Sprintf("Plan %s proposed for %s with %d actions", planID, incidentID, actionCount))

	return l.Log(ctx, event)
}

// LogPolicyVerdict logs the policy gate's ruling on a plan
func (l *auditLogger) LogPolicyVerdict(ctx context.Context, incidentID, planID, verdict, rule string) error {
	result := ResultSuccess
	if verdict == "DENY" {
		result = ResultDenied
	}

	event := NewEvent(EventPolicyVerdict).
		WithCorrelationID(incidentID).
		WithPlanID(planID).
		WithResult(result).
		WithMetadata("verdict", verdict).
		WithDescription(fmt.Sprintf("Policy verdict %s for plan %s", verdict, planID))
	if rule != "" {
		event.WithMetadata("matched_rule", rule)
	}

	return l.Log(ctx, event)
}

// LogApprovalRequested logs when a plan enters the approval gate
func (l *auditLogger) LogApprovalRequested(ctx context.Context, incidentID, planID string) error {
	event := NewEvent(EventApprovalRequested).
		WithCorrelationID(incidentID).
		WithPlanID(planID).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Approval requested for plan %s", planID))

	return l.Log(ctx, event)
}

// LogApprovalResolved logs an operator's decision
func (l *auditLogger) LogApprovalResolved(ctx context.Context, incidentID, planID, operator, decision string) error {
	result := ResultSuccess
	if decision == "REJECT" {
		result = ResultDenied
	}

	event := NewEvent(EventApprovalResolved).
		WithCorrelationID(incidentID).
		WithPlanID(planID).
		WithUser(operator).
		WithResult(result).
		WithMetadata("decision", decision).
		WithDescription(fmt.Sprintf("Plan %s %s by %s", planID, decision, operator))

	return l.Log(ctx, event)
}

// LogToolExecuted logs a tool dispatch and its outcome
func (l *auditLogger) LogToolExecuted(ctx context.Context, incidentID, tool string, err error, duration time.Duration) error {
	eventType := EventToolExecuted
	if err != nil {
		eventType = EventToolFailed
	}

	event := NewEvent(eventType).
		WithCorrelationID(incidentID).
		WithAction(tool).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithError(err, "tool_execution_error").
		WithDescription(fmt.Sprintf("Tool %s executed for %s", tool, incidentID))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	close(l.stopCh)
	l.flushTicker.Stop()

	if err := l.Sync(); err != nil {
		return err
	}

	return nil
}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value("correlation_id").(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, "correlation_id", id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid())
}
