package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestrator metrics for production monitoring
var (
	// Incident metrics
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_incidents_total",
			Help: "Total number of incidents opened",
		},
		[]string{"severity"},
	)

	IncidentsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_incidents_closed_total",
			Help: "Total number of incidents closed, by terminal outcome",
		},
		[]string{"outcome"},
	)

	IncidentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsswarm_incident_duration_seconds",
			Help:    "Time from signal to terminal outcome in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"outcome"},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_transitions_total",
			Help: "Total number of state machine transitions",
		},
		[]string{"from", "to", "event"},
	)

	InvalidTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_invalid_transitions_total",
			Help: "Total number of rejected out-of-order events",
		},
		[]string{"state", "event"},
	)

	// Reasoning metrics
	ReasoningRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_reasoning_requests_total",
			Help: "Total number of reasoning provider requests",
		},
		[]string{"provider", "step", "status"}, // step: diagnose/propose
	)

	ReasoningRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsswarm_reasoning_request_duration_seconds",
			Help:    "Reasoning request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "step"},
	)

	// Policy gate metrics
	PolicyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_policy_evaluations_total",
			Help: "Total number of policy gate evaluations",
		},
		[]string{"verdict"}, // verdict: ALLOW/DENY/ESCALATE
	)

	PolicyDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_policy_denied_total",
			Help: "Total number of plans denied by the policy gate",
		},
		[]string{"rule"},
	)

	PolicyRulesReloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsswarm_policy_rules_reloads_total",
			Help: "Total number of policy rules file reloads",
		},
	)

	// Approval gate metrics
	ApprovalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsswarm_approvals_pending",
			Help: "Current number of plans waiting on a human decision",
		},
	)

	ApprovalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_approvals_resolved_total",
			Help: "Total number of approval decisions, by kind",
		},
		[]string{"decision"}, // decision: APPROVE/REJECT/MODIFY/TIMEOUT
	)

	ApprovalWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opsswarm_approval_wait_seconds",
			Help:    "Time a plan spent waiting on a human decision",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
	)

	// Tool executor metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_tool_calls_total",
			Help: "Total number of tool dispatches",
		},
		[]string{"tool", "status"}, // status: success/failure/timeout
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsswarm_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"tool"},
	)

	ToolRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_tool_retries_total",
			Help: "Total number of automatic retries of idempotent tools",
		},
		[]string{"tool"},
	)

	// Signal intake metrics
	SignalsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsswarm_signals_throttled_total",
			Help: "Total number of signal submissions rejected by the rate limiter",
		},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "opsswarm_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsswarm_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)
)
