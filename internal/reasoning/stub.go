package reasoning

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ram677/ops-swarm/internal/incident"
	"github.com/ram677/ops-swarm/internal/metrics"
)

// StubClient answers deterministically from the built-in scenario
// fixtures: database connectivity loss, auth latency and log-volume disk
// exhaustion. Post-remediation evidence in the signal (successful tool
// output, a shard reporting ONLINE) diagnoses as NONE, which is how
// verification passes. Replans propose a different approach than the
// first attempt.
type StubClient struct{}

// NewStubClient creates the fixture-backed reasoning client.
func NewStubClient() *StubClient { return &StubClient{} }

func (s *StubClient) Diagnose(ctx context.Context, signal incident.Signal, priorAttempts []string) (*incident.Diagnosis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.ReasoningRequestsTotal.WithLabelValues("stub", "diagnose", "success").Inc()

	text := strings.ToLower(signal.Text)
	now := time.Now().UTC()

	// Remediation evidence wins over the original fault markers, which
	// stay embedded in verification probes.
	if strings.Contains(text, "success:") || strings.Contains(text, "status: online") {
		return &incident.Diagnosis{
			Category:    incident.CauseNone,
			Explanation: "remediation evidence present and no active fault markers remain",
			Confidence:  0.9,
			CreatedAt:   now,
		}, nil
	}

	switch {
	case strings.Contains(text, "connection refused"),
		strings.Contains(text, "unable to connect"),
		strings.Contains(text, "db-shard"),
		strings.Contains(text, "db_shard"):
		return &incident.Diagnosis{
			Category:          incident.CauseConnectivity,
			Explanation:       "payment gateway cannot reach database shard db-shard-04; the shard is refusing connections",
			Confidence:        0.92,
			AffectedResources: []string{"db-shard-04", "payment_gateway"},
			CreatedAt:         now,
		}, nil
	case strings.Contains(text, "latency"),
		strings.Contains(text, "response time"),
		strings.Contains(text, "2000ms"):
		return &incident.Diagnosis{
			Category:          incident.CausePerformance,
			Explanation:       "auth service response times exceed the 2000ms budget under load",
			Confidence:        0.84,
			AffectedResources: []string{"auth_service"},
			CreatedAt:         now,
		}, nil
	case strings.Contains(text, "disk"),
		strings.Contains(text, "no space"):
		return &incident.Diagnosis{
			Category:          incident.CauseResourceExhaustion,
			Explanation:       "logging pipeline host has exhausted its log volume and is dropping events",
			Confidence:        0.88,
			AffectedResources: []string{"logging_pipeline"},
			CreatedAt:         now,
		}, nil
	default:
		return &incident.Diagnosis{
			Category:    incident.CauseUnknown,
			Explanation: "signal does not match a known failure pattern",
			Confidence:  0.4,
			CreatedAt:   now,
		}, nil
	}
}

func (s *StubClient) Propose(ctx context.Context, incidentID string, attempt int, diag incident.Diagnosis, priorAttempts []string) (*incident.Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if diag.Category == incident.CauseNone {
		return nil, errors.New("nothing to remediate: diagnosis found no fault")
	}
	metrics.ReasoningRequestsTotal.WithLabelValues("stub", "propose", "success").Inc()

	replan := attempt > 1 || len(priorAttempts) > 0
	var actions []incident.Action
	switch diag.Category {
	case incident.CauseConnectivity:
		if replan {
			actions = []incident.Action{
				scaleAction("payment_gateway", 6, "add gateway replicas to absorb the retry storm"),
				restartAction("db-shard-04", "restart the shard again after relieving connection pressure"),
			}
		} else {
			actions = []incident.Action{
				checkDBAction("db-shard-04", "confirm the shard state before touching it"),
				restartAction("db-shard-04", "restart the offline shard to restore connectivity"),
			}
		}
	case incident.CausePerformance:
		if replan {
			actions = []incident.Action{
				{
					Tool:       "rollback_deployment",
					Parameters: map[string]interface{}{"deployment": "auth_service", "revision": 1},
					Rationale:  "scaling did not recover latency; roll back to the last known good revision",
				},
			}
		} else {
			actions = []incident.Action{
				scaleAction("auth_service", 6, "scale out to bring response times back under the budget"),
			}
		}
	case incident.CauseResourceExhaustion:
		if replan {
			actions = []incident.Action{
				scaleAction("logging_pipeline", 3, "spread log volume across more shippers"),
			}
		} else {
			actions = []incident.Action{
				restartAction("logging_pipeline", "restart the pipeline to trigger log rotation and free the volume"),
			}
		}
	default:
		service := "payment_gateway"
		if len(diag.AffectedResources) > 0 {
			service = diag.AffectedResources[0]
		}
		actions = []incident.Action{
			{
				Tool:       "fetch_service_logs",
				Parameters: map[string]interface{}{"service_name": service},
				Rationale:  "gather more evidence for an unclassified fault",
			},
		}
	}

	return &incident.Plan{
		ID:         incident.NewPlanID(),
		IncidentID: incidentID,
		Attempt:    attempt,
		Actions:    actions,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func checkDBAction(shard, rationale string) incident.Action {
	return incident.Action{
		Tool:       "check_db_status",
		Parameters: map[string]interface{}{"shard_id": shard},
		Rationale:  rationale,
	}
}

func restartAction(resource, rationale string) incident.Action {
	return incident.Action{
		Tool:       "restart_resource",
		Parameters: map[string]interface{}{"resource_id": resource},
		Rationale:  rationale,
	}
}

func scaleAction(resource string, replicas int, rationale string) incident.Action {
	return incident.Action{
		Tool:       "scale_resource",
		Parameters: map[string]interface{}{"resource_id": resource, "replicas": replicas},
		Rationale:  rationale,
	}
}
