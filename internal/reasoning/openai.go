package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/ram677/ops-swarm/internal/incident"
	"github.com/ram677/ops-swarm/internal/metrics"
	"github.com/ram677/ops-swarm/internal/tools"
)

// openAIClient speaks to any OpenAI-compatible chat completion endpoint.
type openAIClient struct {
	llm    *openai.LLM
	cfg    Config
	specs  []tools.Spec
	logger *zap.Logger
}

// NewOpenAIClient builds the OpenAI-compatible provider.
func NewOpenAIClient(cfg Config, registry tools.Registry, logger *zap.Logger) (Client, error) {
	if cfg.Model == "" {
		return nil, errors.New("reasoning model is required")
	}
	if registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	token := cfg.APIKey
	if token == "" {
		// Compatible keyless servers still want a bearer value.
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create reasoning client: %w", err)
	}
	return &openAIClient{llm: llm, cfg: cfg, specs: registry.List(), logger: logger}, nil
}

// ─────────────────────────── Operations ───────────────────────────

type diagnosisJSON struct {
	Category          string   `json:"category"`
	Explanation       string   `json:"explanation"`
	Confidence        float64  `json:"confidence"`
	AffectedResources []string `json:"affected_resources"`
}

func (c *openAIClient) Diagnose(ctx context.Context, signal incident.Signal, priorAttempts []string) (*incident.Diagnosis, error) {
	prompt := diagnoseUserPrompt(signal, priorAttempts)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		raw, err := c.generate(ctx, "diagnose", diagnoseSystemPrompt, withStrictness(prompt, attempt))
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		diag, err := c.parseDiagnosis(raw)
		if err != nil {
			lastErr = err
			c.logger.Warn("unparseable diagnosis response",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return diag, nil
	}
	return nil, fmt.Errorf("diagnose: %w: %v", ErrExhausted, lastErr)
}

func (c *openAIClient) parseDiagnosis(raw string) (*incident.Diagnosis, error) {
	block, ok := extractJSONBlock(raw)
	if !ok {
		return nil, errors.New("response contains no JSON object")
	}
	var out diagnosisJSON
	if err := json.Unmarshal([]byte(block), &out); err != nil {
		return nil, fmt.Errorf("malformed diagnosis JSON: %w", err)
	}
	category := incident.RootCause(strings.ToUpper(strings.TrimSpace(out.Category)))
	if !incident.ValidRootCause(category) {
		return nil, fmt.Errorf("unknown root-cause category %q", out.Category)
	}
	diag := &incident.Diagnosis{
		Category:          category,
		Explanation:       strings.TrimSpace(out.Explanation),
		Confidence:        normalizeConfidence(out.Confidence),
		AffectedResources: out.AffectedResources,
		CreatedAt:         time.Now().UTC(),
	}
	if err := diag.Validate(); err != nil {
		return nil, err
	}
	return diag, nil
}

type planJSON struct {
	Actions []struct {
		Tool       string                 `json:"tool"`
		Parameters map[string]interface{} `json:"parameters"`
		Rationale  string                 `json:"rationale"`
	} `json:"actions"`
}

func (c *openAIClient) Propose(ctx context.Context, incidentID string, attempt int, diag incident.Diagnosis, priorAttempts []string) (*incident.Plan, error) {
	prompt := proposeUserPrompt(diag, c.specs, priorAttempts)
	var lastErr error
	for try := 1; try <= c.cfg.MaxAttempts; try++ {
		raw, err := c.generate(ctx, "propose", proposeSystemPrompt, withStrictness(prompt, try))
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		plan, err := c.parsePlan(raw, incidentID, attempt)
		if err != nil {
			lastErr = err
			c.logger.Warn("unparseable plan response",
				zap.Int("attempt", try), zap.Error(err))
			continue
		}
		return plan, nil
	}
	return nil, fmt.Errorf("propose: %w: %v", ErrExhausted, lastErr)
}

func (c *openAIClient) parsePlan(raw, incidentID string, attempt int) (*incident.Plan, error) {
	block, ok := extractJSONBlock(raw)
	if !ok {
		return nil, errors.New("response contains no JSON object")
	}
	var out planJSON
	if err := json.Unmarshal([]byte(block), &out); err != nil {
		return nil, fmt.Errorf("malformed plan JSON: %w", err)
	}
	if len(out.Actions) == 0 {
		return nil, errors.New("plan has no actions")
	}

	known := make(map[string]bool, len(c.specs))
	for _, spec := range c.specs {
		known[spec.Name] = true
	}
	actions := make([]incident.Action, 0, len(out.Actions))
	for i, a := range out.Actions {
		tool := strings.TrimSpace(a.Tool)
		if tool == "" {
			return nil, fmt.Errorf("action %d has no tool name", i)
		}
		if !known[tool] {
			return nil, fmt.Errorf("action %d uses a tool outside the catalog: %q", i, tool)
		}
		params := a.Parameters
		if params == nil {
			params = map[string]interface{}{}
		}
		actions = append(actions, incident.Action{
			Tool:       tool,
			Parameters: params,
			Rationale:  strings.TrimSpace(a.Rationale),
		})
	}

	plan := &incident.Plan{
		ID:         incident.NewPlanID(),
		IncidentID: incidentID,
		Attempt:    attempt,
		Actions:    actions,
		CreatedAt:  time.Now().UTC(),
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// ─────────────────────────── Completion ───────────────────────────

func (c *openAIClient) generate(ctx context.Context, step, system, user string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.llm.GenerateContent(cctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, system),
			llms.TextParts(llms.ChatMessageTypeHuman, user),
		},
		llms.WithTemperature(c.cfg.Temperature),
		llms.WithMaxTokens(c.cfg.MaxTokens),
		llms.WithJSONMode(),
	)
	metrics.ReasoningRequestDuration.WithLabelValues("openai", step).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ReasoningRequestsTotal.WithLabelValues("openai", step, "error").Inc()
		return "", fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.ReasoningRequestsTotal.WithLabelValues("openai", step, "error").Inc()
		return "", errors.New("completion returned no choices")
	}
	metrics.ReasoningRequestsTotal.WithLabelValues("openai", step, "success").Inc()
	return resp.Choices[0].Content, nil
}

func withStrictness(prompt string, attempt int) string {
	if attempt <= 1 {
		return prompt
	}
	return prompt + strictRetryNote
}

// normalizeConfidence maps percent-style values into [0,1] and clamps.
func normalizeConfidence(v float64) float64 {
	if v > 1 && v <= 100 {
		v = v / 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// extractJSONBlock strips optional markdown fences and returns the
// outermost JSON object found in the response. Handles bare JSON and
// code-fenced blocks.
func extractJSONBlock(response string) (string, bool) {
	stripped := response
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if idx := strings.Index(stripped, fence); idx != -1 {
			stripped = stripped[idx+len(fence):]
			if end := strings.Index(stripped, "```"); end != -1 {
				stripped = stripped[:end]
			}
			break
		}
	}
	start := strings.Index(stripped, "{")
	end := strings.LastIndex(stripped, "}")
	if start != -1 && end != -1 && end > start {
		return stripped[start : end+1], true
	}
	return "", false
}
