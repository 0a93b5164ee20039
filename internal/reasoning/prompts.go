package reasoning

import (
	"fmt"
	"strings"

	"github.com/ram677/ops-swarm/internal/incident"
	"github.com/ram677/ops-swarm/internal/tools"
)

const diagnoseSystemPrompt = `You are the diagnosis engine of an incident remediation orchestrator for production infrastructure.
Analyze the signal and classify the root cause into exactly one category:
CONNECTIVITY, RESOURCE_EXHAUSTION, CONFIGURATION, PERFORMANCE_DEGRADATION, DATA_CORRUPTION, SECURITY, UNKNOWN, NONE.
Use NONE only when the evidence shows no fault at all.
Respond with a single JSON object:
{"category": "...", "explanation": "...", "confidence": 0.0, "affected_resources": ["..."]}
confidence is a number between 0 and 1.`

const proposeSystemPrompt = `You are the planning engine of an incident remediation orchestrator for production infrastructure.
Draft the smallest remediation plan that addresses the diagnosis, using only the tools listed in the catalog.
Prefer reversible, targeted steps. Never invent tools or parameters.
Respond with a single JSON object:
{"actions": [{"tool": "...", "parameters": {...}, "rationale": "..."}]}`

// strictRetryNote is appended when the previous response failed to parse.
const strictRetryNote = `
Your previous response could not be parsed. Return ONLY one valid JSON object with the exact fields described. No prose, no markdown fences.`

func diagnoseUserPrompt(signal incident.Signal, priorAttempts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Signal from host %q (severity %s):\n%s\n", signal.Host, signal.Severity, signal.Text)
	writePriorAttempts(&b, priorAttempts)
	return b.String()
}

func proposeUserPrompt(diag incident.Diagnosis, specs []tools.Spec, priorAttempts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Diagnosis: category %s (confidence %.2f)\n%s\n", diag.Category, diag.Confidence, diag.Explanation)
	if len(diag.AffectedResources) > 0 {
		fmt.Fprintf(&b, "Affected resources: %s\n", strings.Join(diag.AffectedResources, ", "))
	}
	b.WriteString("\nTool catalog:\n")
	for _, spec := range specs {
		b.WriteString("  - ")
		b.WriteString(renderSpec(spec))
		b.WriteByte('\n')
	}
	writePriorAttempts(&b, priorAttempts)
	return b.String()
}

func renderSpec(spec tools.Spec) string {
	params := make([]string, 0, len(spec.Params))
	for _, p := range spec.Params {
		req := ""
		if p.Required {
			req = ", required"
		}
		params = append(params, fmt.Sprintf("%s (%s%s)", p.Name, p.Type, req))
	}
	traits := make([]string, 0, 2)
	if spec.Idempotent {
		traits = append(traits, "idempotent")
	}
	if spec.Destructive {
		traits = append(traits, "destructive")
	}
	out := fmt.Sprintf("%s(%s): %s", spec.Name, strings.Join(params, ", "), spec.Description)
	if len(traits) > 0 {
		out += " [" + strings.Join(traits, ", ") + "]"
	}
	return out
}

func writePriorAttempts(b *strings.Builder, priorAttempts []string) {
	if len(priorAttempts) == 0 {
		return
	}
	b.WriteString("\nEarlier remediation attempts that did not resolve the incident:\n")
	for i, attempt := range priorAttempts {
		fmt.Fprintf(b, "  %d. %s\n", i+1, attempt)
	}
	b.WriteString("Do not repeat an approach that already failed.\n")
}
