package agentrun

import (
	"context"
	"fmt"
	"strings"
)

// ============================================================================
// STEP EXPLANATIONS - deterministic rules first, LLM only below confidence
// ============================================================================

// LLMExplainer produces a free-text explanation for a step when the
// deterministic rules are not confident enough. Optional; nil disables it.
type LLMExplainer interface {
	ExplainStep(ctx context.Context, run *AgentRun, step *AgentStep) (string, error)
}

// Explainer decides, per step, between the deterministic rule output and an
// LLM call.
type Explainer struct {
	llm        LLMExplainer
	confidence float64
}

// NewExplainer builds an explainer. confidence is the threshold below which
// the LLM (if any) is consulted; default 0.70.
func NewExplainer(llm LLMExplainer, confidence float64) *Explainer {
	if confidence <= 0 || confidence > 1 {
		confidence = 0.70
	}
	return &Explainer{llm: llm, confidence: confidence}
}

// Explain produces one explanation per step.
func (e *Explainer) Explain(ctx context.Context, run *AgentRun) []Explanation {
	out := make([]Explanation, 0, len(run.Steps))
	for i := range run.Steps {
		step := &run.Steps[i]
		text, conf := deterministicExplanation(step)

		if conf < e.confidence && e.llm != nil {
			if llmText, err := e.llm.ExplainStep(ctx, run, step); err == nil && llmText != "" {
				out = append(out, Explanation{
					StepIndex:  step.StepIndex,
					Text:       llmText,
					Confidence: conf,
					Source:     "llm",
				})
				continue
			}
		}

		out = append(out, Explanation{
			StepIndex:  step.StepIndex,
			Text:       text,
			Confidence: conf,
			Source:     "deterministic",
		})
	}
	return out
}

// deterministicExplanation maps a step to a templated explanation and a
// confidence score. Clear-cut step types score high; free-form ones low.
func deterministicExplanation(s *AgentStep) (string, float64) {
	switch s.Type {
	case StepUserInput:
		return "User provided input to the agent.", 0.95

	case StepRetry:
		if s.cacheHit() {
			return "The agent retried a previous operation and the result was served from cache.", 0.90
		}
		return "The agent retried a previous operation without a cached result, incurring repeat cost.", 0.90

	case StepError:
		if s.Summary != "" {
			return fmt.Sprintf("The agent hit an error: %s", s.Summary), 0.85
		}
		return "The agent hit an unspecified error.", 0.75

	case StepToolCall:
		if s.Tool == "" {
			return "The agent invoked a tool.", 0.50
		}
		if strings.TrimSpace(s.ToolOutputSummary) == "" {
			return fmt.Sprintf("The agent called %q but the tool returned no output.", s.Tool), 0.85
		}
		return fmt.Sprintf("The agent called %q and received output.", s.Tool), 0.80

	case StepToolResult:
		if strings.TrimSpace(s.ToolOutputSummary) == "" {
			return "A tool finished with empty output.", 0.80
		}
		return "A tool finished and returned its result to the agent.", 0.80

	case StepModelResponse:
		return "The model produced a response for this turn.", 0.75

	case StepDecision:
		if s.Decision != "" {
			return fmt.Sprintf("The agent decided: %s", s.Decision), 0.75
		}
		// Free-form reasoning with no recorded decision is ambiguous.
		return "The agent performed a reasoning step.", 0.40

	default:
		return "Unrecognized step.", 0.10
	}
}
