package agentrun

import (
	"fmt"
	"strings"
)

// ============================================================================
// COST ATTRIBUTION - total, wasted, saved, cache hit rate, opportunities
// ============================================================================

// ComputeCosts builds the run's cost summary. Wasted spend counts retries
// plus tool calls that exactly repeat an earlier call (same tool, args and
// output).
func ComputeCosts(run *AgentRun) CostSummary {
	var summary CostSummary
	var cacheable, hits int
	seenCalls := make(map[string]struct{})

	for _, s := range run.Steps {
		summary.TotalCostUSD += s.APICostUSD

		switch s.Type {
		case StepRetry:
			summary.WastedSpendUSD += s.APICostUSD
		case StepToolCall:
			key := s.Tool + "\x00" + s.ToolArgs + "\x00" + s.ToolOutputSummary
			if _, dup := seenCalls[key]; dup {
				summary.WastedSpendUSD += s.APICostUSD
			} else {
				seenCalls[key] = struct{}{}
			}
		}

		if s.cacheHit() {
			summary.AmountSavedUSD += s.APICostUSD
		}

		switch s.Type {
		case StepToolCall, StepDecision, StepModelResponse:
			cacheable++
			if s.cacheHit() {
				hits++
			}
		}
	}

	if cacheable > 0 {
		summary.CacheHitRate = float64(hits) / float64(cacheable)
	}
	return summary
}

// canonicalPayload is the text compared for opportunity detection.
func canonicalPayload(s *AgentStep) string {
	switch s.Type {
	case StepToolCall:
		return strings.TrimSpace(s.Tool + " " + s.ToolArgs + " " + s.ToolOutputSummary)
	case StepModelResponse:
		if s.Raw != "" {
			return s.Raw
		}
		return s.Summary
	}
	return ""
}

// FindOpportunities scans for non-cached tool_call and model_response steps
// whose payload an earlier step of the same sub-class already produced with
// Jaccard similarity >= 0.90. Each step contributes at most one opportunity,
// pointing at the first matching earlier step.
func FindOpportunities(run *AgentRun) []CachingOpportunity {
	var opportunities []CachingOpportunity

	for i := range run.Steps {
		step := &run.Steps[i]
		if step.Type != StepToolCall && step.Type != StepModelResponse {
			continue
		}
		if step.cacheHit() {
			continue
		}
		payload := canonicalPayload(step)
		if payload == "" {
			continue
		}

		for j := 0; j < i; j++ {
			earlier := &run.Steps[j]
			if earlier.Type != step.Type {
				continue
			}
			if step.Type == StepToolCall && earlier.Tool != step.Tool {
				continue
			}
			refPayload := canonicalPayload(earlier)
			if refPayload == "" {
				continue
			}
			sim := JaccardWords(payload, refPayload)
			if sim >= 0.90 {
				opportunities = append(opportunities, CachingOpportunity{
					StepIndex:          step.StepIndex,
					ReferenceStepIndex: earlier.StepIndex,
					Similarity:         sim,
					SavedCost:          step.APICostUSD,
					Message: fmt.Sprintf("step %d repeats step %d (similarity %.2f); caching would save $%.4f",
						step.StepIndex, earlier.StepIndex, sim, step.APICostUSD),
				})
				break
			}
		}
	}
	return opportunities
}
