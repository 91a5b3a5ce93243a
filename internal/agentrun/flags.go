package agentrun

import (
	"fmt"
	"strings"

	"github.com/ocx/gateway/internal/config"
)

// ============================================================================
// FLAG DETECTION - deterministic rules over the step sequence
// ============================================================================

const (
	FlagLoopDetected   = "loop_detected"
	FlagHighCostStep   = "high_cost_step"
	FlagRepeatedTool   = "repeated_tool"
	FlagEmptyToolOut   = "empty_tool_output"
	FlagErrorFallback  = "error_fallback"
	FlagCacheMissRetry = "cache_miss_retry"
	FlagPromptMutation = "prompt_mutation"
)

// DetectFlags runs every rule over the run's steps. Steps are assumed sorted
// by step_index; the result is deterministic for a given input.
func DetectFlags(run *AgentRun, cfg config.DetectionConfig) []Flag {
	flags := make([]Flag, 0, 4)
	flags = append(flags, detectLoops(run.Steps, cfg)...)
	flags = append(flags, detectHighCost(run.Steps, cfg)...)
	flags = append(flags, detectRepeatedTools(run.Steps, cfg)...)
	flags = append(flags, detectEmptyToolOutput(run.Steps)...)
	flags = append(flags, detectErrorFallback(run.Steps)...)
	flags = append(flags, detectCacheMissRetry(run.Steps)...)
	flags = append(flags, detectPromptMutation(run.Steps)...)
	return flags
}

// detectLoops flags any step type occurring loopThreshold or more times
// within the sliding window. One flag per offending type, anchored at the
// step that completes the first full window.
func detectLoops(steps []AgentStep, cfg config.DetectionConfig) []Flag {
	byType := make(map[StepType][]int)
	for i, s := range steps {
		byType[s.Type] = append(byType[s.Type], i)
	}

	var flags []Flag
	for _, t := range []StepType{StepUserInput, StepDecision, StepToolCall,
		StepToolResult, StepModelResponse, StepError, StepRetry} {
		idxs := byType[t]
		if len(idxs) < cfg.LoopThreshold {
			continue
		}
		for end := cfg.LoopThreshold - 1; end < len(idxs); end++ {
			startStep := steps[idxs[end-cfg.LoopThreshold+1]]
			endStep := steps[idxs[end]]
			if endStep.Timestamp.Sub(startStep.Timestamp) <= cfg.LoopWindow {
				idx := endStep.StepIndex
				flags = append(flags, Flag{
					Type:     FlagLoopDetected,
					Severity: SeverityError,
					Message: fmt.Sprintf("%d %s steps within %s", cfg.LoopThreshold,
						endStep.Type, cfg.LoopWindow),
					StepIndex: &idx,
				})
				break
			}
		}
	}
	return flags
}

func detectHighCost(steps []AgentStep, cfg config.DetectionConfig) []Flag {
	var flags []Flag
	for _, s := range steps {
		if s.APICostUSD > cfg.HighCostThresholdUSD {
			idx := s.StepIndex
			flags = append(flags, Flag{
				Type:      FlagHighCostStep,
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("step cost $%.4f exceeds $%.2f", s.APICostUSD, cfg.HighCostThresholdUSD),
				StepIndex: &idx,
			})
		}
	}
	return flags
}

func detectRepeatedTools(steps []AgentStep, cfg config.DetectionConfig) []Flag {
	counts := make(map[string]int)
	lastIdx := make(map[string]int)
	order := make([]string, 0, 4)
	for _, s := range steps {
		if s.Type != StepToolCall || s.Tool == "" {
			continue
		}
		if counts[s.Tool] == 0 {
			order = append(order, s.Tool)
		}
		counts[s.Tool]++
		lastIdx[s.Tool] = s.StepIndex
	}

	var flags []Flag
	for _, tool := range order {
		if counts[tool] >= cfg.RepeatedToolThreshold {
			idx := lastIdx[tool]
			flags = append(flags, Flag{
				Type:      FlagRepeatedTool,
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("tool %q called %d times", tool, counts[tool]),
				StepIndex: &idx,
			})
		}
	}
	return flags
}

func detectEmptyToolOutput(steps []AgentStep) []Flag {
	var flags []Flag
	for _, s := range steps {
		if (s.Type == StepToolCall || s.Type == StepToolResult) &&
			strings.TrimSpace(s.ToolOutputSummary) == "" {
			idx := s.StepIndex
			flags = append(flags, Flag{
				Type:      FlagEmptyToolOut,
				Severity:  SeverityWarning,
				Message:   "tool produced no output",
				StepIndex: &idx,
			})
		}
	}
	return flags
}

func detectErrorFallback(steps []AgentStep) []Flag {
	var hasError, hasRetry bool
	for _, s := range steps {
		switch s.Type {
		case StepError:
			hasError = true
		case StepRetry:
			hasRetry = true
		}
	}
	if hasError && hasRetry {
		return []Flag{{
			Type:     FlagErrorFallback,
			Severity: SeverityError,
			Message:  "run recovered from an error via retry",
		}}
	}
	return nil
}

func detectCacheMissRetry(steps []AgentStep) []Flag {
	var flags []Flag
	for _, s := range steps {
		if s.Type == StepRetry && !s.cacheHit() {
			idx := s.StepIndex
			flags = append(flags, Flag{
				Type:      FlagCacheMissRetry,
				Severity:  SeverityInfo,
				Message:   "retry was not served from cache",
				StepIndex: &idx,
			})
		}
	}
	return flags
}

// detectPromptMutation flags consecutive decision steps whose raw payloads
// drifted: similar enough to be the same intent, different enough to signal
// prompt churn.
func detectPromptMutation(steps []AgentStep) []Flag {
	var flags []Flag
	for i := 1; i < len(steps); i++ {
		prev, cur := steps[i-1], steps[i]
		if prev.Type != StepDecision || cur.Type != StepDecision {
			continue
		}
		sim := JaccardWords(prev.Raw, cur.Raw)
		if sim >= 0.30 && sim < 0.95 {
			idx := cur.StepIndex
			flags = append(flags, Flag{
				Type:      FlagPromptMutation,
				Severity:  SeverityInfo,
				Message:   fmt.Sprintf("decision prompt mutated (similarity %.2f)", sim),
				StepIndex: &idx,
			})
		}
	}
	return flags
}

// JaccardWords is word-set Jaccard similarity, case-insensitive. Two empty
// texts are identical (1); one empty text is disjoint (0).
func JaccardWords(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}
