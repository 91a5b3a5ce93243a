package agentrun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/config"
)

func testDetection() config.DetectionConfig {
	return config.DetectionConfig{
		LoopThreshold:         3,
		LoopWindow:            30 * time.Second,
		HighCostThresholdUSD:  0.05,
		RepeatedToolThreshold: 3,
	}
}

func at(sec int) time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func boolPtr(b bool) *bool { return &b }

func flagsOfType(flags []Flag, typ string) []Flag {
	var out []Flag
	for _, f := range flags {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestDetectLoopsFourRetriesInWindow(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepRetry, Timestamp: at(0), CacheHit: boolPtr(true)},
		{StepIndex: 1, Type: StepRetry, Timestamp: at(2), CacheHit: boolPtr(true)},
		{StepIndex: 2, Type: StepRetry, Timestamp: at(4), CacheHit: boolPtr(true)},
		{StepIndex: 3, Type: StepRetry, Timestamp: at(6), CacheHit: boolPtr(true)},
	}}

	flags := DetectFlags(run, testDetection())
	loops := flagsOfType(flags, FlagLoopDetected)
	require.Len(t, loops, 1, "one loop flag per step type, not per window")
	assert.Equal(t, SeverityError, loops[0].Severity)
	require.NotNil(t, loops[0].StepIndex)
	assert.Equal(t, 2, *loops[0].StepIndex, "anchored at the step completing the first window")
}

func TestDetectLoopsOutsideWindow(t *testing.T) {
	// Three decisions spread over two minutes never fit one 30s window.
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepDecision, Timestamp: at(0)},
		{StepIndex: 1, Type: StepDecision, Timestamp: at(60)},
		{StepIndex: 2, Type: StepDecision, Timestamp: at(120)},
	}}

	flags := DetectFlags(run, testDetection())
	assert.Empty(t, flagsOfType(flags, FlagLoopDetected))
}

func TestDetectHighCostStep(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepModelResponse, Timestamp: at(0), APICostUSD: 0.05},
		{StepIndex: 1, Type: StepModelResponse, Timestamp: at(1), APICostUSD: 0.051},
	}}

	flags := flagsOfType(DetectFlags(run, testDetection()), FlagHighCostStep)
	require.Len(t, flags, 1, "threshold is strict: exactly 0.05 does not flag")
	assert.Equal(t, 1, *flags[0].StepIndex)
	assert.Equal(t, SeverityWarning, flags[0].Severity)
}

func TestDetectRepeatedTools(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepToolCall, Timestamp: at(0), Tool: "search", ToolOutputSummary: "r1"},
		{StepIndex: 1, Type: StepToolCall, Timestamp: at(1), Tool: "fetch", ToolOutputSummary: "r2"},
		{StepIndex: 2, Type: StepToolCall, Timestamp: at(2), Tool: "search", ToolOutputSummary: "r3"},
		{StepIndex: 3, Type: StepToolCall, Timestamp: at(3), Tool: "search", ToolOutputSummary: "r4"},
	}}

	flags := flagsOfType(DetectFlags(run, testDetection()), FlagRepeatedTool)
	require.Len(t, flags, 1)
	assert.Contains(t, flags[0].Message, `"search"`)
	assert.Equal(t, 3, *flags[0].StepIndex)
}

func TestDetectEmptyToolOutput(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepToolCall, Timestamp: at(0), Tool: "search", ToolOutputSummary: "  "},
		{StepIndex: 1, Type: StepToolResult, Timestamp: at(1), ToolOutputSummary: "found it"},
	}}

	flags := flagsOfType(DetectFlags(run, testDetection()), FlagEmptyToolOut)
	require.Len(t, flags, 1)
	assert.Equal(t, 0, *flags[0].StepIndex)
}

func TestDetectErrorFallback(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepError, Timestamp: at(0), Summary: "rate limit", CacheHit: boolPtr(true)},
		{StepIndex: 1, Type: StepRetry, Timestamp: at(1), CacheHit: boolPtr(true)},
	}}

	flags := flagsOfType(DetectFlags(run, testDetection()), FlagErrorFallback)
	require.Len(t, flags, 1)
	assert.Nil(t, flags[0].StepIndex, "error fallback is a run-level flag")

	// Error without a retry is not a fallback.
	run.Steps[1].Type = StepDecision
	assert.Empty(t, flagsOfType(DetectFlags(run, testDetection()), FlagErrorFallback))
}

func TestDetectCacheMissRetry(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepRetry, Timestamp: at(0), CacheHit: boolPtr(false)},
		{StepIndex: 1, Type: StepRetry, Timestamp: at(1), CacheHit: boolPtr(true)},
		{StepIndex: 2, Type: StepRetry, Timestamp: at(2)}, // absent counts as miss
	}}

	flags := flagsOfType(DetectFlags(run, testDetection()), FlagCacheMissRetry)
	require.Len(t, flags, 2)
	assert.Equal(t, 0, *flags[0].StepIndex)
	assert.Equal(t, 2, *flags[1].StepIndex)
}

func TestDetectPromptMutation(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepDecision, Timestamp: at(0), Raw: "search the docs for pricing details"},
		{StepIndex: 1, Type: StepDecision, Timestamp: at(1), Raw: "search the docs for pricing info please"},
	}}

	flags := flagsOfType(DetectFlags(run, testDetection()), FlagPromptMutation)
	require.Len(t, flags, 1)
	assert.Equal(t, 1, *flags[0].StepIndex)

	// Identical prompts (similarity 1) are repetition, not mutation.
	run.Steps[1].Raw = run.Steps[0].Raw
	assert.Empty(t, flagsOfType(DetectFlags(run, testDetection()), FlagPromptMutation))

	// Unrelated prompts fall below the similarity floor.
	run.Steps[1].Raw = "compose a haiku about autumn leaves"
	assert.Empty(t, flagsOfType(DetectFlags(run, testDetection()), FlagPromptMutation))
}

func TestJaccardWords(t *testing.T) {
	assert.Equal(t, 1.0, JaccardWords("", ""))
	assert.Equal(t, 0.0, JaccardWords("hello", ""))
	assert.Equal(t, 0.0, JaccardWords("", "hello"))
	assert.Equal(t, 1.0, JaccardWords("Hello World", "world hello"))
	assert.InDelta(t, 1.0/3.0, JaccardWords("a b", "b c"), 1e-9)
	assert.Equal(t, 0.0, JaccardWords("a b", "c d"))
}

func TestDetectFlagsCleanRun(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepUserInput, Timestamp: at(0), Summary: "question"},
		{StepIndex: 1, Type: StepToolCall, Timestamp: at(1), Tool: "search", ToolOutputSummary: "results"},
		{StepIndex: 2, Type: StepModelResponse, Timestamp: at(2), Summary: "answer", APICostUSD: 0.01},
	}}

	assert.Empty(t, DetectFlags(run, testDetection()))
}
