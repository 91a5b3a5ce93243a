package agentrun

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeCostsTotalsAndWaste(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepUserInput, Timestamp: at(0)},
		{StepIndex: 1, Type: StepToolCall, Timestamp: at(1), Tool: "search", ToolArgs: "q=a", ToolOutputSummary: "r", APICostUSD: 0.02},
		{StepIndex: 2, Type: StepToolCall, Timestamp: at(2), Tool: "search", ToolArgs: "q=a", ToolOutputSummary: "r", APICostUSD: 0.02},
		{StepIndex: 3, Type: StepRetry, Timestamp: at(3), APICostUSD: 0.01},
		{StepIndex: 4, Type: StepModelResponse, Timestamp: at(4), APICostUSD: 0.03},
	}}

	costs := ComputeCosts(run)
	assert.InDelta(t, 0.08, costs.TotalCostUSD, 1e-9)
	// One duplicate tool call plus one retry.
	assert.InDelta(t, 0.03, costs.WastedSpendUSD, 1e-9)
	assert.Zero(t, costs.AmountSavedUSD)
	assert.Zero(t, costs.CacheHitRate)
}

func TestComputeCostsDistinctToolCallsNotWasted(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepToolCall, Timestamp: at(0), Tool: "search", ToolArgs: "q=a", ToolOutputSummary: "r1", APICostUSD: 0.02},
		{StepIndex: 1, Type: StepToolCall, Timestamp: at(1), Tool: "search", ToolArgs: "q=b", ToolOutputSummary: "r2", APICostUSD: 0.02},
	}}

	costs := ComputeCosts(run)
	assert.Zero(t, costs.WastedSpendUSD)
}

func TestComputeCostsSavedAndHitRate(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepToolCall, Timestamp: at(0), Tool: "a", ToolArgs: "1", ToolOutputSummary: "x", APICostUSD: 0.02, CacheHit: boolPtr(true)},
		{StepIndex: 1, Type: StepDecision, Timestamp: at(1), APICostUSD: 0.01},
		{StepIndex: 2, Type: StepModelResponse, Timestamp: at(2), APICostUSD: 0.03, CacheHit: boolPtr(true)},
		{StepIndex: 3, Type: StepUserInput, Timestamp: at(3)}, // not cacheable
	}}

	costs := ComputeCosts(run)
	assert.InDelta(t, 0.05, costs.AmountSavedUSD, 1e-9)
	assert.InDelta(t, 2.0/3.0, costs.CacheHitRate, 1e-9)
	// Saved spend can never exceed what the cacheable steps cost.
	assert.LessOrEqual(t, costs.AmountSavedUSD, costs.TotalCostUSD)
}

func TestFindOpportunitiesOnePerStep(t *testing.T) {
	// Steps 2 and 3 both repeat step 0's call; each contributes exactly one
	// opportunity pointing at the first match.
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepToolCall, Timestamp: at(0), Tool: "search", ToolArgs: "weather in paris", ToolOutputSummary: "sunny 24C", APICostUSD: 0.01},
		{StepIndex: 1, Type: StepDecision, Timestamp: at(1)},
		{StepIndex: 2, Type: StepToolCall, Timestamp: at(2), Tool: "search", ToolArgs: "weather in paris", ToolOutputSummary: "sunny 24C", APICostUSD: 0.01},
		{StepIndex: 3, Type: StepToolCall, Timestamp: at(3), Tool: "search", ToolArgs: "weather in paris", ToolOutputSummary: "sunny 24C", APICostUSD: 0.01},
	}}

	opps := FindOpportunities(run)
	require.Len(t, opps, 2)

	assert.Equal(t, 2, opps[0].StepIndex)
	assert.Equal(t, 0, opps[0].ReferenceStepIndex)
	assert.InDelta(t, 1.0, opps[0].Similarity, 1e-9)
	assert.InDelta(t, 0.01, opps[0].SavedCost, 1e-9)

	assert.Equal(t, 3, opps[1].StepIndex)
	assert.Equal(t, 0, opps[1].ReferenceStepIndex, "always the first matching earlier step")
}

func TestFindOpportunitiesRequiresSameTool(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepToolCall, Timestamp: at(0), Tool: "search", ToolArgs: "weather in paris", ToolOutputSummary: "sunny"},
		{StepIndex: 1, Type: StepToolCall, Timestamp: at(1), Tool: "fetch", ToolArgs: "weather in paris", ToolOutputSummary: "sunny"},
	}}

	assert.Empty(t, FindOpportunities(run))
}

func TestFindOpportunitiesSkipsCachedSteps(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepModelResponse, Timestamp: at(0), Raw: "the answer is forty two exactly"},
		{StepIndex: 1, Type: StepModelResponse, Timestamp: at(1), Raw: "the answer is forty two exactly", CacheHit: boolPtr(true)},
	}}

	assert.Empty(t, FindOpportunities(run), "already-cached steps are not opportunities")
}

func TestFindOpportunitiesModelResponseSimilarity(t *testing.T) {
	run := &AgentRun{Steps: []AgentStep{
		{StepIndex: 0, Type: StepModelResponse, Timestamp: at(0), Raw: "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen twenty"},
		{StepIndex: 1, Type: StepModelResponse, Timestamp: at(1), Raw: "one two three four five six seven eight nine ten eleven twelve thirteen fourteen fifteen sixteen seventeen eighteen nineteen final", APICostUSD: 0.02},
	}}

	opps := FindOpportunities(run)
	require.Len(t, opps, 1)
	assert.Equal(t, 1, opps[0].StepIndex)
	assert.GreaterOrEqual(t, opps[0].Similarity, 0.90)
	assert.Less(t, opps[0].Similarity, 1.0)
}
