package agentrun

import "time"

// ============================================================================
// AGENT RUN TYPES - run, step, flag, opportunity, cost summary
// ============================================================================

// StepType is the closed vocabulary of agent step kinds.
type StepType string

const (
	StepUserInput     StepType = "user_input"
	StepDecision      StepType = "decision"
	StepToolCall      StepType = "tool_call"
	StepToolResult    StepType = "tool_result"
	StepModelResponse StepType = "model_response"
	StepError         StepType = "error"
	StepRetry         StepType = "retry"
)

// ValidStepType reports whether t is in the vocabulary.
func ValidStepType(t StepType) bool {
	switch t {
	case StepUserInput, StepDecision, StepToolCall, StepToolResult,
		StepModelResponse, StepError, StepRetry:
		return true
	}
	return false
}

// RunStatus is the lifecycle state reported by the agent framework.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ValidRunStatus reports whether s is a known status.
func ValidRunStatus(s RunStatus) bool {
	switch s {
	case RunRunning, RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Severity ranks a flag.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// AgentStep is one step of a run as submitted by the agent framework.
// step_index values must form a contiguous 0-based sequence.
type AgentStep struct {
	StepIndex         int       `json:"step_index"`
	Timestamp         time.Time `json:"timestamp"`
	Type              StepType  `json:"type"`
	Summary           string    `json:"summary,omitempty"`
	Decision          string    `json:"decision,omitempty"`
	Tool              string    `json:"tool,omitempty"`
	ToolArgs          string    `json:"tool_args,omitempty"`
	ToolOutputSummary string    `json:"tool_output_summary,omitempty"`
	Raw               string    `json:"raw,omitempty"`
	TokenCost         int       `json:"token_cost,omitempty"`
	APICostUSD        float64   `json:"api_cost_usd,omitempty"`
	CacheHit          *bool     `json:"cache_hit,omitempty"`
}

// AgentRun is the ingestion payload. Steps are never mutated after
// ingestion; replays use a fresh run_id.
type AgentRun struct {
	RunID     string      `json:"run_id"`
	ProjectID string      `json:"project_id"`
	AgentName string      `json:"agent_name"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Status    RunStatus   `json:"status"`
	Steps     []AgentStep `json:"steps"`
}

// Flag is a derived anomaly attached to a run or step. Flags carry indices,
// never step pointers.
type Flag struct {
	Type      string   `json:"type"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	StepIndex *int     `json:"step_index,omitempty"`
}

// CachingOpportunity marks a step whose result an earlier step already
// produced above the similarity bar.
type CachingOpportunity struct {
	StepIndex          int     `json:"step_index"`
	ReferenceStepIndex int     `json:"reference_step_index"`
	Similarity         float64 `json:"similarity"`
	SavedCost          float64 `json:"saved_cost"`
	Message            string  `json:"message"`
}

// CostSummary is the per-run cost attribution.
type CostSummary struct {
	TotalCostUSD   float64 `json:"total_cost_usd"`
	WastedSpendUSD float64 `json:"wasted_spend_usd"`
	AmountSavedUSD float64 `json:"amount_saved_usd"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
}

// Explanation is the per-step analysis with its provenance.
type Explanation struct {
	StepIndex  int     `json:"step_index"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"` // deterministic | llm
}

func (s *AgentStep) cacheHit() bool {
	return s.CacheHit != nil && *s.CacheHit
}
