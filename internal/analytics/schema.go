package analytics

// ============================================================================
// SINK SCHEMA - ClickHouse DDL for the observability tables
// ============================================================================

// EventsSchema is the DDL for the main event table. One row per proxied
// request or ingested agent step.
const EventsSchema = `
CREATE TABLE IF NOT EXISTS events (
    -- identity
    event_id        String,
    project_id      String,
    run_id          String,
    user_id         String,

    -- classification
    event_type      String,          -- prompt_call, agent_step, error
    model           String,
    status          String,          -- success, error, timeout

    -- sanitized payloads
    prompt          String,
    response        String,
    error_message   String,

    -- tokens and cost
    tokens_in       UInt32,
    tokens_out      UInt32,
    cost_usd        Float64,
    potential_cost_usd Float64,

    -- performance
    latency_ms      UInt32,

    -- caching
    cache_decision  String,          -- miss, exact, semantic
    cache_similarity Float32,

    tags            Array(String),

    created_at      DateTime64(3) DEFAULT now64(3),
    event_date      Date DEFAULT toDate(created_at)
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (project_id, created_at, event_id)
TTL event_date + INTERVAL 365 DAY
SETTINGS index_granularity = 8192;
`

// AgentStepsSchema stores per-step detail for ingested agent runs.
const AgentStepsSchema = `
CREATE TABLE IF NOT EXISTS agent_steps (
    project_id      String,
    run_id          String,
    step_index      UInt32,
    agent_name      String,

    step_type       String,          -- user_input, decision, tool_call, tool_result, model_response, error, retry
    model           String,
    tool_name       String,

    prompt          String,
    response        String,
    tool_output     String,

    tokens_in       UInt32,
    tokens_out      UInt32,
    cost_usd        Float64,
    wasted_cost_usd Float64,
    cache_hit       UInt8,
    duration_ms     UInt32,

    flags           Array(String),

    started_at      DateTime64(3),
    event_date      Date DEFAULT toDate(started_at)
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (project_id, run_id, step_index)
TTL event_date + INTERVAL 365 DAY
SETTINGS index_granularity = 8192;
`

// ToolCallsSchema records individual tool invocations for the repeated-tool
// and empty-output analytics views.
const ToolCallsSchema = `
CREATE TABLE IF NOT EXISTS tool_calls (
    project_id      String,
    run_id          String,
    step_index      UInt32,
    tool_name       String,
    arguments_hash  String,
    output_empty    UInt8,
    duration_ms     UInt32,

    called_at       DateTime64(3),
    event_date      Date DEFAULT toDate(called_at)
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (project_id, run_id, tool_name, called_at)
TTL event_date + INTERVAL 180 DAY
SETTINGS index_granularity = 8192;
`

// FlaggedLogsSchema backs threshold-tuning idempotency: one row per
// (project, event) that a user flagged as an incorrect cached answer.
const FlaggedLogsSchema = `
CREATE TABLE IF NOT EXISTS flagged_logs (
    project_id      String,
    event_id        String,
    flagged_at      DateTime64(3) DEFAULT now64(3),
    event_date      Date DEFAULT toDate(flagged_at)
)
ENGINE = ReplacingMergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (project_id, event_id)
SETTINGS index_granularity = 8192;
`

// DailyProjectMV aggregates spend and cache performance per project per day.
const DailyProjectMV = `
CREATE MATERIALIZED VIEW IF NOT EXISTS daily_project_mv
ENGINE = SummingMergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (project_id, model, event_date)
AS SELECT
    project_id,
    model,
    toDate(created_at)          AS event_date,
    count()                     AS request_count,
    sum(tokens_in)              AS total_tokens_in,
    sum(tokens_out)             AS total_tokens_out,
    sum(cost_usd)               AS total_cost_usd,
    sum(potential_cost_usd)     AS total_potential_cost_usd,
    sum(latency_ms)             AS sum_latency_ms,
    countIf(cache_decision != 'miss' AND cache_decision != '') AS cache_hits
FROM events
GROUP BY project_id, model, event_date;
`

// AllSchemas returns the DDL statements in creation order.
func AllSchemas() []string {
	return []string{
		EventsSchema,
		AgentStepsSchema,
		ToolCallsSchema,
		FlaggedLogsSchema,
		DailyProjectMV,
	}
}
