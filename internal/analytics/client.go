package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ocx/gateway/internal/events"
)

// ============================================================================
// SINK CLIENT - ClickHouse HTTP interface writes and project-scoped reads
// ============================================================================

const timeLayout = "2006-01-02 15:04:05.000"

// Client talks to the analytics sink over its HTTP query interface.
type Client struct {
	baseURL    string
	user       string
	password   string
	database   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient builds a sink client. baseURL is the HTTP endpoint, e.g.
// http://clickhouse:8123.
func NewClient(baseURL, user, password, database string, logger zerolog.Logger) *Client {
	if database == "" {
		database = "default"
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		database: database,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.With().Str("component", "analytics").Logger(),
	}
}

// EnsureSchema creates the sink tables if they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, ddl := range AllSchemas() {
		if _, err := c.exec(ctx, ddl, nil); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the sink is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.exec(ctx, "SELECT 1", nil)
	return err
}

// exec runs one statement. Values are passed as ClickHouse server-side
// parameters, never interpolated into the SQL text.
func (c *Client) exec(ctx context.Context, query string, params map[string]string) ([]byte, error) {
	q := url.Values{}
	q.Set("database", c.database)
	q.Set("output_format_json_quote_64bit_integers", "0")
	for k, v := range params {
		q.Set("param_"+k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/?"+q.Encode(), strings.NewReader(query))
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.Header.Set("X-ClickHouse-User", c.user)
		req.Header.Set("X-ClickHouse-Key", c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sink request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read sink response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sink returned %d: %s", resp.StatusCode, firstLine(body))
	}
	return body, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}

// query runs a SELECT ... FORMAT JSON statement and unmarshals the data rows.
func (c *Client) query(ctx context.Context, query string, params map[string]string, out interface{}) error {
	body, err := c.exec(ctx, query+" FORMAT JSON", params)
	if err != nil {
		return err
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode sink response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode sink rows: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Writes
// ----------------------------------------------------------------------------

// eventRow is the wire shape for a JSONEachRow insert into events.
type eventRow struct {
	EventID          string   `json:"event_id"`
	ProjectID        string   `json:"project_id"`
	RunID            string   `json:"run_id"`
	UserID           string   `json:"user_id"`
	EventType        string   `json:"event_type"`
	Model            string   `json:"model"`
	Status           string   `json:"status"`
	Prompt           string   `json:"prompt"`
	Response         string   `json:"response"`
	ErrorMessage     string   `json:"error_message"`
	TokensIn         int      `json:"tokens_in"`
	TokensOut        int      `json:"tokens_out"`
	CostUSD          float64  `json:"cost_usd"`
	PotentialCostUSD float64  `json:"potential_cost_usd"`
	LatencyMS        int64    `json:"latency_ms"`
	CacheDecision    string   `json:"cache_decision"`
	CacheSimilarity  float64  `json:"cache_similarity"`
	Tags             []string `json:"tags"`
	CreatedAt        string   `json:"created_at"`
}

func toRow(e *events.NormalizedEvent) eventRow {
	row := eventRow{
		EventID:          e.EventID,
		ProjectID:        e.ProjectID,
		RunID:            e.RunID,
		UserID:           e.UserID,
		EventType:        string(e.EventType),
		Model:            e.Model,
		Status:           string(e.Status),
		Prompt:           e.Prompt,
		Response:         e.Response,
		ErrorMessage:     e.ErrorMessage,
		TokensIn:         e.TokensIn,
		TokensOut:        e.TokensOut,
		CostUSD:          e.CostUSD,
		PotentialCostUSD: e.PotentialCostUSD,
		LatencyMS:        e.LatencyMS,
		CacheDecision:    e.CacheDecision,
		Tags:             e.Tags,
		CreatedAt:        e.Timestamp.UTC().Format(timeLayout),
	}
	if row.Tags == nil {
		row.Tags = []string{}
	}
	if e.CacheSimilarity != nil {
		row.CacheSimilarity = *e.CacheSimilarity
	}
	return row
}

// WriteEvent inserts a single event synchronously. Used as the queue
// fallback path.
func (c *Client) WriteEvent(ctx context.Context, event *events.NormalizedEvent) error {
	return c.WriteBatch(ctx, []*events.NormalizedEvent{event})
}

// WriteBatch inserts events as one JSONEachRow statement.
func (c *Client) WriteBatch(ctx context.Context, batch []*events.NormalizedEvent) error {
	if len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString("INSERT INTO events FORMAT JSONEachRow\n")
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(toRow(e)); err != nil {
			return fmt.Errorf("encode event row: %w", err)
		}
	}
	if _, err := c.exec(ctx, buf.String(), nil); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return nil
}

// StepRow is the wire shape for agent_steps inserts.
type StepRow struct {
	ProjectID     string   `json:"project_id"`
	RunID         string   `json:"run_id"`
	StepIndex     int      `json:"step_index"`
	AgentName     string   `json:"agent_name"`
	StepType      string   `json:"step_type"`
	Model         string   `json:"model"`
	ToolName      string   `json:"tool_name"`
	Prompt        string   `json:"prompt"`
	Response      string   `json:"response"`
	ToolOutput    string   `json:"tool_output"`
	TokensIn      int      `json:"tokens_in"`
	TokensOut     int      `json:"tokens_out"`
	CostUSD       float64  `json:"cost_usd"`
	WastedCostUSD float64  `json:"wasted_cost_usd"`
	CacheHit      int      `json:"cache_hit"`
	DurationMS    int64    `json:"duration_ms"`
	Flags         []string `json:"flags"`
	StartedAt     string   `json:"started_at"`
}

// WriteSteps inserts agent step rows.
func (c *Client) WriteSteps(ctx context.Context, rows []StepRow) error {
	if len(rows) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString("INSERT INTO agent_steps FORMAT JSONEachRow\n")
	enc := json.NewEncoder(&buf)
	for i := range rows {
		if rows[i].Flags == nil {
			rows[i].Flags = []string{}
		}
		if err := enc.Encode(rows[i]); err != nil {
			return fmt.Errorf("encode step row: %w", err)
		}
	}
	if _, err := c.exec(ctx, buf.String(), nil); err != nil {
		return fmt.Errorf("insert agent_steps: %w", err)
	}
	return nil
}

// ToolCallRow is the wire shape for tool_calls inserts.
type ToolCallRow struct {
	ProjectID     string `json:"project_id"`
	RunID         string `json:"run_id"`
	StepIndex     int    `json:"step_index"`
	ToolName      string `json:"tool_name"`
	ArgumentsHash string `json:"arguments_hash"`
	OutputEmpty   int    `json:"output_empty"`
	DurationMS    int64  `json:"duration_ms"`
	CalledAt      string `json:"called_at"`
}

// WriteToolCalls inserts tool call rows.
func (c *Client) WriteToolCalls(ctx context.Context, rows []ToolCallRow) error {
	if len(rows) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString("INSERT INTO tool_calls FORMAT JSONEachRow\n")
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode tool call row: %w", err)
		}
	}
	if _, err := c.exec(ctx, buf.String(), nil); err != nil {
		return fmt.Errorf("insert tool_calls: %w", err)
	}
	return nil
}

// FormatTime renders a timestamp the way the sink tables expect.
func FormatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// ----------------------------------------------------------------------------
// Reads (all project-scoped)
// ----------------------------------------------------------------------------

// Stats is the aggregate answer for /v1/analytics/stats.
type Stats struct {
	Requests          int64   `json:"requests"`
	TokensIn          int64   `json:"tokens_in"`
	TokensOut         int64   `json:"tokens_out"`
	CostUSD           float64 `json:"cost_usd"`
	PotentialCostUSD  float64 `json:"potential_cost_usd"`
	SavedUSD          float64 `json:"saved_usd"`
	CacheHits         int64   `json:"cache_hits"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
	ErrorCount        int64   `json:"error_count"`
	CoalescedRequests int64   `json:"coalesced_requests"`
}

// ProjectStats aggregates events for a project over [from, to].
func (c *Client) ProjectStats(ctx context.Context, projectID string, from, to time.Time) (*Stats, error) {
	var rows []Stats
	err := c.query(ctx, `
		SELECT
			count()                                                    AS requests,
			sum(tokens_in)                                             AS tokens_in,
			sum(tokens_out)                                            AS tokens_out,
			sum(cost_usd)                                              AS cost_usd,
			sum(potential_cost_usd)                                    AS potential_cost_usd,
			sum(potential_cost_usd - cost_usd)                         AS saved_usd,
			countIf(cache_decision IN ('exact', 'semantic'))           AS cache_hits,
			if(count() > 0, countIf(cache_decision IN ('exact', 'semantic')) / count(), 0) AS cache_hit_rate,
			if(count() > 0, avg(latency_ms), 0)                        AS avg_latency_ms,
			countIf(status = 'error')                                  AS error_count,
			countIf(has(tags, 'coalesced'))                            AS coalesced_requests
		FROM events
		WHERE project_id = {project:String}
		  AND created_at >= {from:DateTime64(3)}
		  AND created_at <= {to:DateTime64(3)}`,
		map[string]string{
			"project": projectID,
			"from":    FormatTime(from),
			"to":      FormatTime(to),
		}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &Stats{}, nil
	}
	return &rows[0], nil
}

// EventRecord is a read-side event, shaped like the normalized event.
type EventRecord struct {
	EventID          string   `json:"event_id"`
	ProjectID        string   `json:"project_id"`
	RunID            string   `json:"run_id"`
	UserID           string   `json:"user_id"`
	EventType        string   `json:"event_type"`
	Model            string   `json:"model"`
	Status           string   `json:"status"`
	Prompt           string   `json:"prompt"`
	Response         string   `json:"response"`
	ErrorMessage     string   `json:"error_message"`
	TokensIn         int      `json:"tokens_in"`
	TokensOut        int      `json:"tokens_out"`
	CostUSD          float64  `json:"cost_usd"`
	PotentialCostUSD float64  `json:"potential_cost_usd"`
	LatencyMS        int64    `json:"latency_ms"`
	CacheDecision    string   `json:"cache_decision"`
	CacheSimilarity  float64  `json:"cache_similarity"`
	Tags             []string `json:"tags"`
	CreatedAt        string   `json:"created_at"`
}

const eventColumns = `
	event_id, project_id, run_id, user_id, event_type, model, status,
	prompt, response, error_message, tokens_in, tokens_out,
	cost_usd, potential_cost_usd, latency_ms,
	cache_decision, cache_similarity, tags,
	formatDateTime(created_at, '%Y-%m-%dT%H:%i:%SZ') AS created_at`

// Logs lists recent events for a project, newest first.
func (c *Client) Logs(ctx context.Context, projectID string, limit, offset int) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var rows []EventRecord
	err := c.query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE project_id = {project:String}
		ORDER BY created_at DESC
		LIMIT {limit:UInt32} OFFSET {offset:UInt32}`,
		map[string]string{
			"project": projectID,
			"limit":   fmt.Sprintf("%d", limit),
			"offset":  fmt.Sprintf("%d", offset),
		}, &rows)
	return rows, err
}

// GetEvent fetches one event by id within the project scope. Returns
// (nil, nil) when absent.
func (c *Client) GetEvent(ctx context.Context, projectID, eventID string) (*EventRecord, error) {
	var rows []EventRecord
	err := c.query(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE project_id = {project:String} AND event_id = {event:String}
		LIMIT 1`,
		map[string]string{"project": projectID, "event": eventID}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// TimeseriesPoint is one daily bucket.
type TimeseriesPoint struct {
	Date         string  `json:"date"`
	Requests     int64   `json:"requests"`
	CostUSD      float64 `json:"cost_usd"`
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	CacheHits    int64   `json:"cache_hits"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Timeseries returns daily buckets for a project over [from, to].
func (c *Client) Timeseries(ctx context.Context, projectID string, from, to time.Time) ([]TimeseriesPoint, error) {
	var rows []TimeseriesPoint
	err := c.query(ctx, `
		SELECT
			toString(toDate(created_at))                     AS date,
			count()                                          AS requests,
			sum(cost_usd)                                    AS cost_usd,
			sum(tokens_in)                                   AS tokens_in,
			sum(tokens_out)                                  AS tokens_out,
			countIf(cache_decision IN ('exact', 'semantic')) AS cache_hits,
			avg(latency_ms)                                  AS avg_latency_ms
		FROM events
		WHERE project_id = {project:String}
		  AND created_at >= {from:DateTime64(3)}
		  AND created_at <= {to:DateTime64(3)}
		GROUP BY date
		ORDER BY date`,
		map[string]string{
			"project": projectID,
			"from":    FormatTime(from),
			"to":      FormatTime(to),
		}, &rows)
	return rows, err
}

// AgentSummary aggregates agent_steps per agent name.
type AgentSummary struct {
	AgentName     string  `json:"agent_name"`
	Runs          int64   `json:"runs"`
	Steps         int64   `json:"steps"`
	CostUSD       float64 `json:"cost_usd"`
	WastedCostUSD float64 `json:"wasted_cost_usd"`
	CacheHits     int64   `json:"cache_hits"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Agents summarizes all agents seen in a project's runs.
func (c *Client) Agents(ctx context.Context, projectID string) ([]AgentSummary, error) {
	var rows []AgentSummary
	err := c.query(ctx, `
		SELECT
			agent_name,
			uniqExact(run_id)    AS runs,
			count()              AS steps,
			sum(cost_usd)        AS cost_usd,
			sum(wasted_cost_usd) AS wasted_cost_usd,
			sum(cache_hit)       AS cache_hits,
			avg(duration_ms)     AS avg_duration_ms
		FROM agent_steps
		WHERE project_id = {project:String} AND agent_name != ''
		GROUP BY agent_name
		ORDER BY cost_usd DESC`,
		map[string]string{"project": projectID}, &rows)
	return rows, err
}

// AgentDetail narrows the summary to one agent.
func (c *Client) AgentDetail(ctx context.Context, projectID, agentName string) (*AgentSummary, error) {
	var rows []AgentSummary
	err := c.query(ctx, `
		SELECT
			agent_name,
			uniqExact(run_id)    AS runs,
			count()              AS steps,
			sum(cost_usd)        AS cost_usd,
			sum(wasted_cost_usd) AS wasted_cost_usd,
			sum(cache_hit)       AS cache_hits,
			avg(duration_ms)     AS avg_duration_ms
		FROM agent_steps
		WHERE project_id = {project:String} AND agent_name = {agent:String}
		GROUP BY agent_name`,
		map[string]string{"project": projectID, "agent": agentName}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// AgentTimeseriesPoint is a daily bucket for one agent.
type AgentTimeseriesPoint struct {
	Date          string  `json:"date"`
	Steps         int64   `json:"steps"`
	CostUSD       float64 `json:"cost_usd"`
	WastedCostUSD float64 `json:"wasted_cost_usd"`
}

// AgentTimeseries returns daily step buckets for one agent.
func (c *Client) AgentTimeseries(ctx context.Context, projectID, agentName string) ([]AgentTimeseriesPoint, error) {
	var rows []AgentTimeseriesPoint
	err := c.query(ctx, `
		SELECT
			toString(toDate(started_at)) AS date,
			count()                      AS steps,
			sum(cost_usd)                AS cost_usd,
			sum(wasted_cost_usd)         AS wasted_cost_usd
		FROM agent_steps
		WHERE project_id = {project:String} AND agent_name = {agent:String}
		GROUP BY date
		ORDER BY date`,
		map[string]string{"project": projectID, "agent": agentName}, &rows)
	return rows, err
}

// ROIReport quantifies what caching and coalescing saved a project.
type ROIReport struct {
	TotalCostUSD      float64 `json:"total_cost_usd"`
	PotentialCostUSD  float64 `json:"potential_cost_usd"`
	SavedUSD          float64 `json:"saved_usd"`
	SavedPct          float64 `json:"saved_pct"`
	CacheHits         int64   `json:"cache_hits"`
	CoalescedRequests int64   `json:"coalesced_requests"`
	WastedCostUSD     float64 `json:"wasted_cost_usd"`
}

// ROI builds the savings report for a project.
func (c *Client) ROI(ctx context.Context, projectID string) (*ROIReport, error) {
	var rows []ROIReport
	err := c.query(ctx, `
		SELECT
			sum(cost_usd)                                    AS total_cost_usd,
			sum(potential_cost_usd)                          AS potential_cost_usd,
			sum(potential_cost_usd - cost_usd)               AS saved_usd,
			if(sum(potential_cost_usd) > 0,
			   sum(potential_cost_usd - cost_usd) / sum(potential_cost_usd) * 100, 0) AS saved_pct,
			countIf(cache_decision IN ('exact', 'semantic')) AS cache_hits,
			countIf(has(tags, 'coalesced'))                  AS coalesced_requests,
			0.0                                              AS wasted_cost_usd
		FROM events
		WHERE project_id = {project:String}`,
		map[string]string{"project": projectID}, &rows)
	if err != nil {
		return nil, err
	}
	report := &ROIReport{}
	if len(rows) > 0 {
		*report = rows[0]
	}

	var wasted []struct {
		WastedCostUSD float64 `json:"wasted_cost_usd"`
	}
	err = c.query(ctx, `
		SELECT sum(wasted_cost_usd) AS wasted_cost_usd
		FROM agent_steps
		WHERE project_id = {project:String}`,
		map[string]string{"project": projectID}, &wasted)
	if err == nil && len(wasted) > 0 {
		report.WastedCostUSD = wasted[0].WastedCostUSD
	}
	return report, nil
}

// CoalescingReport summarizes coalesced traffic.
type CoalescingReport struct {
	CoalescedRequests int64   `json:"coalesced_requests"`
	TotalRequests     int64   `json:"total_requests"`
	CoalescedPct      float64 `json:"coalesced_pct"`
	SavedUSD          float64 `json:"saved_usd"`
}

// Coalescing reports how much duplicate in-flight traffic was absorbed.
func (c *Client) Coalescing(ctx context.Context, projectID string) (*CoalescingReport, error) {
	var rows []CoalescingReport
	err := c.query(ctx, `
		SELECT
			countIf(has(tags, 'coalesced'))  AS coalesced_requests,
			count()                          AS total_requests,
			if(count() > 0, countIf(has(tags, 'coalesced')) / count() * 100, 0) AS coalesced_pct,
			sumIf(potential_cost_usd, has(tags, 'coalesced')) AS saved_usd
		FROM events
		WHERE project_id = {project:String}`,
		map[string]string{"project": projectID}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &CoalescingReport{}, nil
	}
	return &rows[0], nil
}

// StreamingReport summarizes streaming traffic.
type StreamingReport struct {
	StreamingRequests int64   `json:"streaming_requests"`
	TotalRequests     int64   `json:"total_requests"`
	StreamingPct      float64 `json:"streaming_pct"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
}

// Streaming reports the streamed share of a project's traffic.
func (c *Client) Streaming(ctx context.Context, projectID string) (*StreamingReport, error) {
	var rows []StreamingReport
	err := c.query(ctx, `
		SELECT
			countIf(has(tags, 'stream')) AS streaming_requests,
			count()                      AS total_requests,
			if(count() > 0, countIf(has(tags, 'stream')) / count() * 100, 0) AS streaming_pct,
			avgIf(latency_ms, has(tags, 'stream')) AS avg_latency_ms
		FROM events
		WHERE project_id = {project:String}`,
		map[string]string{"project": projectID}, &rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &StreamingReport{}, nil
	}
	return &rows[0], nil
}

// ----------------------------------------------------------------------------
// Threshold-tuning support
// ----------------------------------------------------------------------------

// IsFlagged reports whether a log was already flagged as incorrect.
func (c *Client) IsFlagged(ctx context.Context, projectID, eventID string) (bool, error) {
	var rows []struct {
		N int64 `json:"n"`
	}
	err := c.query(ctx, `
		SELECT count() AS n
		FROM flagged_logs
		WHERE project_id = {project:String} AND event_id = {event:String}`,
		map[string]string{"project": projectID, "event": eventID}, &rows)
	if err != nil {
		return false, err
	}
	return len(rows) > 0 && rows[0].N > 0, nil
}

// MarkFlagged records that a user flagged a log. Re-inserting the same pair
// is harmless (ReplacingMergeTree collapses duplicates).
func (c *Client) MarkFlagged(ctx context.Context, projectID, eventID string) error {
	var buf bytes.Buffer
	buf.WriteString("INSERT INTO flagged_logs FORMAT JSONEachRow\n")
	row := map[string]string{
		"project_id": projectID,
		"event_id":   eventID,
		"flagged_at": FormatTime(time.Now()),
	}
	if err := json.NewEncoder(&buf).Encode(row); err != nil {
		return err
	}
	if _, err := c.exec(ctx, buf.String(), nil); err != nil {
		return fmt.Errorf("insert flagged_logs: %w", err)
	}
	return nil
}

// ============================================================================
// ASYNC WRITER - batched channel drain for high-volume direct writes
// ============================================================================

// BatchWriter is what the async writer needs from a sink.
type BatchWriter interface {
	WriteBatch(ctx context.Context, batch []*events.NormalizedEvent) error
}

// AsyncWriter buffers events on a channel and flushes them in batches of 100
// or once per second, whichever comes first. A full buffer drops the event
// rather than blocking the caller.
type AsyncWriter struct {
	ch     chan *events.NormalizedEvent
	wg     sync.WaitGroup
	writer BatchWriter
	logger zerolog.Logger
}

// NewAsyncWriter starts the drain goroutine.
func NewAsyncWriter(writer BatchWriter, bufferSize int, logger zerolog.Logger) *AsyncWriter {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	w := &AsyncWriter{
		ch:     make(chan *events.NormalizedEvent, bufferSize),
		writer: writer,
		logger: logger.With().Str("component", "analytics-writer").Logger(),
	}
	w.wg.Add(1)
	go w.drain()
	return w
}

// Write queues one event. Never blocks.
func (w *AsyncWriter) Write(event *events.NormalizedEvent) bool {
	select {
	case w.ch <- event:
		return true
	default:
		return false
	}
}

// WriteEvent adapts the async writer to the emitter's direct-write fallback.
// A full buffer surfaces as an error so the emitter counts the drop.
func (w *AsyncWriter) WriteEvent(ctx context.Context, event *events.NormalizedEvent) error {
	if !w.Write(event) {
		return fmt.Errorf("analytics write buffer full")
	}
	return nil
}

// Close flushes pending events and stops the writer.
func (w *AsyncWriter) Close() {
	close(w.ch)
	w.wg.Wait()
}

func (w *AsyncWriter) drain() {
	defer w.wg.Done()

	batch := make([]*events.NormalizedEvent, 0, 100)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					w.flush(batch)
				}
				return
			}
			batch = append(batch, event)
			if len(batch) >= 100 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *AsyncWriter) flush(batch []*events.NormalizedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.writer.WriteBatch(ctx, batch); err != nil {
		w.logger.Warn().Err(err).Int("batch", len(batch)).Msg("batch write failed, events lost")
	}
}
