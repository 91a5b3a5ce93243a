package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// NORMALIZED EVENT - the single observability record shape
// ============================================================================

// EventType classifies an event.
type EventType string

const (
	TypePromptCall EventType = "prompt_call"
	TypeAgentStep  EventType = "agent_step"
	TypeError      EventType = "error"
)

// Status is the request outcome recorded on the event.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// NormalizedEvent is the immutable observability record emitted once per
// request or agent step. Prompt and Response are sanitized before the event
// is built; this package never sees raw secrets.
type NormalizedEvent struct {
	EventID          string    `json:"event_id"`
	ProjectID        string    `json:"project_id"`
	RunID            string    `json:"run_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	EventType        EventType `json:"event_type"`
	Model            string    `json:"model,omitempty"`
	Prompt           string    `json:"prompt,omitempty"`
	Response         string    `json:"response,omitempty"`
	TokensIn         int       `json:"tokens_in"`
	TokensOut        int       `json:"tokens_out"`
	CostUSD          float64   `json:"cost_usd"`
	PotentialCostUSD float64   `json:"potential_cost_usd"`
	LatencyMS        int64     `json:"latency_ms"`
	CacheDecision    string    `json:"cache_decision,omitempty"` // miss | exact | semantic
	CacheSimilarity  *float64  `json:"cache_similarity,omitempty"`
	Status           Status    `json:"status"`
	Tags             []string  `json:"tags,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// NewEvent stamps a fresh event id and timestamp.
func NewEvent(projectID string, eventType EventType) *NormalizedEvent {
	return &NormalizedEvent{
		EventID:   uuid.NewString(),
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    StatusSuccess,
	}
}

// WithTag appends a tag and returns the event for chaining.
func (e *NormalizedEvent) WithTag(tag string) *NormalizedEvent {
	e.Tags = append(e.Tags, tag)
	return e
}

// JSON serializes the event.
func (e *NormalizedEvent) JSON() ([]byte, error) {
	return json.Marshal(e)
}
