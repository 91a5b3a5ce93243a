package projectstore

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// ============================================================================
// SUPABASE CLIENT - projects, api_keys, provider_keys, agent_debug_* tables
// ============================================================================

// Client wraps the Supabase Go client with all gateway store operations.
// The project store is treated as an opaque row store; the gateway never
// joins across tables here.
type Client struct {
	client *supabase.Client
}

// New creates a project store client against the given Supabase deployment.
func New(url, serviceKey string) (*Client, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("project store url and service key must be set")
	}

	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &Client{client: client}, nil
}

// Ping verifies the store is reachable by issuing a minimal read.
func (c *Client) Ping(ctx context.Context) error {
	var rows []Project
	_, err := c.client.From("projects").
		Select("project_id", "", false).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("project store ping failed: %w", err)
	}
	return nil
}

// ============================================================================
// DATA MODELS
// ============================================================================

// Project represents a customer project. CacheThreshold is the semantic cache
// similarity floor, clamped to [0.80, 0.99] on read.
type Project struct {
	ProjectID      string  `json:"project_id"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	CacheThreshold float64 `json:"cache_threshold"`
	RetentionDays  int     `json:"retention_days"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

// APIKey is the public half of a gateway key (gw_<key_id>.<secret>).
// KeyHash is the bcrypt hash of the secret part only.
type APIKey struct {
	KeyID      string     `json:"key_id"`
	ProjectID  string     `json:"project_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"key_hash"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// ProviderKey is an encrypted BYOK credential. Secret is AES-256-GCM
// ciphertext (base64); IV is the per-record nonce. Plaintext never touches
// this package.
type ProviderKey struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	Provider        string     `json:"provider"`
	Priority        int        `json:"priority"`
	EncryptedSecret string     `json:"encrypted_secret"`
	IV              string     `json:"iv"`
	Active          bool       `json:"active"`
	LastUsedAt      *time.Time `json:"last_used_at"`
}

// AgentDebugLog is the persisted run record for an ingested agent run.
type AgentDebugLog struct {
	RunID          string  `json:"run_id"`
	ProjectID      string  `json:"project_id"`
	AgentName      string  `json:"agent_name"`
	Status         string  `json:"status"`
	StartedAt      string  `json:"started_at"`
	EndedAt        *string `json:"ended_at,omitempty"`
	StepCount      int     `json:"step_count"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	WastedSpendUSD float64 `json:"wasted_spend_usd"`
	AmountSavedUSD float64 `json:"amount_saved_usd"`
	CacheHitRate   float64 `json:"cache_hit_rate"`
	Flags          []Flag  `json:"flags"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

// Flag mirrors agentrun.Flag for persistence.
type Flag struct {
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	StepIndex *int   `json:"step_index,omitempty"`
}

// AgentDebugStep is one persisted step row.
type AgentDebugStep struct {
	RunID             string  `json:"run_id"`
	ProjectID         string  `json:"project_id"`
	StepIndex         int     `json:"step_index"`
	Timestamp         string  `json:"timestamp"`
	Type              string  `json:"type"`
	Summary           string  `json:"summary,omitempty"`
	Decision          string  `json:"decision,omitempty"`
	Tool              string  `json:"tool,omitempty"`
	ToolArgs          string  `json:"tool_args,omitempty"`
	ToolOutputSummary string  `json:"tool_output_summary,omitempty"`
	Raw               string  `json:"raw,omitempty"`
	TokenCost         int     `json:"token_cost,omitempty"`
	APICostUSD        float64 `json:"api_cost_usd,omitempty"`
	CacheHit          *bool   `json:"cache_hit,omitempty"`
}

// AgentDebugExplanation is a per-step explanation with its source.
type AgentDebugExplanation struct {
	RunID      string  `json:"run_id"`
	ProjectID  string  `json:"project_id"`
	StepIndex  int     `json:"step_index"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"` // deterministic | llm
}

// ============================================================================
// PROJECT OPERATIONS
// ============================================================================

// GetProject retrieves a project by ID. Returns nil (not error) when absent.
func (c *Client) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var projects []Project
	_, err := c.client.From("projects").
		Select("*", "", false).
		Eq("project_id", projectID).
		ExecuteTo(&projects)

	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if len(projects) == 0 {
		return nil, nil
	}
	p := projects[0]
	p.CacheThreshold = ClampThreshold(p.CacheThreshold)
	return &p, nil
}

// UpdateCacheThreshold sets a project's semantic cache threshold. The value
// is clamped before the write.
func (c *Client) UpdateCacheThreshold(ctx context.Context, projectID string, threshold float64) error {
	update := map[string]interface{}{
		"cache_threshold": ClampThreshold(threshold),
	}
	var result []Project
	_, err := c.client.From("projects").
		Update(update, "", "").
		Eq("project_id", projectID).
		ExecuteTo(&result)
	return err
}

// ClampThreshold bounds a cache threshold to [0.80, 0.99]. Zero (unset rows)
// maps to the 0.95 default.
func ClampThreshold(t float64) float64 {
	if t == 0 {
		return 0.95
	}
	if t < 0.80 {
		return 0.80
	}
	if t > 0.99 {
		return 0.99
	}
	return t
}

// ============================================================================
// API KEY OPERATIONS
// ============================================================================

// GetAPIKey retrieves an API key row by its public key_id.
func (c *Client) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	var keys []APIKey
	_, err := c.client.From("api_keys").
		Select("*", "", false).
		Eq("key_id", keyID).
		ExecuteTo(&keys)

	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return &keys[0], nil
}

// TouchAPIKey updates last_used_at. Called fire-and-forget off the request
// path.
func (c *Client) TouchAPIKey(ctx context.Context, keyID string) error {
	update := map[string]interface{}{"last_used_at": time.Now().UTC()}
	var result []APIKey
	_, err := c.client.From("api_keys").
		Update(update, "", "").
		Eq("key_id", keyID).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// PROVIDER KEY OPERATIONS
// ============================================================================

// ListProviderKeys returns the active BYOK credentials for a project and
// provider ordered by priority ascending (priority 1 first).
func (c *Client) ListProviderKeys(ctx context.Context, projectID, provider string) ([]ProviderKey, error) {
	var keys []ProviderKey
	_, err := c.client.From("provider_keys").
		Select("*", "", false).
		Eq("project_id", projectID).
		Eq("provider", provider).
		Eq("active", "true").
		Order("priority", nil).
		ExecuteTo(&keys)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider keys: %w", err)
	}
	return keys, nil
}

// TouchProviderKey updates last_used_at for a credential.
func (c *Client) TouchProviderKey(ctx context.Context, id string) error {
	update := map[string]interface{}{"last_used_at": time.Now().UTC()}
	var result []ProviderKey
	_, err := c.client.From("provider_keys").
		Update(update, "", "").
		Eq("id", id).
		ExecuteTo(&result)
	return err
}

// ============================================================================
// AGENT DEBUG OPERATIONS
// ============================================================================

// GetAgentDebugLog retrieves a run record by (project, run_id). Returns nil
// when absent — ingestion uses this for idempotency.
func (c *Client) GetAgentDebugLog(ctx context.Context, projectID, runID string) (*AgentDebugLog, error) {
	var logs []AgentDebugLog
	_, err := c.client.From("agent_debug_logs").
		Select("*", "", false).
		Eq("run_id", runID).
		Eq("project_id", projectID).
		ExecuteTo(&logs)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent debug log: %w", err)
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return &logs[0], nil
}

// InsertAgentDebugLog persists one run record.
func (c *Client) InsertAgentDebugLog(ctx context.Context, log *AgentDebugLog) error {
	var result []AgentDebugLog
	_, err := c.client.From("agent_debug_logs").
		Upsert(log, "run_id,project_id", "", "").
		ExecuteTo(&result)
	return err
}

// InsertAgentDebugSteps bulk-inserts the step rows for a run.
func (c *Client) InsertAgentDebugSteps(ctx context.Context, steps []AgentDebugStep) error {
	if len(steps) == 0 {
		return nil
	}
	var result []AgentDebugStep
	_, err := c.client.From("agent_debug_steps").
		Upsert(steps, "run_id,project_id,step_index", "", "").
		ExecuteTo(&result)
	return err
}

// InsertAgentDebugExplanations bulk-inserts step explanations.
func (c *Client) InsertAgentDebugExplanations(ctx context.Context, rows []AgentDebugExplanation) error {
	if len(rows) == 0 {
		return nil
	}
	var result []AgentDebugExplanation
	_, err := c.client.From("agent_debug_explanations").
		Upsert(rows, "run_id,project_id,step_index", "", "").
		ExecuteTo(&result)
	return err
}
