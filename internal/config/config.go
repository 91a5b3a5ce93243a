package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all gateway configuration. Loaded once at start-up from the
// environment; there is no live reload.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Vector    VectorConfig
	Embedding EmbeddingConfig
	Queue     QueueConfig
	Analytics AnalyticsConfig
	Pool      PoolConfig
	Crypto    CryptoConfig
	Features  FeatureFlags
	Detection DetectionConfig
}

type ServerConfig struct {
	Port            string
	MaxBodyBytes    int64
	PipelineTimeout time.Duration
}

// StoreConfig points at the Supabase project store holding projects,
// api_keys and provider_keys.
type StoreConfig struct {
	URL        string
	ServiceKey string
}

// VectorConfig configures the pgvector-backed semantic cache store.
// An empty DSN disables the backend; callers get the null store.
type VectorConfig struct {
	DSN           string
	RetentionDays int
}

type EmbeddingConfig struct {
	URL    string
	APIKey string
	Model  string
}

// QueueConfig selects the observability queue backend.
// Backend is "redis" (Redis Stream) or "pubsub" (Google Cloud Pub/Sub).
type QueueConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	PubSubProject string
	PubSubTopic   string
}

type AnalyticsConfig struct {
	SinkURL string
	APIKey  string
}

// PoolConfig holds the shared provider keys used for free-tier models when a
// project has no BYOK credential.
type PoolConfig struct {
	OpenAIKey     string
	AnthropicKey  string
	GroqKey       string
	OpenRouterKey string
}

type CryptoConfig struct {
	// MasterSecret is the AES-256 key (hex, 64 chars) used to decrypt
	// provider credentials. Never logged.
	MasterSecret string
}

type FeatureFlags struct {
	AgentDebuggerEnabled bool
	LLMExplainerEnabled  bool
}

// DetectionConfig carries the flag-detection thresholds and cache defaults.
// Overridable via THRESHOLDS_FILE (yaml).
type DetectionConfig struct {
	LoopThreshold         int           `yaml:"loop_threshold"`
	LoopWindow            time.Duration `yaml:"loop_window"`
	HighCostThresholdUSD  float64       `yaml:"high_cost_threshold_usd"`
	RepeatedToolThreshold int           `yaml:"repeated_tool_threshold"`
	TruncateRawLength     int           `yaml:"truncate_raw_length"`
	DefaultCacheThreshold float64       `yaml:"default_cache_threshold"`
	ExplainConfidence     float64       `yaml:"explain_confidence"`
}

// Load reads configuration from the environment. Missing required values
// return an error; optional subsystems (vector store, queue) degrade to
// disabled when unset.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envOr("PORT", "8080"),
			MaxBodyBytes:    envInt64("GATEWAY_MAX_BODY_BYTES", 1<<20),
			PipelineTimeout: envDuration("PIPELINE_TIMEOUT", 60*time.Second),
		},
		Store: StoreConfig{
			URL:        os.Getenv("SUPABASE_URL"),
			ServiceKey: os.Getenv("SUPABASE_SERVICE_KEY"),
		},
		Vector: VectorConfig{
			DSN:           os.Getenv("VECTOR_DSN"),
			RetentionDays: envInt("VECTOR_RETENTION_DAYS", 30),
		},
		Embedding: EmbeddingConfig{
			URL:    envOr("EMBEDDING_URL", "https://api.openai.com/v1/embeddings"),
			APIKey: os.Getenv("EMBEDDING_API_KEY"),
			Model:  envOr("EMBEDDING_MODEL", "text-embedding-3-small"),
		},
		Queue: QueueConfig{
			Backend:       envOr("QUEUE_BACKEND", "redis"),
			RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       envInt("REDIS_DB", 0),
			RedisStream:   envOr("REDIS_EVENT_STREAM", "gateway:events"),
			PubSubProject: os.Getenv("PUBSUB_PROJECT"),
			PubSubTopic:   envOr("PUBSUB_TOPIC", "gateway-events"),
		},
		Analytics: AnalyticsConfig{
			SinkURL: os.Getenv("ANALYTICS_SINK_URL"),
			APIKey:  os.Getenv("ANALYTICS_API_KEY"),
		},
		Pool: PoolConfig{
			OpenAIKey:     os.Getenv("POOL_OPENAI_KEY"),
			AnthropicKey:  os.Getenv("POOL_ANTHROPIC_KEY"),
			GroqKey:       os.Getenv("POOL_GROQ_KEY"),
			OpenRouterKey: os.Getenv("POOL_OPENROUTER_KEY"),
		},
		Crypto: CryptoConfig{
			MasterSecret: os.Getenv("ENCRYPTION_MASTER_SECRET"),
		},
		Features: FeatureFlags{
			AgentDebuggerEnabled: envBool("AGENT_DEBUGGER_ENABLED", true),
			LLMExplainerEnabled:  envBool("LLM_EXPLAINER_ENABLED", false),
		},
		Detection: DefaultDetection(),
	}

	if path := os.Getenv("THRESHOLDS_FILE"); path != "" {
		if err := cfg.Detection.loadFile(path); err != nil {
			return nil, fmt.Errorf("thresholds file: %w", err)
		}
	}

	if cfg.Store.URL == "" || cfg.Store.ServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	if cfg.Crypto.MasterSecret == "" {
		return nil, fmt.Errorf("ENCRYPTION_MASTER_SECRET must be set")
	}

	return cfg, nil
}

// DefaultDetection returns the built-in flag-detection thresholds.
func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		LoopThreshold:         3,
		LoopWindow:            30 * time.Second,
		HighCostThresholdUSD:  0.05,
		RepeatedToolThreshold: 3,
		TruncateRawLength:     2000,
		DefaultCacheThreshold: 0.95,
		ExplainConfidence:     0.70,
	}
}

func (d *DetectionConfig) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return yaml.NewDecoder(f).Decode(d)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
