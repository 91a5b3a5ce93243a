package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// UPSTREAM ROUTER - provider selection + wire translation + dispatch
// ============================================================================

// Error is an upstream failure carrying the provider status code and the
// first 2KB of the response body (already redacted by the caller's logger).
type Error struct {
	Provider   Provider
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s upstream error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// ErrStreamingNotSupported is returned for providers whose wire format
// cannot be passed through as OpenAI-shape SSE.
var ErrStreamingNotSupported = errors.New("streaming is not supported for this provider")

// explicit model → provider map. Checked before the prefix rules.
var explicitModels = map[string]Provider{
	"gpt-4o":                   ProviderOpenAI,
	"gpt-4o-mini":              ProviderOpenAI,
	"gpt-4-turbo":              ProviderOpenAI,
	"gpt-3.5-turbo":            ProviderOpenAI,
	"claude-3-opus-20240229":   ProviderAnthropic,
	"claude-3-5-sonnet-latest": ProviderAnthropic,
	"claude-3-5-haiku-latest":  ProviderAnthropic,
	"llama-3.1-8b-instant":     ProviderGroq,
	"llama-3.3-70b-versatile":  ProviderGroq,
	"mixtral-8x7b-32768":       ProviderGroq,
	"gemma2-9b-it":             ProviderGroq,
}

// prefix rules, applied in order after the explicit map.
var prefixRules = []struct {
	prefix   string
	provider Provider
}{
	{"gpt-", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"chatgpt-", ProviderOpenAI},
	{"claude-", ProviderAnthropic},
	{"llama-", ProviderGroq},
	{"mixtral-", ProviderGroq},
	{"gemma", ProviderGroq},
}

// SelectProvider maps a model name to its upstream. Slash-containing names
// route to the aggregator (OpenRouter).
func SelectProvider(model string) Provider {
	if p, ok := explicitModels[model]; ok {
		return p
	}
	for _, rule := range prefixRules {
		if strings.HasPrefix(model, rule.prefix) {
			return rule.provider
		}
	}
	if strings.Contains(model, "/") {
		return ProviderOpenRouter
	}
	return ProviderOpenAI
}

// Router holds provider base URLs and the shared HTTP client. Stateless
// beyond configuration.
type Router struct {
	baseURLs   map[Provider]string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewRouter builds a router with production base URLs. Overrides replace
// entries (tests point them at mock servers).
func NewRouter(logger zerolog.Logger, overrides map[Provider]string) *Router {
	base := map[Provider]string{
		ProviderOpenAI:     "https://api.openai.com/v1",
		ProviderAnthropic:  "https://api.anthropic.com/v1",
		ProviderGroq:       "https://api.groq.com/openai/v1",
		ProviderOpenRouter: "https://openrouter.ai/api/v1",
	}
	for p, u := range overrides {
		base[p] = u
	}
	return &Router{
		baseURLs: base,
		httpClient: &http.Client{
			// No client-level timeout: the pipeline deadline bounds calls,
			// and streaming responses outlive any fixed read window.
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// Chat dispatches a non-streaming chat completion and returns the
// normalized response. Transient errors are not retried here.
func (r *Router) Chat(ctx context.Context, req *ChatRequest, secret string) (*ChatResponse, error) {
	provider := SelectProvider(req.Model)
	switch provider {
	case ProviderAnthropic:
		return r.anthropicChat(ctx, req, secret)
	default:
		return r.openAIChat(ctx, provider, req, secret)
	}
}

// ChatStream dispatches a streaming chat completion and returns the raw SSE
// stream for passthrough. Only OpenAI-compatible providers stream.
func (r *Router) ChatStream(ctx context.Context, req *ChatRequest, secret string) (*Stream, error) {
	provider := SelectProvider(req.Model)
	if provider == ProviderAnthropic {
		return nil, ErrStreamingNotSupported
	}
	return r.openAIChatStream(ctx, provider, req, secret)
}

// Completion dispatches a legacy text completion (OpenAI-style only).
func (r *Router) Completion(ctx context.Context, req *CompletionRequest, secret string) (*CompletionResponse, error) {
	provider := SelectProvider(req.Model)
	if provider == ProviderAnthropic {
		return nil, &Error{Provider: provider, StatusCode: http.StatusBadRequest,
			Body: "legacy completions are not supported for anthropic models"}
	}
	return r.openAICompletion(ctx, provider, req, secret)
}

// Embeddings passes an embeddings request through to the provider.
func (r *Router) Embeddings(ctx context.Context, req *EmbeddingsRequest, secret string) (*EmbeddingsResponse, error) {
	provider := SelectProvider(req.Model)
	if provider == ProviderAnthropic {
		return nil, &Error{Provider: provider, StatusCode: http.StatusBadRequest,
			Body: "embeddings are not supported for anthropic models"}
	}
	return r.openAIEmbeddings(ctx, provider, req, secret)
}

func (r *Router) baseURL(p Provider) string {
	return r.baseURLs[p]
}
