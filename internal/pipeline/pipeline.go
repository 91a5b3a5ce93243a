package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ocx/gateway/internal/cache"
	"github.com/ocx/gateway/internal/coalesce"
	"github.com/ocx/gateway/internal/credentials"
	"github.com/ocx/gateway/internal/events"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/pricing"
	"github.com/ocx/gateway/internal/projectstore"
	"github.com/ocx/gateway/internal/sanitize"
	"github.com/ocx/gateway/internal/upstream"
)

// ============================================================================
// PROXY PIPELINE - auth → coalesce → cache → upstream → cost → event
// ============================================================================

// RequestError carries the HTTP status and client-visible message for a
// failed request. The cause stays in the logs.
type RequestError struct {
	Status  int
	Message string
	cause   error
}

func (e *RequestError) Error() string { return e.Message }
func (e *RequestError) Unwrap() error { return e.cause }

const (
	kindChat       = "chat"
	kindCompletion = "completion"
)

// chatOutcome is the shared result all coalesce waiters observe.
type chatOutcome struct {
	resp       *upstream.ChatResponse
	decision   cache.Decision
	similarity float64
}

// completionOutcome mirrors chatOutcome for the legacy completion path.
type completionOutcome struct {
	resp       *upstream.CompletionResponse
	decision   cache.Decision
	similarity float64
}

// Pipeline orchestrates one request end to end. Stateless per request; the
// coalescer slot map is the only shared mutable structure.
type Pipeline struct {
	resolver    *credentials.Resolver
	cache       *cache.Cache
	chats       *coalesce.Coalescer[*chatOutcome]
	completions *coalesce.Coalescer[*completionOutcome]
	router      *upstream.Router
	estimator   *pricing.Estimator
	sanitizer   *sanitize.Sanitizer
	emitter     *events.Emitter
	metrics     *metrics.Metrics
	deadline    time.Duration
	logger      zerolog.Logger
}

// New builds the pipeline. deadline bounds every request end to end
// (default 60s).
func New(
	resolver *credentials.Resolver,
	c *cache.Cache,
	router *upstream.Router,
	estimator *pricing.Estimator,
	sanitizer *sanitize.Sanitizer,
	emitter *events.Emitter,
	m *metrics.Metrics,
	deadline time.Duration,
	logger zerolog.Logger,
) *Pipeline {
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	return &Pipeline{
		resolver:    resolver,
		cache:       c,
		chats:       coalesce.New[*chatOutcome](deadline),
		completions: coalesce.New[*completionOutcome](deadline),
		router:      router,
		estimator:   estimator,
		sanitizer:   sanitizer,
		emitter:     emitter,
		metrics:     m,
		deadline:    deadline,
		logger:      logger.With().Str("component", "pipeline").Logger(),
	}
}

// authorize runs authentication and provider secret resolution. Auth
// failures emit an event without prompt or response text.
func (p *Pipeline) authorize(ctx context.Context, apiKey, model string) (*projectstore.Project, *credentials.Resolved, upstream.Provider, error) {
	project, err := p.resolver.Authenticate(ctx, apiKey)
	if err != nil {
		if credentials.IsAuthError(err) {
			return nil, nil, "", &RequestError{Status: authStatus(err), Message: err.Error(), cause: err}
		}
		return nil, nil, "", &RequestError{Status: http.StatusInternalServerError, Message: "internal error", cause: err}
	}

	provider := upstream.SelectProvider(model)
	resolved, err := p.resolver.Resolve(ctx, project.ProjectID, string(provider), model)
	if err != nil {
		if errors.Is(err, credentials.ErrPaidModelRequiresBYOK) {
			msg := fmt.Sprintf("BYOK Required: The model %q is a paid model. Add your own %s API key in the project settings to use it.", model, provider)
			p.emitAuthFailure(project.ProjectID, model, msg)
			return nil, nil, "", &RequestError{Status: http.StatusBadRequest, Message: msg, cause: err}
		}
		return nil, nil, "", &RequestError{Status: http.StatusInternalServerError, Message: "internal error", cause: err}
	}
	return project, resolved, provider, nil
}

func authStatus(err error) int {
	if errors.Is(err, credentials.ErrProjectMismatch) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// emitAuthFailure records a credential failure with no payload text.
func (p *Pipeline) emitAuthFailure(projectID, model, message string) {
	ev := events.NewEvent(projectID, events.TypeError)
	ev.Model = model
	ev.Status = events.StatusError
	ev.ErrorMessage = message
	go p.emitter.Emit(ev)
}

// Chat runs the non-streaming chat path.
func (p *Pipeline) Chat(ctx context.Context, apiKey string, req *upstream.ChatRequest) (*upstream.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	started := time.Now()

	project, resolved, provider, err := p.authorize(ctx, apiKey, req.Model)
	if err != nil {
		return nil, err
	}

	prompt := req.Prompt()
	threshold := project.CacheThreshold
	fp := coalesce.Fingerprint(project.ProjectID, string(provider), req.Model, false, req.CanonicalBody())

	outcome, coalesced, err := p.chats.Do(ctx, fp, func(pctx context.Context) (*chatOutcome, error) {
		if hit := p.cache.Lookup(pctx, project.ProjectID, kindChat, req.Model, prompt, threshold); hit != nil {
			var resp upstream.ChatResponse
			if jsonErr := json.Unmarshal(hit.Payload, &resp); jsonErr == nil {
				return &chatOutcome{resp: &resp, decision: hit.Decision, similarity: hit.Similarity}, nil
			}
			p.logger.Warn().Str("project_id", project.ProjectID).Msg("cached payload failed to decode, treating as miss")
		}

		upstreamStart := time.Now()
		resp, upErr := p.router.Chat(pctx, req, resolved.Secret)
		p.metrics.UpstreamLatency.WithLabelValues(string(provider)).Observe(time.Since(upstreamStart).Seconds())
		if upErr != nil {
			p.countUpstreamError(provider, upErr)
			return nil, upErr
		}

		if payload, jsonErr := json.Marshal(resp); jsonErr == nil {
			p.cache.Store(pctx, project.ProjectID, kindChat, req.Model, prompt,
				payload, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		return &chatOutcome{resp: resp, decision: cache.DecisionMiss}, nil
	})

	p.recordCoalescing(coalesced)

	if err != nil {
		p.emitChatFailure(project.ProjectID, resolved, req.Model, prompt, started, coalesced, err)
		return nil, p.asRequestError(err)
	}

	p.metrics.CacheDecisions.WithLabelValues(string(outcome.decision)).Inc()
	p.emitChatEvent(project.ProjectID, resolved, req.Model, prompt, outcome, started, coalesced, false)
	return outcome.resp, nil
}

// ChatStream runs the streaming chat path. start is invoked once the
// upstream stream is open; the handler writes SSE headers and returns the
// body writer plus a flush callback. Streamed responses bypass the cache
// lookup and populate the cache only after the stream completes cleanly.
func (p *Pipeline) ChatStream(ctx context.Context, apiKey string, req *upstream.ChatRequest, start func() (io.Writer, func())) error {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	started := time.Now()

	project, resolved, provider, err := p.authorize(ctx, apiKey, req.Model)
	if err != nil {
		return err
	}

	upstreamStart := time.Now()
	stream, err := p.router.ChatStream(ctx, req, resolved.Secret)
	if err != nil {
		p.countUpstreamError(provider, err)
		prompt := req.Prompt()
		p.emitChatFailure(project.ProjectID, resolved, req.Model, prompt, started, false, err)
		if errors.Is(err, upstream.ErrStreamingNotSupported) {
			return &RequestError{Status: http.StatusBadRequest, Message: err.Error(), cause: err}
		}
		return p.asRequestError(err)
	}

	w, flush := start()
	content, err := stream.Forward(ctx, w, flush)
	p.metrics.UpstreamLatency.WithLabelValues(string(provider)).Observe(time.Since(upstreamStart).Seconds())

	prompt := req.Prompt()
	tokensIn := pricing.EstimateTokens(prompt)
	tokensOut := pricing.EstimateTokens(content)

	if err != nil {
		// Bytes already reached the client; only the event records the
		// aborted stream. No cache population on partial output.
		p.emitStreamEvent(project.ProjectID, resolved, req.Model, prompt, content, tokensIn, tokensOut, started, statusFor(err), err)
		return nil
	}

	if resp := syntheticChatResponse(req.Model, content, tokensIn, tokensOut); resp != nil {
		if payload, jsonErr := json.Marshal(resp); jsonErr == nil {
			p.cache.Store(ctx, project.ProjectID, kindChat, req.Model, prompt, payload, tokensIn, tokensOut)
		}
	}
	p.metrics.CacheDecisions.WithLabelValues(string(cache.DecisionMiss)).Inc()
	p.emitStreamEvent(project.ProjectID, resolved, req.Model, prompt, content, tokensIn, tokensOut, started, events.StatusSuccess, nil)
	return nil
}

// syntheticChatResponse rebuilds a normalized response from accumulated
// stream content so later non-streaming requests can hit the cache.
func syntheticChatResponse(model, content string, tokensIn, tokensOut int) *upstream.ChatResponse {
	if content == "" {
		return nil
	}
	return &upstream.ChatResponse{
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []upstream.Choice{{
			Message:      upstream.Message{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: upstream.Usage{
			PromptTokens:     tokensIn,
			CompletionTokens: tokensOut,
			TotalTokens:      tokensIn + tokensOut,
		},
	}
}

// Completion runs the legacy text-completion path. Cached under its own kind
// so chat and completion entries never cross, and coalesced on its own typed
// slot map with the same fingerprint rules as chat.
func (p *Pipeline) Completion(ctx context.Context, apiKey string, req *upstream.CompletionRequest) (*upstream.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	started := time.Now()

	project, resolved, provider, err := p.authorize(ctx, apiKey, req.Model)
	if err != nil {
		return nil, err
	}

	threshold := project.CacheThreshold
	fp := coalesce.Fingerprint(project.ProjectID, string(provider), req.Model, false, req.CanonicalBody())

	outcome, coalesced, err := p.completions.Do(ctx, fp, func(pctx context.Context) (*completionOutcome, error) {
		if hit := p.cache.Lookup(pctx, project.ProjectID, kindCompletion, req.Model, req.Prompt, threshold); hit != nil {
			var cached upstream.CompletionResponse
			if jsonErr := json.Unmarshal(hit.Payload, &cached); jsonErr == nil {
				return &completionOutcome{resp: &cached, decision: hit.Decision, similarity: hit.Similarity}, nil
			}
			p.logger.Warn().Str("project_id", project.ProjectID).Msg("cached payload failed to decode, treating as miss")
		}

		upstreamStart := time.Now()
		resp, upErr := p.router.Completion(pctx, req, resolved.Secret)
		p.metrics.UpstreamLatency.WithLabelValues(string(provider)).Observe(time.Since(upstreamStart).Seconds())
		if upErr != nil {
			p.countUpstreamError(provider, upErr)
			return nil, upErr
		}

		if payload, jsonErr := json.Marshal(resp); jsonErr == nil {
			p.cache.Store(pctx, project.ProjectID, kindCompletion, req.Model, req.Prompt,
				payload, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		return &completionOutcome{resp: resp, decision: cache.DecisionMiss}, nil
	})

	p.recordCoalescing(coalesced)

	if err != nil {
		p.emitChatFailure(project.ProjectID, resolved, req.Model, req.Prompt, started, coalesced, err)
		return nil, p.asRequestError(err)
	}

	var text string
	if len(outcome.resp.Choices) > 0 {
		text = outcome.resp.Choices[0].Text
	}
	p.metrics.CacheDecisions.WithLabelValues(string(outcome.decision)).Inc()

	ev := p.baseEvent(project.ProjectID, resolved, req.Model, req.Prompt, text, started)
	ev.TokensIn = outcome.resp.Usage.PromptTokens
	ev.TokensOut = outcome.resp.Usage.CompletionTokens
	p.applyCosts(ev, req.Model, outcome.decision, outcome.similarity)
	if coalesced {
		ev.WithTag("coalesced")
		ev.CostUSD = 0
	}
	go p.emitter.Emit(ev)

	return outcome.resp, nil
}

// Embeddings passes an embeddings request through. Not cached: the payload
// is the embedding itself, not a reusable completion.
func (p *Pipeline) Embeddings(ctx context.Context, apiKey string, req *upstream.EmbeddingsRequest) (*upstream.EmbeddingsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	started := time.Now()

	project, resolved, provider, err := p.authorize(ctx, apiKey, req.Model)
	if err != nil {
		return nil, err
	}

	upstreamStart := time.Now()
	resp, err := p.router.Embeddings(ctx, req, resolved.Secret)
	p.metrics.UpstreamLatency.WithLabelValues(string(provider)).Observe(time.Since(upstreamStart).Seconds())
	if err != nil {
		p.countUpstreamError(provider, err)
		p.emitChatFailure(project.ProjectID, resolved, req.Model, "", started, false, err)
		return nil, p.asRequestError(err)
	}

	ev := p.baseEvent(project.ProjectID, resolved, req.Model, "", "", started)
	ev.TokensIn = resp.Usage.PromptTokens
	p.applyCosts(ev, req.Model, cache.DecisionMiss, 0)
	go p.emitter.Emit(ev)

	return resp, nil
}

// ----------------------------------------------------------------------------
// Event construction
// ----------------------------------------------------------------------------

func (p *Pipeline) baseEvent(projectID string, resolved *credentials.Resolved, model, prompt, response string, started time.Time) *events.NormalizedEvent {
	ev := events.NewEvent(projectID, events.TypePromptCall)
	ev.Model = model
	ev.LatencyMS = time.Since(started).Milliseconds()
	if prompt != "" {
		sanitized, _ := p.sanitizer.Raw(prompt)
		ev.Prompt = sanitized
	}
	if response != "" {
		sanitized, _ := p.sanitizer.Raw(response)
		ev.Response = sanitized
	}
	ev.WithTag(string(resolved.Source))
	if family := modelFamily(model); family != "" {
		ev.WithTag(family)
	}
	return ev
}

// applyCosts fills cost fields per the cache decision: a hit costs nothing
// but its potential cost is what the upstream call would have billed.
func (p *Pipeline) applyCosts(ev *events.NormalizedEvent, model string, decision cache.Decision, similarity float64) {
	potential, known := p.estimator.Cost(model, ev.TokensIn, ev.TokensOut)
	ev.PotentialCostUSD = potential
	if !known {
		ev.WithTag("unknown_model_pricing")
	}

	ev.CacheDecision = string(decision)
	ev.WithTag("cache_" + string(decision))
	switch decision {
	case cache.DecisionExact, cache.DecisionSemantic:
		ev.CostUSD = 0
		sim := similarity
		ev.CacheSimilarity = &sim
	default:
		ev.CostUSD = potential
	}
}

func (p *Pipeline) emitChatEvent(projectID string, resolved *credentials.Resolved, model, prompt string, outcome *chatOutcome, started time.Time, coalesced, stream bool) {
	ev := p.baseEvent(projectID, resolved, model, prompt, outcome.resp.Text(), started)
	ev.TokensIn = outcome.resp.Usage.PromptTokens
	ev.TokensOut = outcome.resp.Usage.CompletionTokens
	if ev.TokensIn == 0 && ev.TokensOut == 0 {
		ev.TokensIn = pricing.EstimateTokens(prompt)
		ev.TokensOut = pricing.EstimateTokens(outcome.resp.Text())
	}
	p.applyCosts(ev, model, outcome.decision, outcome.similarity)
	if coalesced {
		ev.WithTag("coalesced")
		// A coalesced waiter consumed a response it never paid upstream for.
		ev.CostUSD = 0
	}
	if stream {
		ev.WithTag("stream")
	}
	go p.emitter.Emit(ev)
}

func (p *Pipeline) emitStreamEvent(projectID string, resolved *credentials.Resolved, model, prompt, content string, tokensIn, tokensOut int, started time.Time, status events.Status, cause error) {
	ev := p.baseEvent(projectID, resolved, model, prompt, content, started)
	ev.TokensIn = tokensIn
	ev.TokensOut = tokensOut
	ev.Status = status
	p.applyCosts(ev, model, cache.DecisionMiss, 0)
	ev.WithTag("stream")
	if cause != nil {
		ev.ErrorMessage = p.sanitizer.Text(cause.Error())
	}
	go p.emitter.Emit(ev)
}

func (p *Pipeline) emitChatFailure(projectID string, resolved *credentials.Resolved, model, prompt string, started time.Time, coalesced bool, cause error) {
	ev := p.baseEvent(projectID, resolved, model, prompt, "", started)
	ev.EventType = events.TypeError
	ev.Status = statusFor(cause)
	ev.ErrorMessage = p.sanitizer.Text(cause.Error())
	ev.CacheDecision = string(cache.DecisionMiss)
	if coalesced {
		ev.WithTag("coalesced")
	}
	go p.emitter.Emit(ev)
}

func statusFor(err error) events.Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return events.StatusTimeout
	}
	return events.StatusError
}

// ----------------------------------------------------------------------------
// Error mapping
// ----------------------------------------------------------------------------

// asRequestError translates pipeline failures to client-facing errors.
// Upstream bodies pass through redacted; everything unexpected is a generic
// 500 with the cause logged.
func (p *Pipeline) asRequestError(err error) error {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		return &RequestError{
			Status:  upErr.StatusCode,
			Message: p.sanitizer.Text(upErr.Body),
			cause:   err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestError{Status: http.StatusGatewayTimeout, Message: "request timed out", cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &RequestError{Status: http.StatusRequestTimeout, Message: "request canceled", cause: err}
	}
	p.logger.Error().Err(err).Msg("pipeline failure")
	return &RequestError{Status: http.StatusInternalServerError, Message: "internal error", cause: err}
}

// recordCoalescing updates the shared coalescing metrics after a Do call on
// either typed slot map.
func (p *Pipeline) recordCoalescing(coalesced bool) {
	p.metrics.PeakConcurrentWaiters.Set(float64(
		max(p.chats.PeakConcurrentWaiters(), p.completions.PeakConcurrentWaiters())))
	if coalesced {
		p.metrics.CoalescedRequests.Inc()
	}
}

func (p *Pipeline) countUpstreamError(provider upstream.Provider, err error) {
	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		p.metrics.UpstreamErrors.WithLabelValues(string(provider), fmt.Sprintf("%d", upErr.StatusCode)).Inc()
	}
}

// modelFamily tags the event with a coarse model family.
func modelFamily(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "chatgpt-"):
		return "family_gpt"
	case strings.HasPrefix(m, "claude-"):
		return "family_claude"
	case strings.Contains(m, "llama"):
		return "family_llama"
	case strings.Contains(m, "mixtral"), strings.Contains(m, "mistral"):
		return "family_mistral"
	case strings.Contains(m, "gemma"), strings.Contains(m, "gemini"):
		return "family_gemma"
	default:
		return ""
	}
}
