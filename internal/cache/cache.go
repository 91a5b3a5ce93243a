package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/ocx/gateway/internal/sanitize"
	"github.com/ocx/gateway/internal/vectorstore"
)

// ============================================================================
// SEMANTIC CACHE - exact-key fast path + embedding similarity lookup
// ============================================================================

// Decision classifies how a lookup resolved.
type Decision string

const (
	DecisionMiss     Decision = "miss"
	DecisionExact    Decision = "exact"
	DecisionSemantic Decision = "semantic"
)

// Hit is a successful lookup. Payload is the cached response body.
type Hit struct {
	Payload    []byte
	TokensIn   int
	TokensOut  int
	Similarity float64
	Decision   Decision
}

// Cache is the semantic cache engine. Lookup is best-effort: embedding or
// store failures degrade to a miss and never fail the request.
type Cache struct {
	vectors   vectorstore.Store
	exact     ExactStore
	embedder  Embedder
	sanitizer *sanitize.Sanitizer
	ttl       time.Duration
	logger    zerolog.Logger
}

// New builds the cache engine. retentionDays bounds exact-entry TTL to the
// project retention default.
func New(vectors vectorstore.Store, exact ExactStore, embedder Embedder, sanitizer *sanitize.Sanitizer, retentionDays int, logger zerolog.Logger) *Cache {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Cache{
		vectors:   vectors,
		exact:     exact,
		embedder:  embedder,
		sanitizer: sanitizer,
		ttl:       time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With().Str("component", "cache").Logger(),
	}
}

// exactValue is the serialized form of an exact-key entry.
type exactValue struct {
	Payload   json.RawMessage `json:"payload"`
	TokensIn  int             `json:"tokens_in"`
	TokensOut int             `json:"tokens_out"`
}

// Lookup resolves (project, model, prompt) against the cache. threshold is
// clamped to [0.80, 0.99] before the vector query. A nil return is a miss.
func (c *Cache) Lookup(ctx context.Context, projectID, kind, model, prompt string, threshold float64) *Hit {
	normalized := sanitize.NormalizeWhitespace(prompt)
	if normalized == "" {
		return nil
	}

	key := ExactKey(projectID, model, normalized)
	if val, ok, err := c.exact.Get(ctx, key); err == nil && ok {
		var v exactValue
		if err := json.Unmarshal(val, &v); err == nil {
			return &Hit{
				Payload:    v.Payload,
				TokensIn:   v.TokensIn,
				TokensOut:  v.TokensOut,
				Similarity: 1,
				Decision:   DecisionExact,
			}
		}
	} else if err != nil {
		c.logger.Warn().Err(err).Msg("exact store lookup failed, degrading to miss")
	}

	embedding, err := c.embedder.Embed(ctx, c.truncateForEmbedding(normalized))
	if err != nil {
		c.logger.Warn().Err(err).Msg("embedding failed, cache degrades to miss")
		return nil
	}

	hits, err := c.vectors.Query(ctx, projectID, kind, embedding, clampThreshold(threshold), 1)
	if err != nil {
		c.logger.Warn().Err(err).Msg("vector query failed, cache degrades to miss")
		return nil
	}
	if len(hits) == 0 {
		return nil
	}

	h := hits[0]
	return &Hit{
		Payload:    h.Payload,
		TokensIn:   h.TokensInput,
		TokensOut:  h.TokensOutput,
		Similarity: h.Similarity,
		Decision:   DecisionSemantic,
	}
}

// Store populates both the exact-key entry and the embedding entry after an
// upstream success. Best-effort: failures are logged, never surfaced.
func (c *Cache) Store(ctx context.Context, projectID, kind, model, prompt string, payload []byte, tokensIn, tokensOut int) {
	normalized := sanitize.NormalizeWhitespace(prompt)
	if normalized == "" {
		return
	}

	val, err := json.Marshal(exactValue{Payload: payload, TokensIn: tokensIn, TokensOut: tokensOut})
	if err != nil {
		return
	}
	if err := c.exact.Set(ctx, ExactKey(projectID, model, normalized), val, c.ttl); err != nil {
		c.logger.Warn().Err(err).Msg("exact store populate failed")
	}

	embedding, err := c.embedder.Embed(ctx, c.truncateForEmbedding(normalized))
	if err != nil {
		c.logger.Warn().Err(err).Msg("embedding failed, skipping vector populate")
		return
	}

	err = c.vectors.Upsert(ctx, vectorstore.Entry{
		ProjectID:    projectID,
		Kind:         kind,
		Embedding:    embedding,
		Payload:      payload,
		Model:        model,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("vector populate failed")
	}
}

// ExactKey hashes (project, model, normalized prompt) into the exact-entry
// key.
func ExactKey(projectID, model, normalizedPrompt string) string {
	h := sha256.New()
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(normalizedPrompt))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) truncateForEmbedding(text string) string {
	out, _ := c.sanitizer.Raw(text)
	return out
}

func clampThreshold(t float64) float64 {
	if t < 0.80 {
		return 0.80
	}
	if t > 0.99 {
		return 0.99
	}
	return t
}
