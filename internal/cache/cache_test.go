package cache

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/sanitize"
	"github.com/ocx/gateway/internal/vectorstore"
)

// fixedEmbedder returns the same vector for every text, or fails.
type fixedEmbedder struct {
	vec []float32
	err error
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

func newTestCache(embedder Embedder) (*Cache, *vectorstore.Memory, *MemoryExactStore) {
	vectors := vectorstore.NewMemory()
	exact := NewMemoryExactStore()
	c := New(vectors, exact, embedder, sanitize.New(2000), 30, zerolog.Nop())
	return c, vectors, exact
}

func TestLookupMissThenExactHit(t *testing.T) {
	c, _, _ := newTestCache(&fixedEmbedder{vec: []float32{1, 0}})
	ctx := context.Background()

	assert.Nil(t, c.Lookup(ctx, "p1", "chat", "gpt-4o", "hello world", 0.95))

	c.Store(ctx, "p1", "chat", "gpt-4o", "hello world", []byte(`{"ok":true}`), 10, 20)

	hit := c.Lookup(ctx, "p1", "chat", "gpt-4o", "hello world", 0.95)
	require.NotNil(t, hit)
	assert.Equal(t, DecisionExact, hit.Decision)
	assert.Equal(t, []byte(`{"ok":true}`), []byte(hit.Payload))
	assert.Equal(t, 10, hit.TokensIn)
	assert.Equal(t, 20, hit.TokensOut)
	assert.Equal(t, 1.0, hit.Similarity)
}

func TestLookupExactKeyNormalizesWhitespace(t *testing.T) {
	c, _, _ := newTestCache(&fixedEmbedder{vec: []float32{1, 0}})
	ctx := context.Background()

	c.Store(ctx, "p1", "chat", "gpt-4o", "hello   world", []byte(`{}`), 1, 1)

	hit := c.Lookup(ctx, "p1", "chat", "gpt-4o", "  hello\nworld ", 0.95)
	require.NotNil(t, hit)
	assert.Equal(t, DecisionExact, hit.Decision)
}

func TestLookupSemanticHit(t *testing.T) {
	// Query embeds to [1,0]; the stored vector sits at cosine 0.97 from it.
	c, vectors, _ := newTestCache(&fixedEmbedder{vec: []float32{1, 0}})
	ctx := context.Background()

	stored := []float32{0.97, float32(math.Sqrt(1 - 0.97*0.97))}
	require.NoError(t, vectors.Upsert(ctx, vectorstore.Entry{
		ProjectID:    "p1",
		Kind:         "chat",
		Embedding:    stored,
		Payload:      []byte(`{"cached":true}`),
		Model:        "gpt-4o",
		TokensInput:  5,
		TokensOutput: 7,
	}))

	hit := c.Lookup(ctx, "p1", "chat", "gpt-4o", "a similar but not identical prompt", 0.95)
	require.NotNil(t, hit)
	assert.Equal(t, DecisionSemantic, hit.Decision)
	assert.InDelta(t, 0.97, hit.Similarity, 1e-6)
	assert.Equal(t, []byte(`{"cached":true}`), []byte(hit.Payload))

	// Raising the threshold above the similarity turns the hit into a miss.
	assert.Nil(t, c.Lookup(ctx, "p1", "chat", "gpt-4o", "a similar but not identical prompt", 0.98))
}

func TestLookupCrossProjectIsolation(t *testing.T) {
	c, _, _ := newTestCache(&fixedEmbedder{vec: []float32{1, 0}})
	ctx := context.Background()

	c.Store(ctx, "p1", "chat", "gpt-4o", "shared prompt", []byte(`{}`), 1, 1)

	assert.NotNil(t, c.Lookup(ctx, "p1", "chat", "gpt-4o", "shared prompt", 0.95))
	assert.Nil(t, c.Lookup(ctx, "p2", "chat", "gpt-4o", "shared prompt", 0.95))
}

func TestLookupKindPartitionsVectorEntries(t *testing.T) {
	c, _, _ := newTestCache(&fixedEmbedder{vec: []float32{1, 0}})
	ctx := context.Background()

	c.Store(ctx, "p1", "completion", "gpt-4o", "original prompt", []byte(`{}`), 1, 1)

	// Different prompt text so the exact key misses; the vector entry lives
	// under the completion partition and must not serve chat lookups.
	assert.Nil(t, c.Lookup(ctx, "p1", "chat", "gpt-4o", "reworded prompt", 0.95))
	assert.NotNil(t, c.Lookup(ctx, "p1", "completion", "gpt-4o", "reworded prompt", 0.95))
}

func TestEmbeddingFailureDegradesToMiss(t *testing.T) {
	c, vectors, _ := newTestCache(&fixedEmbedder{err: errors.New("embedding service down")})
	ctx := context.Background()

	assert.Nil(t, c.Lookup(ctx, "p1", "chat", "gpt-4o", "anything", 0.95))

	// Store still writes the exact entry; only the vector populate is skipped.
	c.Store(ctx, "p1", "chat", "gpt-4o", "anything", []byte(`{}`), 1, 1)
	assert.Equal(t, 0, vectors.Len())

	hit := c.Lookup(ctx, "p1", "chat", "gpt-4o", "anything", 0.95)
	require.NotNil(t, hit)
	assert.Equal(t, DecisionExact, hit.Decision)
}

func TestEmptyPromptNeverCached(t *testing.T) {
	c, vectors, _ := newTestCache(&fixedEmbedder{vec: []float32{1, 0}})
	ctx := context.Background()

	c.Store(ctx, "p1", "chat", "gpt-4o", "   \n\t ", []byte(`{}`), 1, 1)
	assert.Equal(t, 0, vectors.Len())
	assert.Nil(t, c.Lookup(ctx, "p1", "chat", "gpt-4o", "", 0.95))
}

func TestExactKeyDisjointByModel(t *testing.T) {
	a := ExactKey("p1", "gpt-4o", "prompt")
	b := ExactKey("p1", "gpt-4o-mini", "prompt")
	c := ExactKey("p2", "gpt-4o", "prompt")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, ExactKey("p1", "gpt-4o", "prompt"))
}

func TestClampThreshold(t *testing.T) {
	assert.Equal(t, 0.80, clampThreshold(0.5))
	assert.Equal(t, 0.99, clampThreshold(1.5))
	assert.Equal(t, 0.95, clampThreshold(0.95))
}

func TestMemoryExactStoreTTL(t *testing.T) {
	s := NewMemoryExactStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
