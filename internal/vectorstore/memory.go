package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Memory is a sequential-scan in-memory store. Correctness-preserving
// substitute for PGStore in tests and single-node dev setups.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Upsert(ctx context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) Query(ctx context.Context, projectID, kind string, embedding []float32, threshold float64, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 1
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Hit
	for _, e := range m.entries {
		if e.ProjectID != projectID || e.Kind != kind {
			continue
		}
		sim := CosineSimilarity(embedding, e.Embedding)
		if sim >= threshold {
			hits = append(hits, Hit{
				Payload:      e.Payload,
				Model:        e.Model,
				TokensInput:  e.TokensInput,
				TokensOutput: e.TokensOutput,
				Similarity:   sim,
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// CosineSimilarity returns the cosine of the angle between two vectors.
// Mismatched lengths and zero vectors yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
