package vectorstore

import "context"

// ============================================================================
// VECTOR STORE - cosine-similar embedding storage scoped by (project, kind)
// ============================================================================

// Entry is one stored embedding with its cached payload.
type Entry struct {
	ProjectID    string
	Kind         string // cache partition, e.g. "chat", "completion"
	Embedding    []float32
	Payload      []byte
	Model        string
	TokensInput  int
	TokensOutput int
}

// Hit is a query result. Similarity is 1 - cosine_distance.
type Hit struct {
	Payload      []byte
	Model        string
	TokensInput  int
	TokensOutput int
	Similarity   float64
}

// Store is the vector store contract. Queries are read-consistent with the
// caller's own prior upserts to the same (project, kind); cross-project
// isolation is absolute.
type Store interface {
	// Upsert stores one entry.
	Upsert(ctx context.Context, entry Entry) error

	// Query returns up to limit entries with similarity >= threshold,
	// ordered by descending similarity.
	Query(ctx context.Context, projectID, kind string, embedding []float32, threshold float64, limit int) ([]Hit, error)
}

// Null is the disabled-backend store: every query misses, every upsert is
// dropped. Callers must tolerate it.
type Null struct{}

func (Null) Upsert(ctx context.Context, entry Entry) error { return nil }

func (Null) Query(ctx context.Context, projectID, kind string, embedding []float32, threshold float64, limit int) ([]Hit, error) {
	return nil, nil
}
