package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
)

// PGStore is the pgvector-backed implementation. The HNSW cosine index makes
// queries index-backed; threshold filtering happens in SQL.
type PGStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Schema is the DDL for the semantic cache table, partition-pruned by month
// through created_at and served by an HNSW index with the cosine operator.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS semantic_cache_pgvector (
    id            BIGSERIAL PRIMARY KEY,
    project_id    TEXT        NOT NULL,
    kind          TEXT        NOT NULL,
    embedding     vector(1536) NOT NULL,
    data          JSONB       NOT NULL,
    model         TEXT        NOT NULL,
    tokens_input  INT         NOT NULL DEFAULT 0,
    tokens_output INT         NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS semantic_cache_hnsw_idx
    ON semantic_cache_pgvector USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS semantic_cache_scope_idx
    ON semantic_cache_pgvector (project_id, kind, created_at);
`

// NewPGStore opens the Postgres connection and verifies it.
func NewPGStore(dsn string, logger zerolog.Logger) (*PGStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)

	return &PGStore{
		db:     db,
		logger: logger.With().Str("component", "vectorstore").Logger(),
	}, nil
}

// Migrate applies the cache schema.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// Close releases the connection pool.
func (s *PGStore) Close() error { return s.db.Close() }

// Ping verifies database connectivity.
func (s *PGStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Upsert stores one entry. Duplicate embeddings are tolerated; metadata is
// last-writer-wins by insertion order.
func (s *PGStore) Upsert(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO semantic_cache_pgvector
			(project_id, kind, embedding, data, model, tokens_input, tokens_output)
		VALUES ($1, $2, $3::vector, $4, $5, $6, $7)`,
		entry.ProjectID, entry.Kind, encodeVector(entry.Embedding),
		entry.Payload, entry.Model, entry.TokensInput, entry.TokensOutput)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Query runs an index-backed cosine search scoped to (project, kind).
func (s *PGStore) Query(ctx context.Context, projectID, kind string, embedding []float32, threshold float64, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data, model, tokens_input, tokens_output,
		       1 - (embedding <=> $3::vector) AS similarity
		FROM semantic_cache_pgvector
		WHERE project_id = $1 AND kind = $2
		  AND 1 - (embedding <=> $3::vector) >= $4
		ORDER BY embedding <=> $3::vector
		LIMIT $5`,
		projectID, kind, encodeVector(embedding), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Payload, &h.Model, &h.TokensInput, &h.TokensOutput, &h.Similarity); err != nil {
			return nil, fmt.Errorf("scan cache hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Expire deletes entries older than the retention window. Run from a
// background ticker, not the request path.
func (s *PGStore) Expire(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM semantic_cache_pgvector WHERE created_at < now() - ($1 || ' days')::interval`,
		strconv.Itoa(retentionDays))
	if err != nil {
		return 0, fmt.Errorf("expire cache: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("expired cache entries")
	}
	return n, nil
}

// encodeVector renders a pgvector literal: [0.1,0.2,...]
func encodeVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
