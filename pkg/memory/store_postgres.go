// Package memory persists typed memories in Postgres and serves them to the
// retriever, time-ordered or ranked by embedding similarity.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/retrieval"
)

const memorySchema = `
CREATE TABLE IF NOT EXISTS autonomy_memories (
	id          TEXT PRIMARY KEY,
	room_id     TEXT NOT NULL,
	entity_id   TEXT NOT NULL DEFAULT '',
	tier        TEXT NOT NULL DEFAULT 'mid_term',
	memory_type TEXT NOT NULL DEFAULT '',
	text        TEXT NOT NULL,
	trust_score DOUBLE PRECISION,
	verified    BOOLEAN NOT NULL DEFAULT FALSE,
	provenance  JSONB,
	embedding   JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_autonomy_memories_room ON autonomy_memories (room_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_autonomy_memories_entity ON autonomy_memories (entity_id, tier, created_at DESC);
`

// candidatePool caps how many recent rows a semantic search scores in-process.
const candidatePool = 256

// PostgresStore is the durable memory store. It implements both retrieval
// provider interfaces.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InitSchema creates the memories table and its indexes.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, memorySchema)
	if err != nil {
		return fmt.Errorf("memory: init schema: %w", err)
	}
	return nil
}

// Insert persists one memory. A missing ID is generated; the embedding may be
// nil for memories that are never searched semantically.
func (s *PostgresStore) Insert(ctx context.Context, m *contracts.TypedMemory, tier retrieval.MemoryTier, embedding []float32) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if tier == "" {
		tier = retrieval.TierMidTerm
	}

	var provenance []byte
	if m.Metadata.Provenance != nil {
		var err error
		if provenance, err = json.Marshal(m.Metadata.Provenance); err != nil {
			return fmt.Errorf("memory: marshal provenance: %w", err)
		}
	}
	var embJSON []byte
	if embedding != nil {
		var err error
		if embJSON, err = json.Marshal(embedding); err != nil {
			return fmt.Errorf("memory: marshal embedding: %w", err)
		}
	}

	var trust any
	if m.Metadata.TrustScore != nil {
		trust = *m.Metadata.TrustScore
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO autonomy_memories
			(id, room_id, entity_id, tier, memory_type, text, trust_score, verified, provenance, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.RoomID, m.EntityID, string(tier), string(m.Metadata.MemoryType),
		m.Content.Text, trust, m.Metadata.Verified, provenance, embJSON, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("memory: insert %s: %w", m.ID, err)
	}
	return nil
}

// GetMemories returns the most recent room memories, newest first.
func (s *PostgresStore) GetMemories(ctx context.Context, roomID string, count int) ([]*contracts.TypedMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, entity_id, memory_type, text, trust_score, verified, provenance, created_at
		FROM autonomy_memories
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, roomID, count)
	if err != nil {
		return nil, fmt.Errorf("memory: query room %s: %w", roomID, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchByEmbedding scores the most recent embedded room rows by cosine
// similarity in-process and returns the top count.
func (s *PostgresStore) SearchByEmbedding(ctx context.Context, embedding []float32, roomID string, count int) ([]*contracts.TypedMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, entity_id, memory_type, text, trust_score, verified, provenance, created_at, embedding
		FROM autonomy_memories
		WHERE room_id = $1 AND embedding IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $2`, roomID, candidatePool)
	if err != nil {
		return nil, fmt.Errorf("memory: semantic query room %s: %w", roomID, err)
	}
	defer rows.Close()
	return rankBySimilarity(rows, embedding, count)
}

// GetEntityMemories returns the most recent entity memories in a tier.
func (s *PostgresStore) GetEntityMemories(ctx context.Context, entityID string, tier retrieval.MemoryTier, count int) ([]*contracts.TypedMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, entity_id, memory_type, text, trust_score, verified, provenance, created_at
		FROM autonomy_memories
		WHERE entity_id = $1 AND tier = $2
		ORDER BY created_at DESC
		LIMIT $3`, entityID, string(tier), count)
	if err != nil {
		return nil, fmt.Errorf("memory: query entity %s: %w", entityID, err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SearchEntityMemories is the semantic variant of GetEntityMemories.
func (s *PostgresStore) SearchEntityMemories(ctx context.Context, embedding []float32, entityID string, tier retrieval.MemoryTier, count int) ([]*contracts.TypedMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, entity_id, memory_type, text, trust_score, verified, provenance, created_at, embedding
		FROM autonomy_memories
		WHERE entity_id = $1 AND tier = $2 AND embedding IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $3`, entityID, string(tier), candidatePool)
	if err != nil {
		return nil, fmt.Errorf("memory: semantic query entity %s: %w", entityID, err)
	}
	defer rows.Close()
	return rankBySimilarity(rows, embedding, count)
}

func scanMemories(rows *sql.Rows) ([]*contracts.TypedMemory, error) {
	var out []*contracts.TypedMemory
	for rows.Next() {
		m, _, err := scanRow(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// rankBySimilarity attaches cosine similarity to each candidate and keeps the
// top count by a simple selection pass.
func rankBySimilarity(rows *sql.Rows, query []float32, count int) ([]*contracts.TypedMemory, error) {
	var scored []*contracts.TypedMemory
	for rows.Next() {
		m, embedding, err := scanRow(rows, true)
		if err != nil {
			return nil, err
		}
		sim := cosineSimilarity(query, embedding)
		m.Metadata.Similarity = &sim
		scored = append(scored, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 0; i < len(scored) && i < count; i++ {
		best := i
		for j := i + 1; j < len(scored); j++ {
			if *scored[j].Metadata.Similarity > *scored[best].Metadata.Similarity {
				best = j
			}
		}
		scored[i], scored[best] = scored[best], scored[i]
	}
	if len(scored) > count {
		scored = scored[:count]
	}
	return scored, nil
}

func scanRow(rows *sql.Rows, withEmbedding bool) (*contracts.TypedMemory, []float32, error) {
	var (
		m          contracts.TypedMemory
		memType    string
		trust      sql.NullFloat64
		provenance []byte
		embJSON    []byte
	)
	dest := []any{
		&m.ID, &m.RoomID, &m.EntityID, &memType, &m.Content.Text,
		&trust, &m.Metadata.Verified, &provenance, &m.CreatedAt,
	}
	if withEmbedding {
		dest = append(dest, &embJSON)
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, nil, fmt.Errorf("memory: scan: %w", err)
	}

	m.Metadata.MemoryType = contracts.MemoryType(memType)
	if trust.Valid {
		v := trust.Float64
		m.Metadata.TrustScore = &v
	}
	if len(provenance) > 0 {
		var p contracts.MemoryProvenance
		if err := json.Unmarshal(provenance, &p); err == nil {
			m.Metadata.Provenance = &p
		}
	}
	var embedding []float32
	if len(embJSON) > 0 {
		_ = json.Unmarshal(embJSON, &embedding)
	}
	return &m, embedding, nil
}

// cosineSimilarity returns 0 for mismatched or zero-norm vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
