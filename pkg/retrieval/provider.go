// Package retrieval fetches candidate memories for a conversation context and
// ranks them by trust, recency, relevance and type. Entity-scoped results are
// merged in a second phase with cross-room deduplication.
package retrieval

import (
	"context"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// MemoryTier selects the persistence horizon on the entity side.
type MemoryTier string

const (
	TierMidTerm  MemoryTier = "mid_term"
	TierLongTerm MemoryTier = "long_term"
)

// MemoryProvider serves room-scoped memories: time-ordered by default,
// semantic when an embedding is supplied.
type MemoryProvider interface {
	GetMemories(ctx context.Context, roomID string, count int) ([]*contracts.TypedMemory, error)
	SearchByEmbedding(ctx context.Context, embedding []float32, roomID string, count int) ([]*contracts.TypedMemory, error)
}

// EntityMemoryProvider serves entity-scoped memories across rooms. Failures
// here never fail a retrieval; the retriever falls back to room results.
type EntityMemoryProvider interface {
	GetEntityMemories(ctx context.Context, entityID string, tier MemoryTier, count int) ([]*contracts.TypedMemory, error)
	SearchEntityMemories(ctx context.Context, embedding []float32, entityID string, tier MemoryTier, count int) ([]*contracts.TypedMemory, error)
}
