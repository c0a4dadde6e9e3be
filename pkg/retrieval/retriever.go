package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/tillerworks/tiller/pkg/bus"
	"github.com/tillerworks/tiller/pkg/contracts"
)

const (
	maxResultsCap     = 200
	defaultMaxResults = 20
	weightBandLow     = 0.05
	weightBandHigh    = 0.9
)

// RankWeights control the composite ranking score.
type RankWeights struct {
	Trust     float64 `json:"trust" yaml:"trust"`
	Recency   float64 `json:"recency" yaml:"recency"`
	Relevance float64 `json:"relevance" yaml:"relevance"`
	Type      float64 `json:"type" yaml:"type"`
}

// DefaultRankWeights returns the standard ranking weights.
func DefaultRankWeights() RankWeights {
	return RankWeights{Trust: 0.35, Recency: 0.25, Relevance: 0.25, Type: 0.15}
}

// defaultTypeBoosts per memory type; instruction and system rank highest.
var defaultTypeBoosts = map[contracts.MemoryType]float64{
	contracts.MemoryInstruction: 1.0,
	contracts.MemorySystem:      1.0,
	contracts.MemoryFact:        0.9,
	contracts.MemoryGoal:        0.85,
	contracts.MemoryPreference:  0.8,
	contracts.MemoryAction:      0.7,
	contracts.MemoryObservation: 0.6,
}

// Options select and tune one retrieval.
type Options struct {
	RoomID            string
	CanonicalEntityID string
	Embedding         []float32
	MaxResults        int
	Weights           *RankWeights
	TypeBoosts        map[contracts.MemoryType]float64
	Override          *TrustOverride
}

// ScoredMemory pairs a memory with its composite ranking score.
type ScoredMemory struct {
	Memory *contracts.TypedMemory `json:"memory"`
	Score  float64                `json:"score"`
}

// Retriever merges room-scoped and entity-scoped candidates, dedupes, and
// ranks. It never fails on the entity side: those errors degrade to
// room-only results.
type Retriever struct {
	room   MemoryProvider
	entity EntityMemoryProvider
	bus    bus.Bus
	clock  contracts.Clock
	logger *slog.Logger
}

// New creates a retriever. entity may be nil when no entity store is wired.
func New(room MemoryProvider, entity EntityMemoryProvider) *Retriever {
	return &Retriever{
		room:   room,
		entity: entity,
		bus:    bus.Nop{},
		clock:  contracts.WallClock{},
		logger: slog.Default().With("component", "retriever"),
	}
}

// WithBus attaches the event bus.
func (r *Retriever) WithBus(b bus.Bus) *Retriever {
	r.bus = b
	return r
}

// WithClock overrides the clock for deterministic tests.
func (r *Retriever) WithClock(clock contracts.Clock) *Retriever {
	r.clock = clock
	return r
}

// Retrieve fetches, dedupes and ranks memories for a conversation context.
func (r *Retriever) Retrieve(ctx context.Context, opts Options) ([]ScoredMemory, error) {
	weights, boosts, max := r.sanitize(ctx, opts)

	candidates, err := r.fetchRoom(ctx, opts, max)
	if err != nil {
		return nil, err
	}
	if opts.CanonicalEntityID != "" && r.entity != nil {
		candidates = append(candidates, r.fetchEntity(ctx, opts, max)...)
	}

	candidates = dedupe(candidates)
	r.applyOverride(ctx, opts.Override, candidates)

	scored := make([]ScoredMemory, 0, len(candidates))
	now := r.clock.Now()
	for _, m := range candidates {
		scored = append(scored, ScoredMemory{Memory: m, Score: r.composite(m, weights, boosts, now)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	if len(scored) > max {
		scored = scored[:max]
	}
	return scored, nil
}

// sanitize applies the ranking guardrails, emitting an audit event whenever
// a supplied parameter had to be corrected.
func (r *Retriever) sanitize(ctx context.Context, opts Options) (RankWeights, map[contracts.MemoryType]float64, int) {
	weights := DefaultRankWeights()
	fired := false

	if opts.Weights != nil {
		w := *opts.Weights
		if inBand(w.Trust) && inBand(w.Recency) && inBand(w.Relevance) && inBand(w.Type) {
			weights = w
		} else {
			fired = true
		}
	}

	boosts := make(map[contracts.MemoryType]float64, len(defaultTypeBoosts))
	for k, v := range defaultTypeBoosts {
		boosts[k] = v
	}
	for k, v := range opts.TypeBoosts {
		clamped := clamp(v, 0, 2)
		if clamped != v {
			fired = true
		}
		boosts[k] = clamped
	}

	max := opts.MaxResults
	if max <= 0 {
		max = defaultMaxResults
	}
	if max > maxResultsCap {
		max = maxResultsCap
		fired = true
	}

	if fired {
		r.bus.Emit(ctx, bus.TopicRankGuardrail, map[string]any{
			"room_id":     opts.RoomID,
			"max_results": max,
		})
	}
	return weights, boosts, max
}

func (r *Retriever) fetchRoom(ctx context.Context, opts Options, max int) ([]*contracts.TypedMemory, error) {
	if len(opts.Embedding) > 0 {
		return r.room.SearchByEmbedding(ctx, opts.Embedding, opts.RoomID, max)
	}
	return r.room.GetMemories(ctx, opts.RoomID, max)
}

// fetchEntity pulls mid-term and long-term entity memories. Errors are
// logged and swallowed: entity enrichment must never break retrieval.
func (r *Retriever) fetchEntity(ctx context.Context, opts Options, max int) []*contracts.TypedMemory {
	var out []*contracts.TypedMemory
	for _, tier := range []MemoryTier{TierMidTerm, TierLongTerm} {
		var (
			rows []*contracts.TypedMemory
			err  error
		)
		if len(opts.Embedding) > 0 {
			rows, err = r.entity.SearchEntityMemories(ctx, opts.Embedding, opts.CanonicalEntityID, tier, max)
		} else {
			rows, err = r.entity.GetEntityMemories(ctx, opts.CanonicalEntityID, tier, max)
		}
		if err != nil {
			r.logger.WarnContext(ctx, "entity memory fetch failed, continuing with room results",
				"entity_id", opts.CanonicalEntityID, "tier", string(tier), "error", err)
			continue
		}
		out = append(out, rows...)
	}
	return out
}

// applyOverride elevates the trust metadata on all candidates when the
// override passes the attribution policy. Every attempt is audited.
func (r *Retriever) applyOverride(ctx context.Context, o *TrustOverride, candidates []*contracts.TypedMemory) {
	if o == nil {
		return
	}
	score, rejection := validateOverride(o)
	if rejection != "" {
		auditOverride(ctx, r.bus, o, false, rejection)
		return
	}
	for _, m := range candidates {
		s := score
		m.Metadata.TrustScore = &s
	}
	auditOverride(ctx, r.bus, o, true, o.Reason)
}

// composite implements trustW·trust + recencyW·recency + relevanceW·relevance
// + typeW·typeBoost, substituting 0.5 for any missing signal.
func (r *Retriever) composite(m *contracts.TypedMemory, w RankWeights, boosts map[contracts.MemoryType]float64, now time.Time) float64 {
	trust := 0.5
	if m.Metadata.TrustScore != nil {
		trust = clamp(*m.Metadata.TrustScore, 0, 1)
	}

	recency := 0.5
	if !m.CreatedAt.IsZero() {
		ageHours := now.Sub(m.CreatedAt).Hours()
		if ageHours < 0 {
			ageHours = 0
		}
		recency = math.Exp(-ageHours / 24)
	}

	relevance := 0.5
	if m.Metadata.Similarity != nil {
		relevance = clamp(*m.Metadata.Similarity, 0, 1)
	}

	boost, ok := boosts[m.Metadata.MemoryType]
	if !ok {
		boost = 0.5
	}

	return w.Trust*trust + w.Recency*recency + w.Relevance*relevance + w.Type*boost
}

func inBand(v float64) bool {
	return v >= weightBandLow && v <= weightBandHigh
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
