package trust

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillerworks/tiller/pkg/bus"
	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/observability"
)

// GateAction is the outcome of a gate evaluation.
type GateAction string

const (
	ActionAllow      GateAction = "allow"
	ActionQuarantine GateAction = "quarantine"
	ActionReject     GateAction = "reject"
)

// ReviewVerdict is a human decision on a quarantined item.
type ReviewVerdict string

const (
	ReviewApprove ReviewVerdict = "approve"
	ReviewReject  ReviewVerdict = "reject"
)

// GateConfig tunes the memory gate.
type GateConfig struct {
	Enabled             bool
	WriteThreshold      float64
	QuarantineThreshold float64
	MaxQuarantineSize   int
	ReviewAfter         time.Duration
}

// DefaultGateConfig returns the standard thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Enabled:             true,
		WriteThreshold:      0.7,
		QuarantineThreshold: 0.3,
		MaxQuarantineSize:   1000,
		ReviewAfter:         24 * time.Hour,
	}
}

// Decision is what the gate returns for one piece of content.
type Decision struct {
	Action        GateAction           `json:"action"`
	Trust         contracts.TrustScore `json:"trust"`
	QuarantineID  string               `json:"quarantine_id,omitempty"`
	ReviewAfterMs int64                `json:"review_after_ms,omitempty"`
}

// QuarantinedItem is a memory held pending review.
type QuarantinedItem struct {
	ID            string               `json:"id"`
	Input         Input                `json:"input"`
	Trust         contracts.TrustScore `json:"trust"`
	QuarantinedAt time.Time            `json:"quarantined_at"`
	ReviewAfter   time.Time            `json:"review_after"`
}

// Stats are running gate counters.
type Stats struct {
	Allowed       uint64 `json:"allowed"`
	Quarantined   uint64 `json:"quarantined"`
	Rejected      uint64 `json:"rejected"`
	PendingReview int    `json:"pending_review"`
}

// Gate decides whether inbound content may be written to memory. Quarantine
// is an ordered map with LRU eviction on capacity.
type Gate struct {
	mu     sync.Mutex
	config GateConfig
	scorer *Scorer

	order *list.List               // front = least recently touched
	items map[string]*list.Element // id -> *QuarantinedItem element

	allowed     uint64
	quarantined uint64
	rejected    uint64

	bus     bus.Bus
	metrics observability.Metrics
	clock   contracts.Clock
	logger  *slog.Logger
}

// NewGate creates a gate over a scorer.
func NewGate(scorer *Scorer, config GateConfig) *Gate {
	if config.WriteThreshold <= 0 {
		config.WriteThreshold = 0.7
	}
	if config.QuarantineThreshold <= 0 {
		config.QuarantineThreshold = 0.3
	}
	if config.MaxQuarantineSize <= 0 {
		config.MaxQuarantineSize = 1000
	}
	if config.ReviewAfter <= 0 {
		config.ReviewAfter = 24 * time.Hour
	}
	return &Gate{
		config:  config,
		scorer:  scorer,
		order:   list.New(),
		items:   make(map[string]*list.Element),
		bus:     bus.Nop{},
		metrics: observability.NopMetrics{},
		clock:   contracts.WallClock{},
		logger:  slog.Default().With("component", "memory-gate"),
	}
}

// WithBus attaches the event bus.
func (g *Gate) WithBus(b bus.Bus) *Gate {
	g.bus = b
	return g
}

// WithMetrics attaches the metrics sink.
func (g *Gate) WithMetrics(m observability.Metrics) *Gate {
	g.metrics = m
	return g
}

// WithClock overrides the clock for deterministic tests.
func (g *Gate) WithClock(clock contracts.Clock) *Gate {
	g.clock = clock
	return g
}

// Evaluate scores the input and applies the threshold rule. A disabled gate
// always allows, with the trust sentinel -1.
func (g *Gate) Evaluate(ctx context.Context, in Input) Decision {
	if !g.config.Enabled {
		return Decision{
			Action: ActionAllow,
			Trust:  contracts.TrustScore{Score: contracts.TrustDisabled, ComputedAt: g.clock.Now().UTC()},
		}
	}

	trust := g.scorer.Score(ctx, in)

	g.mu.Lock()
	var decision Decision
	switch {
	case trust.Score >= g.config.WriteThreshold:
		g.allowed++
		decision = Decision{Action: ActionAllow, Trust: trust}
	case trust.Score >= g.config.QuarantineThreshold:
		g.quarantined++
		id := g.quarantineLocked(in, trust)
		decision = Decision{
			Action:        ActionQuarantine,
			Trust:         trust,
			QuarantineID:  id,
			ReviewAfterMs: g.config.ReviewAfter.Milliseconds(),
		}
	default:
		g.rejected++
		decision = Decision{Action: ActionReject, Trust: trust}
	}
	pending := g.order.Len()
	g.mu.Unlock()

	g.metrics.GateDecision(ctx, string(decision.Action))
	g.metrics.QuarantineSize(ctx, int64(pending))
	g.bus.Emit(ctx, bus.TopicMemoryGateDecision, map[string]any{
		"action":    string(decision.Action),
		"score":     trust.Score,
		"source_id": in.SourceID,
		"reasoning": trust.Reasoning,
	})
	return decision
}

// quarantineLocked inserts an item, evicting the least recently touched one
// when at capacity. Caller holds the mutex.
func (g *Gate) quarantineLocked(in Input, trust contracts.TrustScore) string {
	for g.order.Len() >= g.config.MaxQuarantineSize {
		oldest := g.order.Front()
		if oldest == nil {
			break
		}
		evicted := g.order.Remove(oldest).(*QuarantinedItem)
		delete(g.items, evicted.ID)
		g.logger.Warn("quarantine full, evicting oldest item", "id", evicted.ID)
	}

	now := g.clock.Now().UTC()
	item := &QuarantinedItem{
		ID:            uuid.NewString(),
		Input:         in,
		Trust:         trust,
		QuarantinedAt: now,
		ReviewAfter:   now.Add(g.config.ReviewAfter),
	}
	g.items[item.ID] = g.order.PushBack(item)
	return item.ID
}

// Review resolves a quarantined item. Approve counts as positive source
// feedback, reject as negative; either way the item leaves quarantine.
func (g *Gate) Review(ctx context.Context, id string, verdict ReviewVerdict) (*QuarantinedItem, error) {
	g.mu.Lock()
	elem, ok := g.items[id]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("gate: no quarantined item %s", id)
	}
	item := g.order.Remove(elem).(*QuarantinedItem)
	delete(g.items, id)
	pending := g.order.Len()
	g.mu.Unlock()

	g.scorer.RecordFeedback(item.Input.SourceID, verdict == ReviewApprove)
	g.metrics.QuarantineSize(ctx, int64(pending))
	return item, nil
}

// Pending returns quarantined items in insertion order.
func (g *Gate) Pending() []*QuarantinedItem {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*QuarantinedItem, 0, g.order.Len())
	for e := g.order.Front(); e != nil; e = e.Next() {
		clone := *e.Value.(*QuarantinedItem)
		out = append(out, &clone)
	}
	return out
}

// Stats returns current gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Allowed:       g.allowed,
		Quarantined:   g.quarantined,
		Rejected:      g.rejected,
		PendingReview: g.order.Len(),
	}
}
