// Package approval suspends high-risk tool calls until a human or system
// decision arrives, or a timer expires them. The in-memory gate is
// authoritative; a persistent variant layers crash recovery on top.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillerworks/tiller/pkg/bus"
	"github.com/tillerworks/tiller/pkg/contracts"
)

// DefaultTimeout is how long a request stays pending before expiring.
const DefaultTimeout = 5 * time.Minute

type pendingApproval struct {
	request  *contracts.ApprovalRequest
	done     chan contracts.ApprovalResult // nil for hydrated entries with no waiter
	timer    *time.Timer
	resolved bool
}

// Gate is the in-memory approval gate. Resolution is at-most-once: the first
// of resolve/timer wins, everything after is a no-op.
type Gate struct {
	mu       sync.Mutex
	pending  map[string]*pendingApproval
	timeout  time.Duration
	disposed bool

	bus    bus.Bus
	clock  contracts.Clock
	logger *slog.Logger

	// Persistence hooks, set by the persistent variant. May be nil.
	onRequested      func(ctx context.Context, req *contracts.ApprovalRequest)
	onResolved       func(ctx context.Context, result contracts.ApprovalResult)
	onUnknownResolve func(ctx context.Context, id string, decision contracts.ApprovalDecision, decidedBy string)
}

// New creates a gate with the default timeout.
func New() *Gate {
	return &Gate{
		pending: make(map[string]*pendingApproval),
		timeout: DefaultTimeout,
		bus:     bus.Nop{},
		clock:   contracts.WallClock{},
		logger:  slog.Default().With("component", "approval-gate"),
	}
}

// WithTimeout overrides the pending TTL.
func (g *Gate) WithTimeout(d time.Duration) *Gate {
	if d > 0 {
		g.timeout = d
	}
	return g
}

// WithBus attaches the event bus.
func (g *Gate) WithBus(b bus.Bus) *Gate {
	g.bus = b
	return g
}

// WithClock overrides the clock for deterministic tests. Expiry timers still
// run on the wall clock.
func (g *Gate) WithClock(clock contracts.Clock) *Gate {
	g.clock = clock
	return g
}

// Timeout returns the configured pending TTL.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

// RequestApproval registers a pending request and blocks until it is
// resolved, expires, or the context is cancelled.
func (g *Gate) RequestApproval(ctx context.Context, call *contracts.ProposedToolCall, riskClass contracts.RiskClass) (contracts.ApprovalResult, error) {
	request, done, err := g.register(ctx, call, riskClass)
	if err != nil {
		return contracts.ApprovalResult{}, err
	}

	select {
	case result := <-done:
		return result, nil
	case <-ctx.Done():
		// The caller is gone; expire the request so the pending set and
		// any persistence stay consistent.
		g.Resolve(context.WithoutCancel(ctx), request.ID, contracts.DecisionExpired, "")
		return contracts.ApprovalResult{}, ctx.Err()
	}
}

// register inserts the pending entry and arms the expiry timer.
func (g *Gate) register(ctx context.Context, call *contracts.ProposedToolCall, riskClass contracts.RiskClass) (*contracts.ApprovalRequest, chan contracts.ApprovalResult, error) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return nil, nil, fmt.Errorf("approval: gate disposed")
	}

	now := g.clock.Now().UTC()
	request := &contracts.ApprovalRequest{
		ID:        uuid.NewString(),
		Call:      *call,
		RiskClass: riskClass,
		CreatedAt: now,
		ExpiresAt: now.Add(g.timeout),
	}
	done := make(chan contracts.ApprovalResult, 1)
	entry := &pendingApproval{request: request, done: done}
	entry.timer = time.AfterFunc(g.timeout, func() {
		g.Resolve(context.Background(), request.ID, contracts.DecisionExpired, "")
	})
	g.pending[request.ID] = entry
	g.mu.Unlock()

	if g.onRequested != nil {
		g.onRequested(ctx, request)
	}
	g.bus.Emit(ctx, bus.TopicApprovalRequested, map[string]any{
		"approval_id": request.ID,
		"tool":        call.Tool,
		"request_id":  call.RequestID,
		"risk_class":  string(riskClass),
		"expires_at":  request.ExpiresAt,
	})
	return request, done, nil
}

// Resolve settles a pending request. Returns false when the id is unknown or
// already resolved.
func (g *Gate) Resolve(ctx context.Context, id string, decision contracts.ApprovalDecision, decidedBy string) bool {
	g.mu.Lock()
	entry, ok := g.pending[id]
	if !ok || entry.resolved {
		g.mu.Unlock()
		if g.onUnknownResolve != nil {
			g.onUnknownResolve(ctx, id, decision, decidedBy)
		}
		return false
	}
	entry.resolved = true
	entry.timer.Stop()
	delete(g.pending, id)
	g.mu.Unlock()

	result := contracts.ApprovalResult{
		ID:        id,
		Decision:  decision,
		DecidedBy: decidedBy,
		DecidedAt: g.clock.Now().UTC(),
	}
	// Persist and publish before unblocking the waiter, so the decision is
	// on record by the time the pipeline resumes.
	if g.onResolved != nil {
		g.onResolved(ctx, result)
	}
	g.bus.Emit(ctx, bus.TopicApprovalResolved, map[string]any{
		"approval_id": id,
		"decision":    string(decision),
		"decided_by":  decidedBy,
	})

	if entry.done != nil {
		entry.done <- result
	}
	return true
}

// GetPending returns clones of all pending requests.
func (g *Gate) GetPending() []*contracts.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*contracts.ApprovalRequest, 0, len(g.pending))
	for _, entry := range g.pending {
		clone := *entry.request
		out = append(out, &clone)
	}
	return out
}

// GetPendingByID returns a clone of one pending request, or nil.
func (g *Gate) GetPendingByID(id string) *contracts.ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.pending[id]
	if !ok {
		return nil
	}
	clone := *entry.request
	return &clone
}

// PendingCount returns the number of pending requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Dispose expires everything still pending and refuses further requests.
func (g *Gate) Dispose() {
	g.mu.Lock()
	g.disposed = true
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.Resolve(context.Background(), id, contracts.DecisionExpired, "")
	}
}

// hydrate reinstates a pending request recovered from persistence. There is
// no waiter after a restart; the entry exists so GetPending and Resolve work
// and the remaining TTL still fires.
func (g *Gate) hydrate(req *contracts.ApprovalRequest, remaining time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return
	}
	if _, exists := g.pending[req.ID]; exists {
		return
	}
	entry := &pendingApproval{request: req}
	entry.timer = time.AfterFunc(remaining, func() {
		g.Resolve(context.Background(), req.ID, contracts.DecisionExpired, "")
	})
	g.pending[req.ID] = entry
}
