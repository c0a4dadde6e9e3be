package approval

import (
	"context"
	"log/slog"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// Store persists approval rows. A pending row has a NULL decision; resolving
// is a single UPDATE.
type Store interface {
	InsertPending(ctx context.Context, req *contracts.ApprovalRequest) error
	MarkResolved(ctx context.Context, result contracts.ApprovalResult) error
	LoadPending(ctx context.Context) ([]*contracts.ApprovalRequest, error)
}

// PersistentGate wraps the in-memory gate with write-through persistence and
// startup hydration. Store I/O failures are logged; in-memory semantics are
// always preserved.
type PersistentGate struct {
	*Gate
	store  Store
	logger *slog.Logger
}

// NewPersistent creates a persistent gate over a store.
func NewPersistent(gate *Gate, store Store) *PersistentGate {
	p := &PersistentGate{
		Gate:   gate,
		store:  store,
		logger: slog.Default().With("component", "approval-gate"),
	}
	gate.onRequested = p.persistRequested
	gate.onResolved = p.persistResolved
	gate.onUnknownResolve = p.persistUnknownResolve
	return p
}

func (p *PersistentGate) persistRequested(ctx context.Context, req *contracts.ApprovalRequest) {
	if err := p.store.InsertPending(ctx, req); err != nil {
		p.logger.WarnContext(ctx, "approval persistence failed, continuing in memory",
			"approval_id", req.ID, "error", err)
	}
}

func (p *PersistentGate) persistResolved(ctx context.Context, result contracts.ApprovalResult) {
	if err := p.store.MarkResolved(ctx, result); err != nil {
		p.logger.WarnContext(ctx, "approval resolution persistence failed",
			"approval_id", result.ID, "error", err)
	}
}

// persistUnknownResolve records a decision for an id the in-memory gate no
// longer tracks. This captures out-of-band decisions that arrive after a
// restart or after expiry.
func (p *PersistentGate) persistUnknownResolve(ctx context.Context, id string, decision contracts.ApprovalDecision, decidedBy string) {
	result := contracts.ApprovalResult{
		ID:        id,
		Decision:  decision,
		DecidedBy: decidedBy,
		DecidedAt: p.clock.Now().UTC(),
	}
	if err := p.store.MarkResolved(ctx, result); err != nil {
		p.logger.WarnContext(ctx, "out-of-band approval decision not persisted",
			"approval_id", id, "error", err)
	}
}

// HydratePending reloads still-pending rows after a restart, arming a timer
// for each with the TTL that remains.
func (p *PersistentGate) HydratePending(ctx context.Context) error {
	rows, err := p.store.LoadPending(ctx)
	if err != nil {
		return err
	}
	now := p.clock.Now().UTC()
	for _, req := range rows {
		remaining := req.ExpiresAt.Sub(now)
		if remaining <= 0 {
			// Already past its TTL: record the expiry instead of rearming.
			p.persistResolved(ctx, contracts.ApprovalResult{
				ID: req.ID, Decision: contracts.DecisionExpired, DecidedAt: now,
			})
			continue
		}
		p.hydrate(req, remaining)
	}
	p.logger.InfoContext(ctx, "approval gate hydrated", "pending", p.PendingCount())
	return nil
}
