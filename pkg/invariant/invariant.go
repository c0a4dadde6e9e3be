// Package invariant runs cross-system consistency checks after each pipeline
// run. Checks are stateless functions over a snapshot; custom predicates can
// be expressed in CEL.
package invariant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tillerworks/tiller/pkg/bus"
	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/observability"
	"github.com/tillerworks/tiller/pkg/statemachine"
)

// State is the snapshot an invariant check inspects.
type State struct {
	CurrentState         statemachine.State
	PendingApprovalCount int
	EventCount           int
	ExecutionSucceeded   bool
	PipelineResult       *contracts.PipelineResult
	Events               []contracts.ExecutionEvent
	ApprovalTTL          time.Duration

	// ContractInvariants names the predicate ids the executed tool's
	// contract declares; they run in addition to the registered checks.
	ContractInvariants []string
}

// CheckFunc is one registered invariant. Implementations must not mutate the
// snapshot.
type CheckFunc func(ctx context.Context, s State) contracts.CheckOutcome

// Checker owns the registered invariants.
type Checker struct {
	mu         sync.RWMutex
	checks     []CheckFunc
	predicates *PredicateSet
	bus        bus.Bus
	metrics    observability.Metrics
	logger     *slog.Logger
}

// New creates a checker with the built-in invariants registered.
func New() *Checker {
	c := &Checker{
		bus:     bus.Nop{},
		metrics: observability.NopMetrics{},
		logger:  slog.Default().With("component", "invariants"),
	}
	c.Register(
		SafeModeRestrictsExecution,
		ApprovalsAreResolved,
		FailuresPrecedeExitFromExecuting,
	)
	return c
}

// WithBus attaches the event bus.
func (c *Checker) WithBus(b bus.Bus) *Checker {
	c.bus = b
	return c
}

// WithMetrics attaches the metrics sink.
func (c *Checker) WithMetrics(m observability.Metrics) *Checker {
	c.metrics = m
	return c
}

// WithPredicates attaches the CEL predicate set used to resolve
// contract-declared invariant ids.
func (c *Checker) WithPredicates(set *PredicateSet) *Checker {
	c.predicates = set
	return c
}

// Register adds invariants to the set.
func (c *Checker) Register(checks ...CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, checks...)
}

// Check runs every registered invariant against the snapshot.
func (c *Checker) Check(ctx context.Context, s State) *contracts.InvariantSummary {
	c.mu.RLock()
	checks := make([]CheckFunc, len(c.checks))
	copy(checks, c.checks)
	c.mu.RUnlock()

	if c.predicates != nil && len(s.ContractInvariants) > 0 {
		checks = append(checks, c.predicates.Resolve(s.ContractInvariants)...)
	}

	summary := &contracts.InvariantSummary{Status: contracts.CheckPassed}
	for i, check := range checks {
		outcome := c.run(ctx, i, check, s)
		summary.Checks = append(summary.Checks, outcome)
		if outcome.Critical() {
			summary.HasCriticalViolation = true
		}
		switch outcome.Status {
		case contracts.CheckFailed:
			summary.Status = contracts.CheckFailed
		case contracts.CheckWarning:
			if summary.Status == contracts.CheckPassed {
				summary.Status = contracts.CheckWarning
			}
		}
	}

	result := "passed"
	if summary.Status != contracts.CheckPassed {
		result = string(summary.Status)
	}
	c.metrics.InvariantCheck(ctx, result)
	c.bus.Emit(ctx, bus.TopicInvariantsChecked, map[string]any{
		"status":                 string(summary.Status),
		"checks":                 len(summary.Checks),
		"has_critical_violation": summary.HasCriticalViolation,
	})
	return summary
}

func (c *Checker) run(ctx context.Context, idx int, check CheckFunc, s State) (outcome contracts.CheckOutcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "invariant check panicked", "index", idx, "panic", r)
			outcome = contracts.CheckOutcome{
				Name:            fmt.Sprintf("invariant[%d]", idx),
				Status:          contracts.CheckFailed,
				Severity:        contracts.SeverityCritical,
				Detail:          fmt.Sprintf("check panicked: %v", r),
				FailureTaxonomy: string(contracts.ErrCriticalInvariantViolation),
			}
		}
	}()
	return check(ctx, s)
}

// SafeModeRestrictsExecution: no tool may execute while the kernel is in
// safe mode unless its risk class is read-only.
func SafeModeRestrictsExecution(_ context.Context, s State) contracts.CheckOutcome {
	out := contracts.CheckOutcome{
		Name:     "safe-mode-restricts-execution",
		Status:   contracts.CheckPassed,
		Severity: contracts.SeverityCritical,
	}
	if s.CurrentState != statemachine.StateSafeMode {
		return out
	}
	if s.PipelineResult == nil || s.PipelineResult.Execution == nil || !s.PipelineResult.Execution.Ran {
		return out
	}
	risk := contracts.RiskReadOnly
	if s.PipelineResult.Validation != nil {
		risk = s.PipelineResult.Validation.RiskClass
	}
	if risk != contracts.RiskReadOnly {
		out.Status = contracts.CheckFailed
		out.Detail = fmt.Sprintf("tool %s with risk class %s executed in safe mode", s.PipelineResult.Tool, risk)
		out.FailureTaxonomy = string(contracts.ErrSafeModeRestricted)
	}
	return out
}

// ApprovalsAreResolved: every approval:requested event has a matching
// approval:resolved within the TTL.
func ApprovalsAreResolved(_ context.Context, s State) contracts.CheckOutcome {
	out := contracts.CheckOutcome{
		Name:     "approvals-are-resolved",
		Status:   contracts.CheckPassed,
		Severity: contracts.SeverityCritical,
	}
	ttl := s.ApprovalTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	resolved := make(map[string]time.Time)
	var latest time.Time
	for _, ev := range s.Events {
		if ev.Timestamp.After(latest) {
			latest = ev.Timestamp
		}
		if ev.Type == contracts.EventApprovalResolved {
			resolved[ev.RequestID] = ev.Timestamp
		}
	}
	for _, ev := range s.Events {
		if ev.Type != contracts.EventApprovalRequested {
			continue
		}
		at, ok := resolved[ev.RequestID]
		if !ok {
			// Unresolved is only a violation once the TTL has lapsed.
			if latest.Sub(ev.Timestamp) > ttl {
				out.Status = contracts.CheckFailed
				out.Detail = fmt.Sprintf("approval for request %s unresolved past TTL", ev.RequestID)
			}
			continue
		}
		if at.Sub(ev.Timestamp) > ttl {
			out.Status = contracts.CheckFailed
			out.Detail = fmt.Sprintf("approval for request %s resolved after TTL", ev.RequestID)
		}
	}
	return out
}

// FailuresPrecedeExitFromExecuting: a run that did not succeed must have
// recorded a failed event before any state transition out of executing.
func FailuresPrecedeExitFromExecuting(_ context.Context, s State) contracts.CheckOutcome {
	out := contracts.CheckOutcome{
		Name:     "failures-precede-executing-exit",
		Status:   contracts.CheckPassed,
		Severity: contracts.SeverityWarning,
	}
	if s.ExecutionSucceeded || s.PipelineResult == nil {
		return out
	}
	if s.PipelineResult.Execution == nil || !s.PipelineResult.Execution.Ran || s.PipelineResult.Execution.Error == "" {
		return out
	}
	for _, ev := range s.Events {
		if ev.RequestID == s.PipelineResult.RequestID && ev.Type == contracts.EventFailed {
			return out
		}
	}
	out.Status = contracts.CheckFailed
	out.Detail = fmt.Sprintf("request %s failed execution without a failed event", s.PipelineResult.RequestID)
	return out
}
