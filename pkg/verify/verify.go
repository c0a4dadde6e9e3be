// Package verify runs registered post-condition checks after a tool executes
// and rolls the outcomes up into a single verification summary.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// Subject is what a check inspects: the executed call plus its result.
type Subject struct {
	Tool      string
	RequestID string
	Params    map[string]any
	Result    any
}

// CheckFunc is one post-condition. Panics are caught and reported as a
// critical failure rather than taking down the pipeline.
type CheckFunc func(ctx context.Context, s Subject) contracts.CheckOutcome

// Verifier maps tool names to their post-condition checks.
type Verifier struct {
	mu     sync.RWMutex
	checks map[string][]CheckFunc
	logger *slog.Logger
}

// New creates an empty verifier.
func New() *Verifier {
	return &Verifier{
		checks: make(map[string][]CheckFunc),
		logger: slog.Default().With("component", "verifier"),
	}
}

// Register appends checks for a tool.
func (v *Verifier) Register(tool string, checks ...CheckFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checks[tool] = append(v.checks[tool], checks...)
}

// Has reports whether any check is registered for a tool.
func (v *Verifier) Has(tool string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.checks[tool]) > 0
}

// Verify runs every check registered for the subject's tool. A tool with no
// checks passes vacuously.
func (v *Verifier) Verify(ctx context.Context, s Subject) *contracts.VerificationSummary {
	v.mu.RLock()
	checks := v.checks[s.Tool]
	v.mu.RUnlock()

	summary := &contracts.VerificationSummary{Status: contracts.CheckPassed}
	for i, check := range checks {
		outcome := v.run(ctx, i, check, s)
		summary.Checks = append(summary.Checks, outcome)
		if outcome.Critical() {
			summary.HasCriticalFailure = true
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
	return summary
}

func (v *Verifier) run(ctx context.Context, idx int, check CheckFunc, s Subject) (outcome contracts.CheckOutcome) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.ErrorContext(ctx, "post-condition check panicked",
				"tool", s.Tool, "request_id", s.RequestID, "panic", r)
			outcome = contracts.CheckOutcome{
				Name:            fmt.Sprintf("%s[%d]", s.Tool, idx),
				Status:          contracts.CheckFailed,
				Severity:        contracts.SeverityCritical,
				Detail:          fmt.Sprintf("check panicked: %v", r),
				FailureTaxonomy: string(contracts.ErrCriticalVerificationFailure),
			}
		}
	}()
	return check(ctx, s)
}
