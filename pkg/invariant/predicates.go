package invariant

import (
	"context"
	"fmt"
	"sync"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// Predicate is a named CEL invariant that tool contracts reference by id.
type Predicate struct {
	ID       string                  `yaml:"id"`
	Expr     string                  `yaml:"expr"`
	Severity contracts.CheckSeverity `yaml:"severity"`
}

// PredicateSet resolves contract-declared invariant ids to runnable checks.
// Registrations happen at init; resolution is read-only afterwards.
type PredicateSet struct {
	eval *CELEvaluator
	mu   sync.RWMutex
	byID map[string]CheckFunc
}

// NewPredicateSet creates an empty set over the evaluator.
func NewPredicateSet(eval *CELEvaluator) *PredicateSet {
	return &PredicateSet{eval: eval, byID: make(map[string]CheckFunc)}
}

// Register compiles and stores one predicate. Severity defaults to critical:
// a contract that names an invariant expects it to gate the run.
func (s *PredicateSet) Register(p Predicate) error {
	if p.ID == "" {
		return fmt.Errorf("invariant: predicate id is required")
	}
	if p.Expr == "" {
		return fmt.Errorf("invariant: predicate %s has no expression", p.ID)
	}
	severity := p.Severity
	switch severity {
	case "":
		severity = contracts.SeverityCritical
	case contracts.SeverityInfo, contracts.SeverityWarning, contracts.SeverityCritical:
	default:
		return fmt.Errorf("invariant: predicate %s has unknown severity %q", p.ID, p.Severity)
	}
	if err := s.eval.Compile(p.Expr); err != nil {
		return fmt.Errorf("invariant: predicate %s: %w", p.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[p.ID] = s.eval.Check(p.ID, p.Expr, severity)
	return nil
}

// Has reports whether an id is registered.
func (s *PredicateSet) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Resolve maps ids to checks. An unknown id resolves to a failing check so a
// misdeclared contract surfaces in the invariant summary instead of being
// silently skipped.
func (s *PredicateSet) Resolve(ids []string) []CheckFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CheckFunc, 0, len(ids))
	for _, id := range ids {
		if check, ok := s.byID[id]; ok {
			out = append(out, check)
			continue
		}
		missing := id
		out = append(out, func(context.Context, State) contracts.CheckOutcome {
			return contracts.CheckOutcome{
				Name:     missing,
				Status:   contracts.CheckFailed,
				Severity: contracts.SeverityWarning,
				Detail:   fmt.Sprintf("no predicate registered for invariant id %q", missing),
			}
		})
	}
	return out
}
