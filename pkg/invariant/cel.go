package invariant

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// CELEvaluator compiles boolean CEL predicates over the invariant snapshot
// and caches the compiled programs.
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewCELEvaluator creates an evaluator exposing the snapshot fields as CEL
// variables.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("current_state", cel.StringType),
		cel.Variable("pending_approval_count", cel.IntType),
		cel.Variable("event_count", cel.IntType),
		cel.Variable("execution_succeeded", cel.BoolType),
		cel.Variable("result", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Check wraps a CEL predicate as an invariant. The predicate must evaluate
// to true for the invariant to hold.
func (e *CELEvaluator) Check(name, expr string, severity contracts.CheckSeverity) CheckFunc {
	return func(_ context.Context, s State) contracts.CheckOutcome {
		out := contracts.CheckOutcome{Name: name, Status: contracts.CheckPassed, Severity: severity}

		holds, err := e.evaluate(expr, celInput(s))
		if err != nil {
			out.Status = contracts.CheckFailed
			out.Detail = fmt.Sprintf("predicate error: %v", err)
			return out
		}
		if !holds {
			out.Status = contracts.CheckFailed
			out.Detail = fmt.Sprintf("predicate %q does not hold", expr)
		}
		return out
	}
}

func celInput(s State) map[string]any {
	var result map[string]any
	if s.PipelineResult != nil {
		result = map[string]any{
			"success":    s.PipelineResult.Success,
			"tool":       s.PipelineResult.Tool,
			"request_id": s.PipelineResult.RequestID,
		}
	}
	return map[string]any{
		"current_state":          string(s.CurrentState),
		"pending_approval_count": s.PendingApprovalCount,
		"event_count":            s.EventCount,
		"execution_succeeded":    s.ExecutionSucceeded,
		"result":                 result,
	}
}

// Compile validates an expression eagerly and warms the program cache, so a
// bad predicate fails at registration rather than on the first run.
func (e *CELEvaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *CELEvaluator) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
