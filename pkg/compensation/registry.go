// Package compensation undoes the effects of failed reversible tools and
// tracks incidents when it cannot.
package compensation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Request describes the executed call being compensated.
type Request struct {
	ToolName  string
	Params    map[string]any
	Result    any
	RequestID string
}

// Outcome reports one compensation attempt.
type Outcome struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// Func undoes one tool's effects. Returning an error marks the attempt
// failed; the registry never propagates it.
type Func func(ctx context.Context, req Request) error

// Registry maps tool names to compensation functions. Compensate never
// panics and never returns a Go error: failures come back in the Outcome for
// the pipeline to surface.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs:  make(map[string]Func),
		logger: slog.Default().With("component", "compensation"),
	}
}

// Register sets the compensation function for a tool.
func (r *Registry) Register(tool string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[tool] = fn
}

// Has reports whether a compensation function exists for a tool.
func (r *Registry) Has(tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[tool]
	return ok
}

// Compensate runs the tool's compensation function, absorbing panics.
func (r *Registry) Compensate(ctx context.Context, req Request) (out Outcome) {
	r.mu.RLock()
	fn, ok := r.funcs[req.ToolName]
	r.mu.RUnlock()

	if !ok {
		return Outcome{Success: false, Detail: fmt.Sprintf("no compensation registered for %s", req.ToolName)}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "compensation panicked",
				"tool", req.ToolName, "request_id", req.RequestID, "panic", rec)
			out = Outcome{Success: false, Detail: fmt.Sprintf("compensation panicked: %v", rec)}
		}
	}()

	if err := fn(ctx, req); err != nil {
		return Outcome{Success: false, Detail: err.Error()}
	}
	return Outcome{Success: true}
}
