// Package bus provides the kernel's event bus: a thin emit(topic, payload)
// surface for external observers. The kernel only ever publishes; consumption
// is wiring done at init.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

// Kernel-produced topics.
const (
	TopicPipelineStarted      = "autonomy:pipeline:started"
	TopicPipelineCompleted    = "autonomy:pipeline:completed"
	TopicApprovalRequested    = "autonomy:approval:requested"
	TopicApprovalResolved     = "autonomy:approval:resolved"
	TopicPostconditionChecked = "autonomy:tool:postcondition:checked"
	TopicInvariantsChecked    = "autonomy:invariants:checked"
	TopicCompensationAttempt  = "autonomy:compensation:attempted"
	TopicIncidentOpened       = "autonomy:compensation:incident:opened"
	TopicSafeModeToolBlocked  = "autonomy:safe-mode:tool-blocked"
	TopicDecisionLogged       = "autonomy:decision:logged"
	TopicTrustOverride        = "autonomy:retrieval:trust-override"
	TopicRankGuardrail        = "autonomy:retrieval:rank-guardrail"
	TopicMemoryGateDecision   = "memory-gate:decision"
)

// Bus is the emit-only adapter the kernel publishes to.
type Bus interface {
	Emit(ctx context.Context, topic string, payload map[string]any)
}

// HandlerFunc consumes emitted events.
type HandlerFunc func(topic string, payload map[string]any)

// InProc is a synchronous in-process dispatcher. Subscribe with a concrete
// topic or "*" for everything.
type InProc struct {
	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	logger   *slog.Logger
}

// NewInProc creates an in-process bus.
func NewInProc() *InProc {
	return &InProc{
		handlers: make(map[string][]HandlerFunc),
		logger:   slog.Default().With("component", "bus"),
	}
}

// Subscribe registers a handler for a topic ("*" matches all topics).
func (b *InProc) Subscribe(topic string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Emit dispatches synchronously to all matching handlers. A panicking
// handler is isolated so one bad observer cannot take down a pipeline run.
func (b *InProc) Emit(ctx context.Context, topic string, payload map[string]any) {
	b.mu.RLock()
	matched := make([]HandlerFunc, 0, len(b.handlers[topic])+len(b.handlers["*"]))
	matched = append(matched, b.handlers[topic]...)
	matched = append(matched, b.handlers["*"]...)
	b.mu.RUnlock()

	for _, h := range matched {
		b.dispatch(ctx, h, topic, payload)
	}
}

func (b *InProc) dispatch(ctx context.Context, h HandlerFunc, topic string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WarnContext(ctx, "bus handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(topic, payload)
}

// Nop discards everything; useful default when no observer is wired.
type Nop struct{}

func (Nop) Emit(ctx context.Context, topic string, payload map[string]any) {}
