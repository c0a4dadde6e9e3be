// Package pipeline drives a proposed tool call through validation, approval,
// execution, verification, invariants, compensation and audit. Every stage
// appends an event to the chain; errors never cross the boundary as Go
// errors — they come back folded into the result.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillerworks/tiller/pkg/approval"
	"github.com/tillerworks/tiller/pkg/bus"
	"github.com/tillerworks/tiller/pkg/compensation"
	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/eventstore"
	"github.com/tillerworks/tiller/pkg/invariant"
	"github.com/tillerworks/tiller/pkg/limiter"
	"github.com/tillerworks/tiller/pkg/observability"
	"github.com/tillerworks/tiller/pkg/schema"
	"github.com/tillerworks/tiller/pkg/statemachine"
	"github.com/tillerworks/tiller/pkg/verify"
)

// DefaultToolTimeout caps a handler run when the contract declares none.
const DefaultToolTimeout = 30 * time.Second

// Handler executes one tool. It receives the schema-validated parameters.
type Handler func(ctx context.Context, params map[string]any, requestID string) (any, error)

// SourceScorer reports the running reliability estimate for a call source.
// *trust.Scorer satisfies it.
type SourceScorer interface {
	SourceReliability(sourceID, sourceType string) float64
}

// Config tunes pipeline routing.
type Config struct {
	MaxConcurrent       int
	AutoApproveReadOnly bool
	AutoApproveSources  []contracts.CallSource
}

// DefaultConfig returns the standard single-flight configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       1,
		AutoApproveReadOnly: true,
		AutoApproveSources:  []contracts.CallSource{contracts.SourceSystem},
	}
}

// Pipeline is the kernel orchestrator.
type Pipeline struct {
	config    Config
	registry  *schema.Registry
	validator *schema.Validator
	events    *eventstore.Store
	machine   *statemachine.Machine
	gate      *approval.Gate
	verifier  *verify.Verifier
	checker   *invariant.Checker
	comp      *compensation.Registry
	incidents *compensation.IncidentManager
	limits    limiter.Store
	trust     SourceScorer

	mu       sync.RWMutex
	handlers map[string]Handler

	sem     chan struct{}
	bus     bus.Bus
	metrics observability.Metrics
	clock   contracts.Clock
	logger  *slog.Logger
}

// Deps carries the collaborating components.
type Deps struct {
	Registry  *schema.Registry
	Events    *eventstore.Store
	Machine   *statemachine.Machine
	Gate      *approval.Gate
	Verifier  *verify.Verifier
	Checker   *invariant.Checker
	Comp      *compensation.Registry
	Incidents *compensation.IncidentManager
	Limits    limiter.Store
	Trust     SourceScorer
	Bus       bus.Bus
	Metrics   observability.Metrics
	Clock     contracts.Clock
}

// New wires a pipeline. Nil optional deps fall back to no-ops.
func New(config Config, deps Deps) *Pipeline {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if deps.Registry == nil {
		deps.Registry = schema.NewRegistry()
	}
	if deps.Events == nil {
		deps.Events = eventstore.New(1024)
	}
	if deps.Machine == nil {
		deps.Machine = statemachine.New()
	}
	if deps.Gate == nil {
		deps.Gate = approval.New()
	}
	if deps.Verifier == nil {
		deps.Verifier = verify.New()
	}
	p := &Pipeline{
		config:    config,
		registry:  deps.Registry,
		validator: schema.NewValidator(deps.Registry),
		events:    deps.Events,
		machine:   deps.Machine,
		gate:      deps.Gate,
		verifier:  deps.Verifier,
		checker:   deps.Checker,
		comp:      deps.Comp,
		incidents: deps.Incidents,
		limits:    deps.Limits,
		trust:     deps.Trust,
		handlers:  make(map[string]Handler),
		sem:       make(chan struct{}, config.MaxConcurrent),
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		logger:    slog.Default().With("component", "pipeline"),
	}
	if p.bus == nil {
		p.bus = bus.Nop{}
	}
	if p.metrics == nil {
		p.metrics = observability.NopMetrics{}
	}
	if p.clock == nil {
		p.clock = contracts.WallClock{}
	}
	return p
}

// RegisterHandler binds a tool name to its action handler.
func (p *Pipeline) RegisterHandler(tool string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[tool] = h
}

func (p *Pipeline) handler(tool string) Handler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[tool]
}

// Execute runs one call through all stages. Admission is FIFO: when
// MaxConcurrent runs are in flight, additional calls queue on the semaphore.
func (p *Pipeline) Execute(ctx context.Context, call *contracts.ProposedToolCall) *contracts.PipelineResult {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return &contracts.PipelineResult{
			Success:   false,
			RequestID: call.RequestID,
			Tool:      call.Tool,
			Error: &contracts.KernelError{
				Kind:    contracts.ErrExecution,
				Message: "cancelled while queued for admission",
			},
			StartedAt:  p.clock.Now().UTC(),
			FinishedAt: p.clock.Now().UTC(),
		}
	}
	defer func() { <-p.sem }()
	return p.run(ctx, call)
}

// run is one admitted pipeline execution.
func (p *Pipeline) run(ctx context.Context, call *contracts.ProposedToolCall) *contracts.PipelineResult {
	// The proposal stays immutable to the caller: stages and handlers work
	// on a defensive copy of the params.
	call = &contracts.ProposedToolCall{
		Tool:      call.Tool,
		Params:    call.CloneParams(),
		Source:    call.Source,
		RequestID: call.RequestID,
	}
	requestID := call.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	correlationID := uuid.NewString()

	res := &contracts.PipelineResult{
		RequestID:     requestID,
		CorrelationID: correlationID,
		Tool:          call.Tool,
		StartedAt:     p.clock.Now().UTC(),
	}
	r := &runCtx{pipeline: p, call: call, requestID: requestID, correlationID: correlationID, res: res}

	p.bus.Emit(ctx, bus.TopicPipelineStarted, map[string]any{
		"request_id":     requestID,
		"correlation_id": correlationID,
		"tool":           call.Tool,
	})
	r.append(contracts.EventProposed, map[string]any{
		"tool":   call.Tool,
		"source": string(call.Source),
	})

	p.stages(ctx, r)

	res.FinishedAt = p.clock.Now().UTC()
	p.bus.Emit(ctx, bus.TopicPipelineCompleted, map[string]any{
		"request_id":     requestID,
		"correlation_id": correlationID,
		"tool":           call.Tool,
		"success":        res.Success,
	})
	return res
}

// stages runs validation through audit, returning at the first terminal
// failure. Each stage duration is recorded.
func (p *Pipeline) stages(ctx context.Context, r *runCtx) {
	if !p.stageValidate(ctx, r) {
		return
	}
	if !p.stageTrust(ctx, r) {
		return
	}
	if !p.stageSafeMode(ctx, r) {
		return
	}
	if !p.stageRateLimit(ctx, r) {
		return
	}
	if !p.stageApproval(ctx, r) {
		return
	}
	if !p.stageExecute(ctx, r) {
		return
	}
	if !p.stageVerify(ctx, r) {
		return
	}
	if !p.stageInvariants(ctx, r) {
		return
	}
	p.stageAudit(ctx, r)
}

// runCtx threads the correlation id and the O(1) event count through one run.
type runCtx struct {
	pipeline      *Pipeline
	call          *contracts.ProposedToolCall
	requestID     string
	correlationID string
	res           *contracts.PipelineResult
	eventCount    int
	contract      *contracts.ToolContract
}

// append writes one chain event for this run, incrementing the local count
// instead of re-scanning the store.
func (r *runCtx) append(typ contracts.EventType, payload map[string]any) {
	if _, err := r.pipeline.events.Append(r.requestID, typ, payload, r.correlationID); err != nil {
		r.pipeline.logger.Error("event append failed", "type", string(typ), "error", err)
		return
	}
	r.eventCount++
}

func (p *Pipeline) stageValidate(ctx context.Context, r *runCtx) bool {
	done := p.stageTimer(ctx, "validate")
	defer done()

	vs := p.validator.Validate(r.call)
	r.res.Validation = vs
	r.contract = p.registry.Get(r.call.Tool)
	r.append(contracts.EventValidated, map[string]any{
		"valid":      vs.Valid,
		"risk_class": string(vs.RiskClass),
		"errors":     len(vs.Errors),
	})
	if !vs.Valid {
		var parts []string
		for _, fe := range vs.Errors {
			parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
		}
		p.fail(ctx, r, contracts.ErrValidation, strings.Join(parts, "; "), vs.Errors)
		return false
	}
	return true
}

// stageTrust enforces the contract's minimum source trust before any side
// effect can occur. Without a scorer wired the stage is a no-op.
func (p *Pipeline) stageTrust(ctx context.Context, r *runCtx) bool {
	if p.trust == nil || r.contract == nil || r.contract.MinTrustScore <= 0 {
		return true
	}
	score := p.trust.SourceReliability(string(r.call.Source), string(r.call.Source))
	if score >= r.contract.MinTrustScore {
		return true
	}
	p.fail(ctx, r, contracts.ErrTrustRejected,
		fmt.Sprintf("source %s reliability %.2f below tool minimum %.2f",
			r.call.Source, score, r.contract.MinTrustScore), nil)
	return false
}

func (p *Pipeline) stageSafeMode(ctx context.Context, r *runCtx) bool {
	if p.machine.Current() != statemachine.StateSafeMode {
		return true
	}
	if r.res.Validation.RiskClass == contracts.RiskReadOnly {
		return true
	}
	p.bus.Emit(ctx, bus.TopicSafeModeToolBlocked, map[string]any{
		"request_id": r.requestID,
		"tool":       r.call.Tool,
		"risk_class": string(r.res.Validation.RiskClass),
	})
	p.fail(ctx, r, contracts.ErrSafeModeRestricted,
		fmt.Sprintf("tool %s blocked: kernel in safe mode", r.call.Tool), nil)
	return false
}

func (p *Pipeline) stageRateLimit(ctx context.Context, r *runCtx) bool {
	if r.contract == nil || r.contract.RateLimit == nil {
		return true
	}
	if err := limiter.Check(ctx, p.limits, r.call.Tool, r.contract.RateLimit); err != nil {
		p.fail(ctx, r, contracts.ErrRateLimited, err.Error(), nil)
		return false
	}
	return true
}

func (p *Pipeline) stageApproval(ctx context.Context, r *runCtx) bool {
	done := p.stageTimer(ctx, "approval")
	defer done()

	required := r.res.Validation.RequiresApproval
	if required && p.config.AutoApproveReadOnly && r.res.Validation.RiskClass == contracts.RiskReadOnly {
		required = false
	}
	if required {
		for _, src := range p.config.AutoApproveSources {
			if r.call.Source == src {
				required = false
				break
			}
		}
	}
	r.res.Approval = &contracts.ApprovalSummary{Required: required}
	if !required {
		return true
	}

	p.machine.Transition(statemachine.TriggerApprovalRequired)
	r.append(contracts.EventApprovalRequested, map[string]any{
		"tool":       r.call.Tool,
		"risk_class": string(r.res.Validation.RiskClass),
	})

	result, err := p.gate.RequestApproval(ctx, r.call, r.res.Validation.RiskClass)
	if err != nil {
		// Context cancelled while suspended; the gate already expired the
		// request.
		result = contracts.ApprovalResult{Decision: contracts.DecisionExpired}
	}
	r.res.Approval.RequestID = result.ID
	r.res.Approval.Decision = result.Decision
	r.res.Approval.DecidedBy = result.DecidedBy
	r.append(contracts.EventApprovalResolved, map[string]any{
		"decision":   string(result.Decision),
		"decided_by": result.DecidedBy,
	})

	switch result.Decision {
	case contracts.DecisionApproved:
		p.machine.Transition(statemachine.TriggerApprovalGranted)
		return true
	case contracts.DecisionDenied:
		p.machine.Transition(statemachine.TriggerApprovalDenied)
		p.fail(ctx, r, contracts.ErrApprovalDenied,
			fmt.Sprintf("approval denied by %s", result.DecidedBy), nil)
		return false
	default:
		p.machine.Transition(statemachine.TriggerApprovalExpired)
		p.fail(ctx, r, contracts.ErrApprovalExpired, "approval request expired", nil)
		return false
	}
}

func (p *Pipeline) stageExecute(ctx context.Context, r *runCtx) bool {
	done := p.stageTimer(ctx, "execute")
	defer done()

	// Approval-granted runs are already executing; direct runs enter here.
	// Read-only runs admitted under safe mode stay in safe_mode throughout.
	if cur := p.machine.Current(); cur != statemachine.StateExecuting && cur != statemachine.StateSafeMode {
		if t := p.machine.Transition(statemachine.TriggerToolValidated); !t.Accepted {
			p.fail(ctx, r, contracts.ErrStateMachineRejection, t.Reason, nil)
			return false
		}
	}
	r.append(contracts.EventExecuting, nil)

	// A reversible tool with no registered reverse action must not run.
	if r.res.Validation.RiskClass == contracts.RiskReversible && (p.comp == nil || !p.comp.Has(r.call.Tool)) {
		r.res.Execution = &contracts.ExecutionSummary{Ran: false, Error: "no compensation registered"}
		r.append(contracts.EventFailed, map[string]any{"kind": string(contracts.ErrExecution)})
		p.machine.Transition(statemachine.TriggerFatalError)
		p.machine.Transition(statemachine.TriggerRecover)
		p.finishFailure(ctx, r, contracts.ErrExecution,
			fmt.Sprintf("reversible tool %s has no registered compensation", r.call.Tool), nil)
		return false
	}

	handler := p.handler(r.call.Tool)
	if handler == nil {
		r.res.Execution = &contracts.ExecutionSummary{Ran: false, Error: "no handler registered"}
		r.append(contracts.EventFailed, map[string]any{"kind": string(contracts.ErrExecution)})
		p.machine.Transition(statemachine.TriggerFatalError)
		p.machine.Transition(statemachine.TriggerRecover)
		p.finishFailure(ctx, r, contracts.ErrExecution,
			fmt.Sprintf("no handler registered for %s", r.call.Tool), nil)
		return false
	}

	timeout := DefaultToolTimeout
	if r.contract != nil && r.contract.MaxDurationMs > 0 {
		timeout = time.Duration(r.contract.MaxDurationMs) * time.Millisecond
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := p.invoke(hctx, handler, r)
	elapsed := time.Since(started)

	r.res.Execution = &contracts.ExecutionSummary{
		Ran:        true,
		DurationMs: elapsed.Milliseconds(),
		Result:     result,
	}
	if err != nil {
		r.res.Execution.Error = err.Error()
		r.append(contracts.EventFailed, map[string]any{
			"kind":  string(contracts.ErrExecution),
			"error": err.Error(),
		})
		p.machine.Transition(statemachine.TriggerFatalError)
		p.machine.Transition(statemachine.TriggerRecover)
		p.finishFailure(ctx, r, contracts.ErrExecution, err.Error(), nil)
		return false
	}

	r.append(contracts.EventExecuted, map[string]any{"duration_ms": elapsed.Milliseconds()})
	p.machine.Transition(statemachine.TriggerExecutionComplete)
	return true
}

// invoke runs the handler with panic containment.
func (p *Pipeline) invoke(ctx context.Context, handler Handler, r *runCtx) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.ErrorContext(ctx, "handler panicked", "tool", r.call.Tool, "panic", rec)
			result, err = nil, fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return handler(ctx, r.res.Validation.ValidatedParams, r.requestID)
}

func (p *Pipeline) stageVerify(ctx context.Context, r *runCtx) bool {
	done := p.stageTimer(ctx, "verify")
	defer done()

	summary := p.verifier.Verify(ctx, verify.Subject{
		Tool:      r.call.Tool,
		RequestID: r.requestID,
		Params:    r.res.Validation.ValidatedParams,
		Result:    r.res.Execution.Result,
	})
	r.res.Verification = summary
	r.append(contracts.EventVerified, map[string]any{
		"status":               string(summary.Status),
		"has_critical_failure": summary.HasCriticalFailure,
	})
	p.bus.Emit(ctx, bus.TopicPostconditionChecked, map[string]any{
		"request_id": r.requestID,
		"tool":       r.call.Tool,
		"status":     string(summary.Status),
	})

	if !summary.HasCriticalFailure {
		p.machine.Transition(statemachine.TriggerVerificationPassed)
		return true
	}

	r.append(contracts.EventFailed, map[string]any{
		"kind": string(contracts.ErrCriticalVerificationFailure),
	})
	p.compensateAndRecover(ctx, r, "critical post-condition failure")
	p.runInvariants(ctx, r, false)
	p.finishFailure(ctx, r, contracts.ErrCriticalVerificationFailure,
		fmt.Sprintf("tool %s failed critical post-conditions", r.call.Tool), nil)
	return false
}

func (p *Pipeline) stageInvariants(ctx context.Context, r *runCtx) bool {
	done := p.stageTimer(ctx, "invariants")
	defer done()

	summary := p.runInvariants(ctx, r, true)
	if summary == nil || !summary.HasCriticalViolation {
		return true
	}

	r.append(contracts.EventFailed, map[string]any{
		"kind": string(contracts.ErrCriticalInvariantViolation),
	})
	p.compensateAndRecover(ctx, r, "critical invariant violation")
	p.finishFailure(ctx, r, contracts.ErrCriticalInvariantViolation,
		"post-execution invariant check failed", nil)
	return false
}

// runInvariants snapshots the run and executes the registered checks.
func (p *Pipeline) runInvariants(ctx context.Context, r *runCtx, succeeded bool) *contracts.InvariantSummary {
	if p.checker == nil {
		return nil
	}
	var contractInvariants []string
	if r.contract != nil {
		contractInvariants = r.contract.Invariants
	}
	summary := p.checker.Check(ctx, invariant.State{
		CurrentState:         p.machine.Current(),
		PendingApprovalCount: p.gate.PendingCount(),
		EventCount:           r.eventCount,
		ExecutionSucceeded:   succeeded,
		PipelineResult:       r.res,
		Events:               eventsOf(p.events.GetByCorrelationID(r.correlationID)),
		ApprovalTTL:          p.gate.Timeout(),
		ContractInvariants:   contractInvariants,
	})
	r.res.Invariants = summary
	r.append(contracts.EventInvariantsChecked, map[string]any{
		"status":                 string(summary.Status),
		"has_critical_violation": summary.HasCriticalViolation,
	})
	return summary
}

// compensateAndRecover runs the compensation path after a critical failure
// and returns the state machine to idle.
func (p *Pipeline) compensateAndRecover(ctx context.Context, r *runCtx, reason string) {
	comp := &contracts.CompensationSummary{}
	if p.comp != nil && p.comp.Has(r.call.Tool) {
		outcome := p.comp.Compensate(ctx, compensation.Request{
			ToolName:  r.call.Tool,
			Params:    r.res.Validation.ValidatedParams,
			Result:    r.res.Execution.Result,
			RequestID: r.requestID,
		})
		comp.Attempted = true
		comp.Success = outcome.Success
		comp.Detail = outcome.Detail
		r.append(contracts.EventCompensated, map[string]any{
			"success": outcome.Success,
			"detail":  outcome.Detail,
		})
		p.bus.Emit(ctx, bus.TopicCompensationAttempt, map[string]any{
			"request_id": r.requestID,
			"tool":       r.call.Tool,
			"success":    outcome.Success,
		})
	}
	r.res.Compensation = comp

	if r.res.Validation.RiskClass == contracts.RiskReversible && (!comp.Attempted || !comp.Success) {
		if p.incidents != nil {
			incident := p.incidents.Open(ctx, compensation.OpenParams{
				RequestID:             r.requestID,
				ToolName:              r.call.Tool,
				CorrelationID:         r.correlationID,
				Reason:                reason,
				CompensationAttempted: comp.Attempted,
				CompensationSuccess:   comp.Success,
			})
			r.res.Incident = incident
			r.append(contracts.EventCompensationIncidentOpened, map[string]any{
				"incident_id": incident.ID,
				"reason":      reason,
			})
		}
	}

	if p.machine.Current() == statemachine.StateVerifying {
		p.machine.Transition(statemachine.TriggerVerificationFailed)
	} else {
		p.machine.Transition(statemachine.TriggerFatalError)
	}
	p.machine.Transition(statemachine.TriggerRecover)
}

// stageAudit closes out a successful run.
func (p *Pipeline) stageAudit(ctx context.Context, r *runCtx) {
	done := p.stageTimer(ctx, "audit")
	defer done()

	p.machine.Transition(statemachine.TriggerMemoryWritten)
	p.logDecision(ctx, r, nil)
	p.machine.Transition(statemachine.TriggerAuditComplete)
	r.res.Success = true
}

// fail terminates a run that never reached execution.
func (p *Pipeline) fail(ctx context.Context, r *runCtx, kind contracts.ErrorKind, msg string, fields []contracts.FieldError) {
	if kind != contracts.ErrValidation {
		// Validation already appended its own terminal event shape.
		r.append(contracts.EventFailed, map[string]any{"kind": string(kind)})
	} else {
		r.append(contracts.EventFailed, map[string]any{"kind": string(kind), "errors": len(fields)})
	}
	p.finishFailure(ctx, r, kind, msg, fields)
}

// finishFailure records the error and the decision without appending another
// failed event.
func (p *Pipeline) finishFailure(ctx context.Context, r *runCtx, kind contracts.ErrorKind, msg string, fields []contracts.FieldError) {
	r.res.Success = false
	r.res.Error = &contracts.KernelError{Kind: kind, Message: msg, Fields: fields}
	p.logDecision(ctx, r, r.res.Error)
}

// logDecision appends the decision:logged summary event and publishes it.
func (p *Pipeline) logDecision(ctx context.Context, r *runCtx, kernelErr *contracts.KernelError) {
	payload := map[string]any{
		"tool":    r.call.Tool,
		"success": kernelErr == nil,
	}
	if r.res.Validation != nil {
		payload["valid"] = r.res.Validation.Valid
	}
	if r.res.Approval != nil {
		payload["approval_required"] = r.res.Approval.Required
		if r.res.Approval.Decision != "" {
			payload["approval_decision"] = string(r.res.Approval.Decision)
		}
	}
	if r.res.Verification != nil {
		payload["verification_status"] = string(r.res.Verification.Status)
	}
	if r.res.Invariants != nil {
		payload["invariant_status"] = string(r.res.Invariants.Status)
	}
	if kernelErr != nil {
		payload["error_kind"] = string(kernelErr.Kind)
	}
	r.append(contracts.EventDecisionLogged, payload)
	p.bus.Emit(ctx, bus.TopicDecisionLogged, map[string]any{
		"request_id":     r.requestID,
		"correlation_id": r.correlationID,
		"tool":           r.call.Tool,
		"success":        kernelErr == nil,
	})
}

func (p *Pipeline) stageTimer(ctx context.Context, stage string) func() {
	started := time.Now()
	return func() {
		p.metrics.StageDuration(ctx, stage, time.Since(started))
	}
}

func eventsOf(events []*contracts.ExecutionEvent) []contracts.ExecutionEvent {
	out := make([]contracts.ExecutionEvent, len(events))
	for i, ev := range events {
		out[i] = *ev
	}
	return out
}
