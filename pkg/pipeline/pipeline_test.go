package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerworks/tiller/pkg/approval"
	"github.com/tillerworks/tiller/pkg/bus"
	"github.com/tillerworks/tiller/pkg/compensation"
	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/eventstore"
	"github.com/tillerworks/tiller/pkg/invariant"
	"github.com/tillerworks/tiller/pkg/limiter"
	"github.com/tillerworks/tiller/pkg/schema"
	"github.com/tillerworks/tiller/pkg/statemachine"
	"github.com/tillerworks/tiller/pkg/trust"
	"github.com/tillerworks/tiller/pkg/verify"
)

type harness struct {
	registry   *schema.Registry
	events     *eventstore.Store
	machine    *statemachine.Machine
	gate       *approval.Gate
	verifier   *verify.Verifier
	comp       *compensation.Registry
	incidents  *compensation.IncidentManager
	trust      *trust.Scorer
	predicates *invariant.PredicateSet
	bus        *recordingBus
	pipe       *Pipeline
}

type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Emit(_ context.Context, topic string, _ map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
}

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	eval, err := invariant.NewCELEvaluator()
	require.NoError(t, err)
	h := &harness{
		registry:   schema.NewRegistry(),
		events:     eventstore.New(256),
		machine:    statemachine.New(),
		gate:       approval.New(),
		verifier:   verify.New(),
		comp:       compensation.NewRegistry(),
		incidents:  compensation.NewIncidentManager(),
		trust:      trust.NewScorer(),
		predicates: invariant.NewPredicateSet(eval),
		bus:        &recordingBus{},
	}
	h.pipe = New(config, Deps{
		Registry:  h.registry,
		Events:    h.events,
		Machine:   h.machine,
		Gate:      h.gate,
		Verifier:  h.verifier,
		Checker:   invariant.New().WithPredicates(h.predicates),
		Comp:      h.comp,
		Incidents: h.incidents,
		Limits:    limiter.NewInMemory(),
		Trust:     h.trust,
		Bus:       h.bus,
	})
	return h
}

func (h *harness) register(t *testing.T, contract *contracts.ToolContract) {
	t.Helper()
	require.NoError(t, h.registry.Register(contract))
}

func (h *harness) eventTypes(correlationID string) []contracts.EventType {
	var types []contracts.EventType
	for _, ev := range h.events.GetByCorrelationID(correlationID) {
		types = append(types, ev.Type)
	}
	return types
}

func playEmote() *contracts.ToolContract {
	return &contracts.ToolContract{
		Name:      "PLAY_EMOTE",
		Version:   "1.0.0",
		RiskClass: contracts.RiskReadOnly,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"emote": {"type": "string"}},
			"required": ["emote"],
			"additionalProperties": false
		}`),
	}
}

func runInTerminal() *contracts.ToolContract {
	return &contracts.ToolContract{
		Name:             "RUN_IN_TERMINAL",
		Version:          "1.0.0",
		RiskClass:        contracts.RiskIrreversible,
		RequiresApproval: true,
	}
}

func transferFunds() *contracts.ToolContract {
	return &contracts.ToolContract{
		Name:      "TRANSFER_FUNDS",
		Version:   "1.0.0",
		RiskClass: contracts.RiskReversible,
	}
}

func criticalCheck(_ context.Context, _ verify.Subject) contracts.CheckOutcome {
	return contracts.CheckOutcome{
		Name:     "balance-restored",
		Status:   contracts.CheckFailed,
		Severity: contracts.SeverityCritical,
		Detail:   "balance mismatch after transfer",
	}
}

func TestPipeline_ReadOnlyAutopath(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, playEmote())
	h.pipe.RegisterHandler("PLAY_EMOTE", func(_ context.Context, params map[string]any, _ string) (any, error) {
		return map[string]any{"played": params["emote"]}, nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	})

	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, []contracts.EventType{
		contracts.EventProposed,
		contracts.EventValidated,
		contracts.EventExecuting,
		contracts.EventExecuted,
		contracts.EventVerified,
		contracts.EventInvariantsChecked,
		contracts.EventDecisionLogged,
	}, h.eventTypes(res.CorrelationID))
	assert.False(t, res.Approval.Required)
	assert.Empty(t, res.Approval.Decision)
	assert.Equal(t, statemachine.StateIdle, h.machine.Current())

	report := h.events.VerifyChain(h.events.GetByCorrelationID(res.CorrelationID))
	assert.True(t, report.Valid, report.Reason)
}

func TestPipeline_ApprovalDenial(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, runInTerminal())
	invoked := atomic.Bool{}
	h.pipe.RegisterHandler("RUN_IN_TERMINAL", func(context.Context, map[string]any, string) (any, error) {
		invoked.Store(true)
		return nil, nil
	})

	go func() {
		for {
			pending := h.gate.GetPending()
			if len(pending) > 0 {
				h.gate.Resolve(context.Background(), pending[0].ID, contracts.DecisionDenied, "alice")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "RUN_IN_TERMINAL",
		Params: map[string]any{"cmd": "rm"},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrApprovalDenied, res.Error.Kind)
	assert.Equal(t, contracts.DecisionDenied, res.Approval.Decision)
	assert.Equal(t, "alice", res.Approval.DecidedBy)
	assert.False(t, invoked.Load(), "handler must not run on denial")

	types := h.eventTypes(res.CorrelationID)
	assert.NotContains(t, types, contracts.EventExecuting)
	assert.NotContains(t, types, contracts.EventExecuted)
	assert.Equal(t, contracts.EventDecisionLogged, types[len(types)-1])
	assert.Equal(t, statemachine.StateIdle, h.machine.Current())
}

func TestPipeline_SchemaRejection(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	invoked := atomic.Bool{}
	h.pipe.RegisterHandler("NONEXISTENT_TOOL", func(context.Context, map[string]any, string) (any, error) {
		invoked.Store(true)
		return nil, nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "NONEXISTENT_TOOL",
		Params: map[string]any{},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrValidation, res.Error.Kind)
	assert.False(t, invoked.Load())

	types := h.eventTypes(res.CorrelationID)
	failures := 0
	for _, typ := range types {
		if typ == contracts.EventFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one failed event")
	assert.Equal(t, contracts.EventDecisionLogged, types[len(types)-1])
}

func TestPipeline_InvalidParamsReportAllFields(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, playEmote())

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": 42, "extra": true},
		Source: contracts.SourceUser,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrValidation, res.Error.Kind)
	assert.NotEmpty(t, res.Error.Fields)
}

func TestPipeline_CriticalVerificationWithCompensation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, transferFunds())
	h.pipe.RegisterHandler("TRANSFER_FUNDS", func(context.Context, map[string]any, string) (any, error) {
		return map[string]any{"transferred": true}, nil
	})
	h.verifier.Register("TRANSFER_FUNDS", criticalCheck)
	h.comp.Register("TRANSFER_FUNDS", func(context.Context, compensation.Request) error {
		return nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "TRANSFER_FUNDS",
		Params: map[string]any{"amount": 10},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrCriticalVerificationFailure, res.Error.Kind)
	require.NotNil(t, res.Compensation)
	assert.True(t, res.Compensation.Attempted)
	assert.True(t, res.Compensation.Success)
	assert.Nil(t, res.Incident, "successful compensation opens no incident")
	assert.Empty(t, h.incidents.List())

	types := h.eventTypes(res.CorrelationID)
	assert.Contains(t, types, contracts.EventVerified)
	assert.Contains(t, types, contracts.EventCompensated)
	assert.Contains(t, types, contracts.EventInvariantsChecked)
	assert.NotContains(t, types, contracts.EventCompensationIncidentOpened)
	assert.Equal(t, statemachine.StateIdle, h.machine.Current())
}

func TestPipeline_CompensationFailureOpensIncident(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, transferFunds())
	h.pipe.RegisterHandler("TRANSFER_FUNDS", func(context.Context, map[string]any, string) (any, error) {
		return nil, nil
	})
	h.verifier.Register("TRANSFER_FUNDS", criticalCheck)
	h.comp.Register("TRANSFER_FUNDS", func(context.Context, compensation.Request) error {
		return errors.New("reverse transfer bounced")
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "TRANSFER_FUNDS",
		Params: map[string]any{"amount": 10},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	require.NotNil(t, res.Incident)
	assert.NotEmpty(t, res.Incident.ID)
	assert.Equal(t, contracts.IncidentOpen, res.Incident.Status)
	assert.Contains(t, h.eventTypes(res.CorrelationID), contracts.EventCompensationIncidentOpened)
	assert.Equal(t, statemachine.StateIdle, h.machine.Current(), "kernel recovers to idle")
}

func TestPipeline_ApprovalTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.gate.WithTimeout(30 * time.Millisecond)
	h.register(t, runInTerminal())
	invoked := atomic.Bool{}
	h.pipe.RegisterHandler("RUN_IN_TERMINAL", func(context.Context, map[string]any, string) (any, error) {
		invoked.Store(true)
		return nil, nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "RUN_IN_TERMINAL",
		Params: map[string]any{"cmd": "ls"},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrApprovalExpired, res.Error.Kind)
	assert.Equal(t, contracts.DecisionExpired, res.Approval.Decision)
	assert.False(t, invoked.Load())
	assert.Equal(t, statemachine.StateIdle, h.machine.Current())
}

func TestPipeline_SafeModeBlocksSideEffects(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, transferFunds())
	h.comp.Register("TRANSFER_FUNDS", func(context.Context, compensation.Request) error { return nil })
	h.machine.Transition(statemachine.TriggerEnterSafeMode)

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "TRANSFER_FUNDS",
		Params: map[string]any{"amount": 1},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrSafeModeRestricted, res.Error.Kind)
	assert.Equal(t, 1, h.bus.count(bus.TopicSafeModeToolBlocked))
	assert.Equal(t, statemachine.StateSafeMode, h.machine.Current())
}

func TestPipeline_SafeModeAllowsReadOnly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, playEmote())
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		return "ok", nil
	})
	h.machine.Transition(statemachine.TriggerEnterSafeMode)

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "nod"},
		Source: contracts.SourceLLM,
	})

	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, statemachine.StateSafeMode, h.machine.Current(), "safe mode persists")
}

func TestPipeline_AutoApproveReadOnlySkipsGate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	contract := playEmote()
	contract.RequiresApproval = true
	h.register(t, contract)
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		return "ok", nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	})

	require.True(t, res.Success)
	assert.False(t, res.Approval.Required)
	assert.NotContains(t, h.eventTypes(res.CorrelationID), contracts.EventApprovalRequested)
}

func TestPipeline_AutoApproveSourceSkipsGate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, runInTerminal())
	h.pipe.RegisterHandler("RUN_IN_TERMINAL", func(context.Context, map[string]any, string) (any, error) {
		return "ok", nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "RUN_IN_TERMINAL",
		Params: map[string]any{"cmd": "ls"},
		Source: contracts.SourceSystem,
	})

	require.True(t, res.Success, "error: %v", res.Error)
	assert.False(t, res.Approval.Required)
}

func TestPipeline_RateLimited(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	contract := playEmote()
	contract.RateLimit = &contracts.RateLimit{Max: 1, WindowMs: 60_000}
	h.register(t, contract)
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		return "ok", nil
	})

	call := &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	}
	first := h.pipe.Execute(context.Background(), call)
	require.True(t, first.Success)

	second := h.pipe.Execute(context.Background(), call)
	require.False(t, second.Success)
	assert.Equal(t, contracts.ErrRateLimited, second.Error.Kind)
}

func TestPipeline_ExecutionErrorRecovers(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, playEmote())
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		return nil, errors.New("device offline")
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrExecution, res.Error.Kind)
	assert.Equal(t, "device offline", res.Execution.Error)
	assert.Equal(t, statemachine.StateIdle, h.machine.Current())

	types := h.eventTypes(res.CorrelationID)
	assert.Contains(t, types, contracts.EventFailed)
	assert.NotContains(t, types, contracts.EventExecuted)
}

func TestPipeline_HandlerPanicIsContained(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, playEmote())
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		panic("boom")
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrExecution, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "panicked")
}

func TestPipeline_ReversibleWithoutCompensationBlocked(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, transferFunds())
	invoked := atomic.Bool{}
	h.pipe.RegisterHandler("TRANSFER_FUNDS", func(context.Context, map[string]any, string) (any, error) {
		invoked.Store(true)
		return nil, nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "TRANSFER_FUNDS",
		Params: map[string]any{"amount": 5},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrExecution, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "no registered compensation")
	assert.False(t, invoked.Load())
}

func TestPipeline_SerializedAdmission(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, playEmote())

	var inFlight, maxInFlight atomic.Int32
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
				Tool:   "PLAY_EMOTE",
				Params: map[string]any{"emote": "wave"},
				Source: contracts.SourceLLM,
			})
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load(), "maxConcurrent=1 serializes handlers")
}

func TestPipeline_CancelledWhileQueued(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, playEmote())

	release := make(chan struct{})
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		<-release
		return "ok", nil
	})

	started := make(chan struct{})
	go func() {
		close(started)
		h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
			Tool:   "PLAY_EMOTE",
			Params: map[string]any{"emote": "wave"},
			Source: contracts.SourceLLM,
		})
	}()
	<-started
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.pipe.Execute(ctx, &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	})
	close(release)

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrExecution, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "queued")
}

func TestPipeline_EmitsLifecycleBusEvents(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, playEmote())
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		return "ok", nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	})

	require.True(t, res.Success)
	assert.Equal(t, 1, h.bus.count(bus.TopicPipelineStarted))
	assert.Equal(t, 1, h.bus.count(bus.TopicPipelineCompleted))
	assert.Equal(t, 1, h.bus.count(bus.TopicPostconditionChecked))
	assert.Equal(t, 1, h.bus.count(bus.TopicDecisionLogged))
}

func TestPipeline_MinTrustScoreBlocksUnreliableSource(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	contract := playEmote()
	contract.MinTrustScore = 0.9
	h.register(t, contract)
	invoked := atomic.Bool{}
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		invoked.Store(true)
		return "ok", nil
	})

	// An LLM source with no feedback history sits at the unknown-source
	// baseline, well below 0.9.
	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrTrustRejected, res.Error.Kind)
	assert.Contains(t, res.Error.Message, "below tool minimum")
	assert.False(t, invoked.Load(), "handler must not run for an untrusted source")

	types := h.eventTypes(res.CorrelationID)
	assert.NotContains(t, types, contracts.EventExecuting)
	assert.Equal(t, contracts.EventDecisionLogged, types[len(types)-1])
	assert.Equal(t, statemachine.StateIdle, h.machine.Current())
}

func TestPipeline_MinTrustScoreAdmitsSystemSource(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	contract := playEmote()
	contract.MinTrustScore = 0.9
	h.register(t, contract)
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		return "ok", nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceSystem,
	})

	require.True(t, res.Success, "error: %v", res.Error)
}

func TestPipeline_ContractInvariantRunsAfterExecution(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	require.NoError(t, h.predicates.Register(invariant.Predicate{
		ID:       "execution-recorded",
		Expr:     `execution_succeeded && result.tool == "PLAY_EMOTE"`,
		Severity: contracts.SeverityCritical,
	}))
	contract := playEmote()
	contract.Invariants = []string{"execution-recorded"}
	h.register(t, contract)
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		return "ok", nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	})

	require.True(t, res.Success, "error: %v", res.Error)
	require.NotNil(t, res.Invariants)
	found := false
	for _, check := range res.Invariants.Checks {
		if check.Name == "execution-recorded" {
			found = true
			assert.Equal(t, contracts.CheckPassed, check.Status)
		}
	}
	assert.True(t, found, "contract-declared predicate must appear in the summary")
}

func TestPipeline_ContractInvariantViolationIsCritical(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	// Five chain events precede the invariant stage, so this predicate is
	// guaranteed to trip.
	require.NoError(t, h.predicates.Register(invariant.Predicate{
		ID:   "bounded-chain",
		Expr: "event_count < 5",
	}))
	contract := transferFunds()
	contract.Invariants = []string{"bounded-chain"}
	h.register(t, contract)
	h.pipe.RegisterHandler("TRANSFER_FUNDS", func(context.Context, map[string]any, string) (any, error) {
		return map[string]any{"transferred": true}, nil
	})
	h.comp.Register("TRANSFER_FUNDS", func(context.Context, compensation.Request) error {
		return nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "TRANSFER_FUNDS",
		Params: map[string]any{"amount": 10},
		Source: contracts.SourceLLM,
	})

	require.False(t, res.Success)
	assert.Equal(t, contracts.ErrCriticalInvariantViolation, res.Error.Kind)
	require.NotNil(t, res.Compensation)
	assert.True(t, res.Compensation.Attempted)
	assert.True(t, res.Compensation.Success)
	assert.Contains(t, h.eventTypes(res.CorrelationID), contracts.EventCompensated)
	assert.Equal(t, statemachine.StateIdle, h.machine.Current(), "kernel recovers to idle")
}

func TestPipeline_UnknownContractInvariantFailsAsWarning(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	contract := playEmote()
	contract.Invariants = []string{"never-registered"}
	h.register(t, contract)
	h.pipe.RegisterHandler("PLAY_EMOTE", func(context.Context, map[string]any, string) (any, error) {
		return "ok", nil
	})

	res := h.pipe.Execute(context.Background(), &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
		Source: contracts.SourceLLM,
	})

	// A misdeclared id surfaces in the summary but does not abort the run.
	require.True(t, res.Success, "error: %v", res.Error)
	require.NotNil(t, res.Invariants)
	assert.False(t, res.Invariants.HasCriticalViolation)
	found := false
	for _, check := range res.Invariants.Checks {
		if check.Name == "never-registered" {
			found = true
			assert.Equal(t, contracts.CheckFailed, check.Status)
			assert.Equal(t, contracts.SeverityWarning, check.Severity)
		}
	}
	assert.True(t, found)
}

func TestPipeline_CallerParamsStayUntouched(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, playEmote())
	h.pipe.RegisterHandler("PLAY_EMOTE", func(_ context.Context, params map[string]any, _ string) (any, error) {
		params["emote"] = "hijacked"
		params["extra"] = true
		return "ok", nil
	})

	params := map[string]any{"emote": "wave"}
	call := &contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: params,
		Source: contracts.SourceLLM,
	}
	res := h.pipe.Execute(context.Background(), call)

	require.True(t, res.Success, "error: %v", res.Error)
	assert.Equal(t, map[string]any{"emote": "wave"}, params, "proposal stays immutable to the caller")
	assert.Equal(t, map[string]any{"emote": "wave"}, call.Params)
}
