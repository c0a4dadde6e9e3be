// Package statemachine enforces the kernel's closed transition set. Only the
// machine mutates kernel state; rejected triggers never change it, and every
// attempt is retained for audit.
package statemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// State is one of the kernel's runtime states.
type State string

const (
	StateIdle             State = "idle"
	StatePlanning         State = "planning"
	StateExecuting        State = "executing"
	StateVerifying        State = "verifying"
	StateWritingMemory    State = "writing_memory"
	StateAuditing         State = "auditing"
	StateAwaitingApproval State = "awaiting_approval"
	StateSafeMode         State = "safe_mode"
	StateError            State = "error"
)

// Trigger names a transition cause.
type Trigger string

const (
	TriggerToolValidated       Trigger = "tool_validated"
	TriggerApprovalRequired    Trigger = "approval_required"
	TriggerApprovalGranted     Trigger = "approval_granted"
	TriggerApprovalDenied      Trigger = "approval_denied"
	TriggerApprovalExpired     Trigger = "approval_expired"
	TriggerExecutionComplete   Trigger = "execution_complete"
	TriggerVerificationPassed  Trigger = "verification_passed"
	TriggerVerificationFailed  Trigger = "verification_failed"
	TriggerMemoryWritten       Trigger = "memory_written"
	TriggerAuditComplete       Trigger = "audit_complete"
	TriggerRecover             Trigger = "recover"
	TriggerEnterSafeMode       Trigger = "enter_safe_mode"
	TriggerExitSafeMode        Trigger = "exit_safe_mode"
	TriggerFatalError          Trigger = "fatal_error"
)

// transitions is the closed legal set. enter_safe_mode and fatal_error apply
// from any state and are handled separately.
var transitions = map[State]map[Trigger]State{
	StateIdle: {
		TriggerToolValidated:    StateExecuting,
		TriggerApprovalRequired: StateAwaitingApproval,
	},
	StateAwaitingApproval: {
		TriggerApprovalGranted: StateExecuting,
		TriggerApprovalDenied:  StateIdle,
		TriggerApprovalExpired: StateIdle,
	},
	StateExecuting: {
		TriggerExecutionComplete: StateVerifying,
	},
	StateVerifying: {
		TriggerVerificationPassed: StateWritingMemory,
		TriggerVerificationFailed: StateError,
	},
	StateWritingMemory: {
		TriggerMemoryWritten: StateAuditing,
	},
	StateAuditing: {
		TriggerAuditComplete: StateIdle,
	},
	StateError: {
		TriggerRecover: StateIdle,
	},
	StateSafeMode: {
		TriggerExitSafeMode: StateIdle,
	},
}

// Result reports one transition attempt.
type Result struct {
	Accepted bool    `json:"accepted"`
	From     State   `json:"from"`
	To       State   `json:"to"`
	Trigger  Trigger `json:"trigger"`
	Reason   string  `json:"reason,omitempty"`
}

// Record is a retained history entry.
type Record struct {
	Result
	At time.Time `json:"at"`
}

// Machine holds the kernel state. Transitions are serialized by a mutex so a
// rejected trigger can never interleave with an accepted one.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []Record
	clock   contracts.Clock
}

// New creates a machine in the idle state.
func New() *Machine {
	return &Machine{state: StateIdle, clock: contracts.WallClock{}}
}

// WithClock overrides the clock for deterministic tests.
func (m *Machine) WithClock(clock contracts.Clock) *Machine {
	m.clock = clock
	return m
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition applies a trigger. Rejected triggers leave the state unchanged.
func (m *Machine) Transition(trigger Trigger) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	res := Result{From: from, To: from, Trigger: trigger}

	switch trigger {
	case TriggerEnterSafeMode:
		res.Accepted = true
		res.To = StateSafeMode
	case TriggerFatalError:
		res.Accepted = true
		res.To = StateError
	default:
		if to, ok := transitions[from][trigger]; ok {
			res.Accepted = true
			res.To = to
		} else {
			res.Reason = fmt.Sprintf("trigger %s not legal from state %s", trigger, from)
		}
	}

	if res.Accepted {
		m.state = res.To
	}
	m.history = append(m.history, Record{Result: res, At: m.clock.Now().UTC()})
	return res
}

// History returns a copy of all transition attempts, accepted or not.
func (m *Machine) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}
