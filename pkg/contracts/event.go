package contracts

import "time"

// EventType enumerates the pipeline lifecycle events.
type EventType string

const (
	EventProposed                   EventType = "proposed"
	EventValidated                  EventType = "validated"
	EventApprovalRequested          EventType = "approval:requested"
	EventApprovalResolved           EventType = "approval:resolved"
	EventExecuting                  EventType = "executing"
	EventExecuted                   EventType = "executed"
	EventVerified                   EventType = "verified"
	EventCompensated                EventType = "compensated"
	EventCompensationIncidentOpened EventType = "compensation:incident:opened"
	EventInvariantsChecked          EventType = "invariants:checked"
	EventDecisionLogged             EventType = "decision:logged"
	EventFailed                     EventType = "failed"
)

// ExecutionEvent is one link of the tamper-evident event chain. EventHash is
// the SHA-256 of the canonical JSON of {request_id, type, payload, timestamp,
// correlation_id, prev_hash}; PrevHash is the hash of the previous event in
// the global chain.
type ExecutionEvent struct {
	SequenceID    uint64         `json:"sequence_id"`
	RequestID     string         `json:"request_id"`
	CorrelationID string         `json:"correlation_id"`
	Type          EventType      `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	PrevHash      string         `json:"prev_hash"`
	EventHash     string         `json:"event_hash"`
}
