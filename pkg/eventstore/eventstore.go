// Package eventstore implements the kernel's append-only execution event log:
// a bounded in-memory ring with hash-chain integrity and request/correlation
// indexing.
//
// Every append links the new event to the global chain tail, so a slice of
// events for one correlation id is tamper-evident: recomputing any event's
// content hash, or breaking the prev-hash linkage, is detectable. The first
// event of a slice is allowed any prev hash to permit truncation.
package eventstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tillerworks/tiller/pkg/canonical"
	"github.com/tillerworks/tiller/pkg/contracts"
)

// DefaultCapacity is the default ring size.
const DefaultCapacity = 10000

var errBadPayload = errors.New("eventstore: payload is not serializable")

// EventHandler is called synchronously after each append.
type EventHandler func(ev *contracts.ExecutionEvent)

// Store is the bounded, hash-chained event log. Single appender semantics per
// request are the caller's concern; the store itself serializes all appends.
type Store struct {
	mu            sync.RWMutex
	ring          []*contracts.ExecutionEvent
	capacity      int
	sequence      uint64
	chainHead     string
	evicted       uint64
	byRequest     map[string][]*contracts.ExecutionEvent
	byCorrelation map[string][]*contracts.ExecutionEvent
	handlers      []EventHandler
	clock         contracts.Clock
}

// New creates a store with the given capacity; capacity <= 0 uses the default.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		ring:          make([]*contracts.ExecutionEvent, 0, capacity),
		capacity:      capacity,
		byRequest:     make(map[string][]*contracts.ExecutionEvent),
		byCorrelation: make(map[string][]*contracts.ExecutionEvent),
		clock:         contracts.WallClock{},
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Store) WithClock(clock contracts.Clock) *Store {
	s.clock = clock
	return s
}

// AddHandler registers a handler invoked on every append. Handlers run under
// the store lock; keep them fast and non-reentrant.
func (s *Store) AddHandler(h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Append records a new event, computing its chained hash. It returns the
// assigned sequence id. Appending never fails for a JSON-serializable payload.
func (s *Store) Append(requestID string, typ contracts.EventType, payload map[string]any, correlationID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	s.sequence++
	ev := &contracts.ExecutionEvent{
		SequenceID:    s.sequence,
		RequestID:     requestID,
		CorrelationID: correlationID,
		Type:          typ,
		Payload:       payload,
		Timestamp:     now,
		PrevHash:      s.chainHead,
	}

	hash, err := computeEventHash(ev)
	if err != nil {
		s.sequence--
		return 0, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	ev.EventHash = hash
	s.chainHead = hash

	s.ring = append(s.ring, ev)
	s.byRequest[requestID] = append(s.byRequest[requestID], ev)
	s.byCorrelation[correlationID] = append(s.byCorrelation[correlationID], ev)

	if len(s.ring) > s.capacity {
		s.evictOldestLocked()
	}

	for _, h := range s.handlers {
		h(ev)
	}
	return ev.SequenceID, nil
}

// evictOldestLocked drops the oldest event FIFO and records the eviction so
// chain verification can report truncation instead of corruption.
func (s *Store) evictOldestLocked() {
	old := s.ring[0]
	s.ring = s.ring[1:]
	s.evicted++
	s.byRequest[old.RequestID] = dropHead(s.byRequest[old.RequestID], old)
	if len(s.byRequest[old.RequestID]) == 0 {
		delete(s.byRequest, old.RequestID)
	}
	s.byCorrelation[old.CorrelationID] = dropHead(s.byCorrelation[old.CorrelationID], old)
	if len(s.byCorrelation[old.CorrelationID]) == 0 {
		delete(s.byCorrelation, old.CorrelationID)
	}
}

func dropHead(events []*contracts.ExecutionEvent, ev *contracts.ExecutionEvent) []*contracts.ExecutionEvent {
	if len(events) > 0 && events[0] == ev {
		return events[1:]
	}
	return events
}

// GetByRequestID returns the retained events for a request, oldest first.
func (s *Store) GetByRequestID(requestID string) []*contracts.ExecutionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSlice(s.byRequest[requestID])
}

// GetByCorrelationID returns the retained events of one pipeline run.
func (s *Store) GetByCorrelationID(correlationID string) []*contracts.ExecutionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSlice(s.byCorrelation[correlationID])
}

// Len returns the number of retained events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ring)
}

// Evicted returns how many events have been dropped from the ring.
func (s *Store) Evicted() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

// ChainHead returns the hash of the most recent event.
func (s *Store) ChainHead() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHead
}

func cloneSlice(events []*contracts.ExecutionEvent) []*contracts.ExecutionEvent {
	out := make([]*contracts.ExecutionEvent, len(events))
	copy(out, events)
	return out
}

// ChainReport is the result of chain verification.
type ChainReport struct {
	Valid                  bool    `json:"valid"`
	FirstInvalidSequenceID *uint64 `json:"first_invalid_sequence_id,omitempty"`
	Reason                 string  `json:"reason,omitempty"`
	Truncated              bool    `json:"truncated"`
}

// VerifyChain re-canonicalizes each event and checks content hashes and
// prev-hash continuity. The first event's prev hash is not checked, which
// permits verifying a slice whose prefix was evicted. If the store has
// evicted events, the report is flagged truncated.
func (s *Store) VerifyChain(events []*contracts.ExecutionEvent) ChainReport {
	report := VerifySlice(events)
	s.mu.RLock()
	report.Truncated = s.evicted > 0
	s.mu.RUnlock()
	return report
}

// VerifySlice checks a standalone slice without store context.
func VerifySlice(events []*contracts.ExecutionEvent) ChainReport {
	for i, ev := range events {
		recomputed, err := computeEventHash(ev)
		if err != nil {
			seq := ev.SequenceID
			return ChainReport{FirstInvalidSequenceID: &seq, Reason: fmt.Sprintf("event %d not canonicalizable: %v", seq, err)}
		}
		if recomputed != ev.EventHash {
			seq := ev.SequenceID
			return ChainReport{FirstInvalidSequenceID: &seq, Reason: "content hash mismatch"}
		}
		if i > 0 && ev.PrevHash != events[i-1].EventHash {
			seq := ev.SequenceID
			return ChainReport{FirstInvalidSequenceID: &seq, Reason: "chain continuity broken"}
		}
	}
	return ChainReport{Valid: true}
}

// computeEventHash hashes the canonical form of the event's identifying
// fields. The timestamp contributes as RFC3339Nano so re-decoding an event
// from JSON reproduces the same digest.
func computeEventHash(ev *contracts.ExecutionEvent) (string, error) {
	return canonical.Hash(map[string]any{
		"request_id":     ev.RequestID,
		"type":           string(ev.Type),
		"payload":        ev.Payload,
		"timestamp":      ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"correlation_id": ev.CorrelationID,
		"prev_hash":      ev.PrevHash,
	})
}
