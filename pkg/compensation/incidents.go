package compensation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tillerworks/tiller/pkg/bus"
	"github.com/tillerworks/tiller/pkg/contracts"
)

// IncidentStore persists incidents. Store failures never break the in-memory
// manager; they are logged as warnings.
type IncidentStore interface {
	Insert(ctx context.Context, incident *contracts.CompensationIncident) error
	Update(ctx context.Context, incident *contracts.CompensationIncident) error
}

// IncidentManager tracks compensation failures for operator follow-up.
// Returned records are always clones.
type IncidentManager struct {
	mu        sync.Mutex
	incidents map[string]*contracts.CompensationIncident
	order     []string

	store  IncidentStore
	bus    bus.Bus
	clock  contracts.Clock
	logger *slog.Logger
}

// NewIncidentManager creates a manager without persistence.
func NewIncidentManager() *IncidentManager {
	return &IncidentManager{
		incidents: make(map[string]*contracts.CompensationIncident),
		bus:       bus.Nop{},
		clock:     contracts.WallClock{},
		logger:    slog.Default().With("component", "incidents"),
	}
}

// WithStore attaches write-through persistence.
func (m *IncidentManager) WithStore(store IncidentStore) *IncidentManager {
	m.store = store
	return m
}

// WithBus attaches the event bus.
func (m *IncidentManager) WithBus(b bus.Bus) *IncidentManager {
	m.bus = b
	return m
}

// WithClock overrides the clock for deterministic tests.
func (m *IncidentManager) WithClock(clock contracts.Clock) *IncidentManager {
	m.clock = clock
	return m
}

// OpenParams describe the failure being recorded.
type OpenParams struct {
	RequestID             string
	ToolName              string
	CorrelationID         string
	Reason                string
	CompensationAttempted bool
	CompensationSuccess   bool
}

// Open records a new incident and emits the incident-opened event.
func (m *IncidentManager) Open(ctx context.Context, p OpenParams) *contracts.CompensationIncident {
	now := m.clock.Now().UTC()
	incident := &contracts.CompensationIncident{
		ID:                    uuid.NewString(),
		RequestID:             p.RequestID,
		ToolName:              p.ToolName,
		CorrelationID:         p.CorrelationID,
		Reason:                p.Reason,
		CompensationAttempted: p.CompensationAttempted,
		CompensationSuccess:   p.CompensationSuccess,
		Status:                contracts.IncidentOpen,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	m.mu.Lock()
	m.incidents[incident.ID] = incident
	m.order = append(m.order, incident.ID)
	m.mu.Unlock()

	m.persist(ctx, incident, true)
	m.bus.Emit(ctx, bus.TopicIncidentOpened, map[string]any{
		"incident_id":    incident.ID,
		"request_id":     incident.RequestID,
		"tool":           incident.ToolName,
		"correlation_id": incident.CorrelationID,
		"reason":         incident.Reason,
	})
	return incident.Clone()
}

// Acknowledge moves an open incident to acknowledged.
func (m *IncidentManager) Acknowledge(ctx context.Context, id, by string) (*contracts.CompensationIncident, error) {
	return m.progress(ctx, id, contracts.IncidentAcknowledged, by, "")
}

// Resolve moves an incident to resolved with a note.
func (m *IncidentManager) Resolve(ctx context.Context, id, by, note string) (*contracts.CompensationIncident, error) {
	return m.progress(ctx, id, contracts.IncidentResolved, by, note)
}

func (m *IncidentManager) progress(ctx context.Context, id string, next contracts.IncidentStatus, by, note string) (*contracts.CompensationIncident, error) {
	m.mu.Lock()
	incident, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("incidents: no incident %s", id)
	}
	if !incident.Status.CanProgressTo(next) {
		status := incident.Status
		m.mu.Unlock()
		return nil, fmt.Errorf("incidents: cannot progress %s from %s to %s", id, status, next)
	}

	now := m.clock.Now().UTC()
	incident.Status = next
	incident.UpdatedAt = now
	switch next {
	case contracts.IncidentAcknowledged:
		incident.AcknowledgedAt = &now
		incident.AcknowledgedBy = by
	case contracts.IncidentResolved:
		incident.ResolvedAt = &now
		incident.ResolvedBy = by
		incident.ResolutionNote = note
	}
	clone := incident.Clone()
	m.mu.Unlock()

	m.persist(ctx, clone, false)
	return clone, nil
}

// Get returns a clone of one incident.
func (m *IncidentManager) Get(id string) (*contracts.CompensationIncident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	incident, ok := m.incidents[id]
	if !ok {
		return nil, false
	}
	return incident.Clone(), true
}

// List returns clones in creation order, optionally filtered by status.
func (m *IncidentManager) List(statuses ...contracts.IncidentStatus) []*contracts.CompensationIncident {
	filter := make(map[contracts.IncidentStatus]bool, len(statuses))
	for _, s := range statuses {
		filter[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*contracts.CompensationIncident, 0, len(m.order))
	for _, id := range m.order {
		incident := m.incidents[id]
		if len(filter) > 0 && !filter[incident.Status] {
			continue
		}
		out = append(out, incident.Clone())
	}
	return out
}

func (m *IncidentManager) persist(ctx context.Context, incident *contracts.CompensationIncident, insert bool) {
	if m.store == nil {
		return
	}
	var err error
	if insert {
		err = m.store.Insert(ctx, incident)
	} else {
		err = m.store.Update(ctx, incident)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "incident persistence failed, in-memory record kept",
			"incident_id", incident.ID, "error", err)
	}
}
