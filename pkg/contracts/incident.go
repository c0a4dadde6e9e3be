package contracts

import "time"

// IncidentStatus is the operator-review state of a compensation incident.
// Progression is strictly open -> acknowledged -> resolved.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentResolved     IncidentStatus = "resolved"
)

// rank orders statuses for monotonicity checks.
func (s IncidentStatus) rank() int {
	switch s {
	case IncidentOpen:
		return 0
	case IncidentAcknowledged:
		return 1
	case IncidentResolved:
		return 2
	}
	return -1
}

// CanProgressTo reports whether a transition to next respects the monotonic
// open -> acknowledged -> resolved progression. Skipping acknowledged is
// allowed; moving backwards is not.
func (s IncidentStatus) CanProgressTo(next IncidentStatus) bool {
	return next.rank() > s.rank()
}

// CompensationIncident tracks an unresolved compensation failure for
// operator follow-up.
type CompensationIncident struct {
	ID                    string         `json:"id"`
	RequestID             string         `json:"request_id"`
	ToolName              string         `json:"tool_name"`
	CorrelationID         string         `json:"correlation_id"`
	Reason                string         `json:"reason"`
	CompensationAttempted bool           `json:"compensation_attempted"`
	CompensationSuccess   bool           `json:"compensation_success"`
	Status                IncidentStatus `json:"status"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	AcknowledgedAt        *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy        string         `json:"acknowledged_by,omitempty"`
	ResolvedAt            *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy            string         `json:"resolved_by,omitempty"`
	ResolutionNote        string         `json:"resolution_note,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate manager state.
func (i *CompensationIncident) Clone() *CompensationIncident {
	out := *i
	if i.AcknowledgedAt != nil {
		t := *i.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}
