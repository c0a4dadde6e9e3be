package eventstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tillerworks/tiller/pkg/canonical"
	"github.com/tillerworks/tiller/pkg/contracts"
)

// EvidenceBundle is an exportable, sealed slice of the event chain for one
// correlation id. The bundle hash covers the canonical form of the events, so
// a bundle shipped to an external archive can be verified offline.
type EvidenceBundle struct {
	BundleID      string                      `json:"bundle_id"`
	CorrelationID string                      `json:"correlation_id"`
	CreatedAt     time.Time                   `json:"created_at"`
	EventCount    int                         `json:"event_count"`
	Events        []*contracts.ExecutionEvent `json:"events"`
	ChainHead     string                      `json:"chain_head"`
	BundleHash    string                      `json:"bundle_hash"`
	Truncated     bool                        `json:"truncated"`
}

// ExportBundle seals the retained events of one pipeline run into a bundle.
func (s *Store) ExportBundle(correlationID string) (*EvidenceBundle, error) {
	events := s.GetByCorrelationID(correlationID)
	if len(events) == 0 {
		return nil, fmt.Errorf("eventstore: no events for correlation %s", correlationID)
	}

	bundle := &EvidenceBundle{
		BundleID:      uuid.New().String(),
		CorrelationID: correlationID,
		CreatedAt:     s.clock.Now().UTC(),
		EventCount:    len(events),
		Events:        events,
		ChainHead:     events[len(events)-1].EventHash,
		Truncated:     s.Evicted() > 0,
	}

	hash, err := canonical.Hash(bundle.Events)
	if err != nil {
		return nil, fmt.Errorf("eventstore: bundle seal failed: %w", err)
	}
	bundle.BundleHash = hash
	return bundle, nil
}

// VerifyBundle checks the bundle seal and the internal event chain.
func VerifyBundle(bundle *EvidenceBundle) error {
	if bundle == nil || len(bundle.Events) == 0 {
		return fmt.Errorf("eventstore: bundle is empty")
	}
	hash, err := canonical.Hash(bundle.Events)
	if err != nil {
		return fmt.Errorf("eventstore: bundle not canonicalizable: %w", err)
	}
	if hash != bundle.BundleHash {
		return fmt.Errorf("eventstore: bundle seal mismatch")
	}
	if report := VerifySlice(bundle.Events); !report.Valid {
		return fmt.Errorf("eventstore: bundle chain invalid: %s", report.Reason)
	}
	if bundle.Events[len(bundle.Events)-1].EventHash != bundle.ChainHead {
		return fmt.Errorf("eventstore: bundle chain head mismatch")
	}
	return nil
}
