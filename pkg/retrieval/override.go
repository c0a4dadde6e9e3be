package retrieval

import (
	"context"

	"github.com/tillerworks/tiller/pkg/bus"
)

// OverrideSource identifies who is asking for a trust elevation.
type OverrideSource string

const (
	OverrideSourceUser       OverrideSource = "user"
	OverrideSourceAPI        OverrideSource = "api"
	OverrideSourceAutomation OverrideSource = "automation"
)

// TrustOverride is a per-request elevation of memory trust. High-risk
// sources need independent approval on top of the requester's own.
type TrustOverride struct {
	Actor          string         `json:"actor"`
	Source         OverrideSource `json:"source"`
	ApprovedBy     string         `json:"approved_by,omitempty"`
	SecondApprover string         `json:"second_approver,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Score          float64        `json:"score"`
}

// validateOverride applies the attribution policy. Returns the clamped score
// and "" on success, or a rejection reason.
func validateOverride(o *TrustOverride) (float64, string) {
	if o.Actor == "" || o.Actor == "unknown" {
		return 0, "override requires an attributed actor"
	}
	switch o.Source {
	case OverrideSourceUser:
		if o.ApprovedBy == "" || o.Reason == "" {
			return 0, "user override requires approvedBy and reason"
		}
	case OverrideSourceAPI, OverrideSourceAutomation:
		if o.ApprovedBy == "" || o.Reason == "" {
			return 0, "override requires approvedBy and reason"
		}
		if o.SecondApprover == "" {
			return 0, "api/automation override requires an independent second approver"
		}
	default:
		return 0, "unrecognized override source"
	}
	return clamp(o.Score, 0, 1), ""
}

// auditOverride emits exactly one trust-override event per attempt.
func auditOverride(ctx context.Context, b bus.Bus, o *TrustOverride, applied bool, reason string) {
	decision := "applied"
	if !applied {
		decision = "rejected"
	}
	b.Emit(ctx, bus.TopicTrustOverride, map[string]any{
		"decision": decision,
		"actor":    o.Actor,
		"source":   string(o.Source),
		"score":    o.Score,
		"reason":   reason,
	})
}
