package contracts

import "time"

// ApprovalDecision is the terminal outcome of an approval request.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionDenied   ApprovalDecision = "denied"
	DecisionExpired  ApprovalDecision = "expired"
)

// ApprovalRequest is a pending human/system decision for a high-risk call.
// It persists with a NULL decision while pending and resolves exactly once.
type ApprovalRequest struct {
	ID        string           `json:"id"`
	Call      ProposedToolCall `json:"call"`
	RiskClass RiskClass        `json:"risk_class"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// ApprovalResult records how a request was resolved.
type ApprovalResult struct {
	ID        string           `json:"id"`
	Decision  ApprovalDecision `json:"decision"`
	DecidedBy string           `json:"decided_by,omitempty"`
	DecidedAt time.Time        `json:"decided_at"`
}
