package contracts

import (
	"fmt"
	"time"
)

// ErrorKind is the failure taxonomy of the pipeline. Errors never cross the
// pipeline boundary as Go errors; they are folded into the result as a
// KernelError carrying one of these kinds.
type ErrorKind string

const (
	ErrValidation                   ErrorKind = "validation_failed"
	ErrTrustRejected                ErrorKind = "trust_rejected"
	ErrSafeModeRestricted           ErrorKind = "safe_mode_restricted"
	ErrApprovalDenied               ErrorKind = "approval_denied"
	ErrApprovalExpired              ErrorKind = "approval_expired"
	ErrRateLimited                  ErrorKind = "rate_limited"
	ErrExecution                    ErrorKind = "execution_error"
	ErrCriticalVerificationFailure  ErrorKind = "critical_verification_failure"
	ErrCriticalInvariantViolation   ErrorKind = "critical_invariant_violation"
	ErrCompensationFailure          ErrorKind = "compensation_failure"
	ErrStateMachineRejection        ErrorKind = "state_machine_rejection"
	ErrPersistenceWarning           ErrorKind = "persistence_warning"
)

// FieldError is a semantic per-field validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// KernelError is the structured error surfaced on a failed pipeline result.
type KernelError struct {
	Kind    ErrorKind    `json:"kind"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// ValidationSummary reports the outcome of the schema-validation stage.
type ValidationSummary struct {
	Valid            bool           `json:"valid"`
	Errors           []FieldError   `json:"errors,omitempty"`
	ValidatedParams  map[string]any `json:"validated_params,omitempty"`
	RiskClass        RiskClass      `json:"risk_class,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
}

// ApprovalSummary reports the approval stage of a run.
type ApprovalSummary struct {
	Required  bool             `json:"required"`
	RequestID string           `json:"request_id,omitempty"`
	Decision  ApprovalDecision `json:"decision,omitempty"`
	DecidedBy string           `json:"decided_by,omitempty"`
}

// ExecutionSummary reports whether and how the tool handler ran.
type ExecutionSummary struct {
	Ran        bool   `json:"ran"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Result     any    `json:"result,omitempty"`
}

// VerificationSummary rolls up the post-condition checks of a run.
type VerificationSummary struct {
	Status             CheckStatus    `json:"status"`
	Checks             []CheckOutcome `json:"checks,omitempty"`
	HasCriticalFailure bool           `json:"has_critical_failure"`
}

// InvariantSummary rolls up the cross-system invariant checks of a run.
type InvariantSummary struct {
	Status               CheckStatus    `json:"status"`
	Checks               []CheckOutcome `json:"checks,omitempty"`
	HasCriticalViolation bool           `json:"has_critical_violation"`
}

// CompensationSummary reports the compensation attempt of a failed run.
type CompensationSummary struct {
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// PipelineResult is everything the caller gets back from a run: the outcome
// plus enough evidence to reconstruct the decision.
type PipelineResult struct {
	Success       bool                  `json:"success"`
	RequestID     string                `json:"request_id"`
	CorrelationID string                `json:"correlation_id"`
	Tool          string                `json:"tool"`
	Error         *KernelError          `json:"error,omitempty"`
	Validation    *ValidationSummary    `json:"validation,omitempty"`
	Approval      *ApprovalSummary      `json:"approval,omitempty"`
	Execution     *ExecutionSummary     `json:"execution,omitempty"`
	Verification  *VerificationSummary  `json:"verification,omitempty"`
	Invariants    *InvariantSummary     `json:"invariants,omitempty"`
	Compensation  *CompensationSummary  `json:"compensation,omitempty"`
	Incident      *CompensationIncident `json:"incident,omitempty"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
}
