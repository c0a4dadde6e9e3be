package contracts

// CheckStatus is the outcome of a single post-condition or invariant check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckWarning CheckStatus = "warning"
)

// CheckSeverity grades how serious a failed check is.
type CheckSeverity string

const (
	SeverityInfo     CheckSeverity = "info"
	SeverityWarning  CheckSeverity = "warning"
	SeverityCritical CheckSeverity = "critical"
)

// CheckOutcome is one check's result inside a verification or invariant report.
type CheckOutcome struct {
	Name            string        `json:"name"`
	Status          CheckStatus   `json:"status"`
	Severity        CheckSeverity `json:"severity"`
	Detail          string        `json:"detail,omitempty"`
	FailureTaxonomy string        `json:"failure_taxonomy,omitempty"`
}

// Critical reports whether this outcome is a critical failure.
func (c CheckOutcome) Critical() bool {
	return c.Status == CheckFailed && c.Severity == SeverityCritical
}
