package contracts

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// RiskClass declares what kind of side effect a tool has.
type RiskClass string

const (
	RiskReadOnly     RiskClass = "read-only"
	RiskReversible   RiskClass = "reversible"
	RiskIrreversible RiskClass = "irreversible"
)

// Valid reports whether the risk class is one of the closed set.
func (r RiskClass) Valid() bool {
	switch r {
	case RiskReadOnly, RiskReversible, RiskIrreversible:
		return true
	}
	return false
}

// RateLimit caps how often a tool may be invoked.
type RateLimit struct {
	Max      int   `json:"max" yaml:"max"`
	WindowMs int64 `json:"window_ms" yaml:"window_ms"`
}

// ToolContract is the per-tool declaration loaded at init. Registrations are
// immutable for a run; there is no hot reload.
type ToolContract struct {
	Name             string          `json:"name" yaml:"name"`
	Version          string          `json:"version" yaml:"version"`
	InputSchema      json.RawMessage `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema     json.RawMessage `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	RiskClass        RiskClass       `json:"risk_class" yaml:"risk_class"`
	RequiresApproval bool            `json:"requires_approval" yaml:"requires_approval"`
	MinTrustScore    float64         `json:"min_trust_score" yaml:"min_trust_score"`
	RateLimit        *RateLimit      `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	MaxDurationMs    int64           `json:"max_duration_ms" yaml:"max_duration_ms"`
	Idempotent       bool            `json:"idempotent" yaml:"idempotent"`

	// CompensationActionName names the registered reverse action for a
	// reversible tool. A reversible tool without a registered compensation
	// is blocked at execution time.
	CompensationActionName string `json:"compensation_action_name,omitempty" yaml:"compensation_action_name,omitempty"`

	// Invariants lists predicate ids checked after every execution of this tool.
	Invariants []string `json:"invariants,omitempty" yaml:"invariants,omitempty"`
}

// Validate checks structural well-formedness of a contract declaration.
// The requiresApproval implication for irreversible tools is enforced here;
// the auto-approve source exemption is a pipeline-level routing concern.
func (c *ToolContract) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("contract: name is required")
	}
	if _, err := semver.NewVersion(c.Version); err != nil {
		return fmt.Errorf("contract %s: version %q is not semver: %w", c.Name, c.Version, err)
	}
	if !c.RiskClass.Valid() {
		return fmt.Errorf("contract %s: unknown risk class %q", c.Name, c.RiskClass)
	}
	if c.RiskClass == RiskIrreversible && !c.RequiresApproval {
		return fmt.Errorf("contract %s: irreversible tools must require approval", c.Name)
	}
	if c.MinTrustScore < 0 || c.MinTrustScore > 1 {
		return fmt.Errorf("contract %s: min trust score %v outside [0,1]", c.Name, c.MinTrustScore)
	}
	if c.RateLimit != nil && (c.RateLimit.Max <= 0 || c.RateLimit.WindowMs <= 0) {
		return fmt.Errorf("contract %s: rate limit must have positive max and window", c.Name)
	}
	return nil
}
