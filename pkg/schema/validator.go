package schema

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// Validator checks a proposed call against its registered contract. It is
// pure: the only state it touches is the immutable registry.
type Validator struct {
	registry *Registry
}

// NewValidator creates a validator over a registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate resolves the contract, normalizes the parameters through a JSON
// round trip, and validates them against the input schema. All schema
// violations are reported, not just the first.
func (v *Validator) Validate(call *contracts.ProposedToolCall) *contracts.ValidationSummary {
	cc := v.registry.compiled(call.Tool)
	if cc == nil {
		return &contracts.ValidationSummary{
			Valid:  false,
			Errors: []contracts.FieldError{{Field: "tool", Message: "unknown tool"}},
		}
	}

	summary := &contracts.ValidationSummary{
		RiskClass:        cc.contract.RiskClass,
		RequiresApproval: cc.contract.RequiresApproval,
	}

	normalized, err := normalizeParams(call.Params)
	if err != nil {
		summary.Errors = []contracts.FieldError{{Field: "params", Message: "parameters are not JSON-serializable"}}
		return summary
	}

	if cc.input != nil {
		if err := cc.input.Validate(normalized); err != nil {
			summary.Errors = flatten(err)
			return summary
		}
	}

	summary.Valid = true
	summary.ValidatedParams = normalized
	return summary
}

// ValidateOutput checks a tool result against the contract's output schema,
// when one is declared. Used by post-condition checks.
func (v *Validator) ValidateOutput(tool string, result any) []contracts.FieldError {
	cc := v.registry.compiled(tool)
	if cc == nil || cc.output == nil {
		return nil
	}
	normalized, err := normalizeValue(result)
	if err != nil {
		return []contracts.FieldError{{Field: "result", Message: "result is not JSON-serializable"}}
	}
	if err := cc.output.Validate(normalized); err != nil {
		return flatten(err)
	}
	return nil
}

// normalizeParams round-trips the dynamic param map through JSON so
// downstream consumers see uniform JSON value types regardless of how the
// caller built the map.
func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// flatten converts the validation error tree into semantic per-field
// messages, keeping only leaf causes.
func flatten(err error) []contracts.FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []contracts.FieldError{{Field: "params", Message: err.Error()}}
	}
	var out []contracts.FieldError
	collectLeaves(ve, &out)
	if len(out) == 0 {
		out = append(out, contracts.FieldError{Field: fieldName(ve.InstanceLocation), Message: ve.Message})
	}
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]contracts.FieldError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, contracts.FieldError{
			Field:   fieldName(ve.InstanceLocation),
			Message: ve.Message,
		})
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, out)
	}
}

// fieldName turns a JSON pointer like "/limits/0/max" into "limits.0.max".
func fieldName(instanceLocation string) string {
	trimmed := strings.TrimPrefix(instanceLocation, "/")
	if trimmed == "" {
		return "params"
	}
	return strings.ReplaceAll(trimmed, "/", ".")
}
