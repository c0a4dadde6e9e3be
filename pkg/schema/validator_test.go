package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerworks/tiller/pkg/contracts"
)

func transferContract(t *testing.T) *contracts.ToolContract {
	t.Helper()
	return &contracts.ToolContract{
		Name:      "TRANSFER_FUNDS",
		Version:   "1.0.0",
		RiskClass: contracts.RiskReversible,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["amount", "currency"],
			"properties": {
				"amount": {"type": "number", "minimum": 0.01},
				"currency": {"type": "string", "enum": ["USD", "EUR"]}
			},
			"additionalProperties": false
		}`),
		CompensationActionName: "REFUND",
	}
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(transferContract(t)))
	require.NoError(t, r.Register(&contracts.ToolContract{
		Name:      "PLAY_EMOTE",
		Version:   "0.1.0",
		RiskClass: contracts.RiskReadOnly,
	}))
	r.Freeze()
	return NewValidator(r)
}

func TestValidate_UnknownTool(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate(&contracts.ProposedToolCall{Tool: "NONEXISTENT_TOOL", RequestID: "r1"})
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "tool", res.Errors[0].Field)
	assert.Equal(t, "unknown tool", res.Errors[0].Message)
}

func TestValidate_Success(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate(&contracts.ProposedToolCall{
		Tool:   "TRANSFER_FUNDS",
		Params: map[string]any{"amount": 10, "currency": "USD"},
	})
	require.True(t, res.Valid)
	assert.Equal(t, contracts.RiskReversible, res.RiskClass)
	// Normalization round-trips through JSON: numbers become float64.
	assert.Equal(t, float64(10), res.ValidatedParams["amount"])
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate(&contracts.ProposedToolCall{
		Tool:   "TRANSFER_FUNDS",
		Params: map[string]any{"amount": -5, "currency": "GBP"},
	})
	assert.False(t, res.Valid)
	require.GreaterOrEqual(t, len(res.Errors), 2)

	fields := map[string]bool{}
	for _, fe := range res.Errors {
		fields[fe.Field] = true
		assert.NotEmpty(t, fe.Message)
	}
	assert.True(t, fields["amount"])
	assert.True(t, fields["currency"])
}

func TestValidate_NoSchemaAcceptsAnything(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate(&contracts.ProposedToolCall{
		Tool:   "PLAY_EMOTE",
		Params: map[string]any{"emote": "wave"},
	})
	assert.True(t, res.Valid)
	assert.Equal(t, "wave", res.ValidatedParams["emote"])
}

func TestRegistry_RejectsIrreversibleWithoutApproval(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&contracts.ToolContract{
		Name:      "RUN_IN_TERMINAL",
		Version:   "1.0.0",
		RiskClass: contracts.RiskIrreversible,
	})
	assert.Error(t, err)
}

func TestRegistry_FrozenRejectsRegistration(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	err := r.Register(&contracts.ToolContract{
		Name: "LATE", Version: "1.0.0", RiskClass: contracts.RiskReadOnly,
	})
	assert.Error(t, err)
}

func TestRegistry_RejectsBadSemver(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&contracts.ToolContract{
		Name: "BAD", Version: "not-a-version", RiskClass: contracts.RiskReadOnly,
	})
	assert.Error(t, err)
}
