package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillerworks/tiller/pkg/contracts"
)

func passing(name string) CheckFunc {
	return func(context.Context, Subject) contracts.CheckOutcome {
		return contracts.CheckOutcome{Name: name, Status: contracts.CheckPassed, Severity: contracts.SeverityInfo}
	}
}

func failing(name string, sev contracts.CheckSeverity) CheckFunc {
	return func(context.Context, Subject) contracts.CheckOutcome {
		return contracts.CheckOutcome{Name: name, Status: contracts.CheckFailed, Severity: sev}
	}
}

func TestVerify_NoChecksPassesVacuously(t *testing.T) {
	v := New()
	res := v.Verify(context.Background(), Subject{Tool: "UNREGISTERED"})
	assert.Equal(t, contracts.CheckPassed, res.Status)
	assert.False(t, res.HasCriticalFailure)
	assert.Empty(t, res.Checks)
}

func TestVerify_CriticalRollup(t *testing.T) {
	v := New()
	v.Register("TRANSFER_FUNDS",
		passing("balance-updated"),
		failing("ledger-consistent", contracts.SeverityCritical),
		failing("receipt-emitted", contracts.SeverityWarning),
	)

	res := v.Verify(context.Background(), Subject{Tool: "TRANSFER_FUNDS"})
	assert.Equal(t, contracts.CheckFailed, res.Status)
	assert.True(t, res.HasCriticalFailure)
	require.Len(t, res.Checks, 3)
}

func TestVerify_WarningDoesNotEscalate(t *testing.T) {
	v := New()
	v.Register("SEND_MESSAGE",
		passing("delivered"),
		func(context.Context, Subject) contracts.CheckOutcome {
			return contracts.CheckOutcome{Name: "latency", Status: contracts.CheckWarning, Severity: contracts.SeverityWarning}
		},
	)

	res := v.Verify(context.Background(), Subject{Tool: "SEND_MESSAGE"})
	assert.Equal(t, contracts.CheckWarning, res.Status)
	assert.False(t, res.HasCriticalFailure)
}

func TestVerify_NonCriticalFailure(t *testing.T) {
	v := New()
	v.Register("SEND_MESSAGE", failing("read-receipt", contracts.SeverityWarning))

	res := v.Verify(context.Background(), Subject{Tool: "SEND_MESSAGE"})
	assert.Equal(t, contracts.CheckFailed, res.Status)
	assert.False(t, res.HasCriticalFailure)
}

func TestVerify_PanickingCheckBecomesCriticalFailure(t *testing.T) {
	v := New()
	v.Register("FLAKY", func(context.Context, Subject) contracts.CheckOutcome {
		panic("boom")
	})

	res := v.Verify(context.Background(), Subject{Tool: "FLAKY", RequestID: "r1"})
	require.Len(t, res.Checks, 1)
	assert.True(t, res.HasCriticalFailure)
	assert.Contains(t, res.Checks[0].Detail, "boom")
}

func TestVerify_SubjectCarriesResult(t *testing.T) {
	v := New()
	v.Register("QUERY", func(_ context.Context, s Subject) contracts.CheckOutcome {
		rows, ok := s.Result.(int)
		if !ok || rows < 0 {
			return contracts.CheckOutcome{Name: "row-count", Status: contracts.CheckFailed, Severity: contracts.SeverityCritical}
		}
		return contracts.CheckOutcome{Name: "row-count", Status: contracts.CheckPassed, Severity: contracts.SeverityInfo}
	})

	res := v.Verify(context.Background(), Subject{Tool: "QUERY", Result: 42})
	assert.Equal(t, contracts.CheckPassed, res.Status)
}
