package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the narrow surface the kernel emits through. Components take
// this interface so tests can run with NopMetrics.
type Metrics interface {
	GateDecision(ctx context.Context, decision string)
	QuarantineSize(ctx context.Context, size int64)
	InvariantCheck(ctx context.Context, result string)
	StageDuration(ctx context.Context, stage string, d time.Duration)
}

// KernelMetrics publishes the kernel instruments through an OTel meter.
type KernelMetrics struct {
	gateDecisions  metric.Int64Counter
	quarantineSize metric.Int64Gauge
	invariantTotal metric.Int64Counter
	stageDuration  metric.Float64Histogram
}

// NewKernelMetrics registers the kernel instruments on the given meter.
func NewKernelMetrics(meter metric.Meter) (*KernelMetrics, error) {
	m := &KernelMetrics{}
	var err error

	m.gateDecisions, err = meter.Int64Counter("autonomy_memory_gate_decisions_total",
		metric.WithDescription("Memory gate decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	m.quarantineSize, err = meter.Int64Gauge("autonomy_quarantine_size",
		metric.WithDescription("Current number of quarantined memories"),
		metric.WithUnit("{memory}"),
	)
	if err != nil {
		return nil, err
	}

	m.invariantTotal, err = meter.Int64Counter("autonomy_invariant_checks_total",
		metric.WithDescription("Invariant check runs by result"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, err
	}

	m.stageDuration, err = meter.Float64Histogram("autonomy_pipeline_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *KernelMetrics) GateDecision(ctx context.Context, decision string) {
	m.gateDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}

func (m *KernelMetrics) QuarantineSize(ctx context.Context, size int64) {
	m.quarantineSize.Record(ctx, size)
}

func (m *KernelMetrics) InvariantCheck(ctx context.Context, result string) {
	m.invariantTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *KernelMetrics) StageDuration(ctx context.Context, stage string, d time.Duration) {
	m.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// NopMetrics discards all instrument updates.
type NopMetrics struct{}

func (NopMetrics) GateDecision(context.Context, string)                 {}
func (NopMetrics) QuarantineSize(context.Context, int64)                {}
func (NopMetrics) InvariantCheck(context.Context, string)               {}
func (NopMetrics) StageDuration(context.Context, string, time.Duration) {}
