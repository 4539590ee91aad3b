package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AdmissionMetrics defines the interface for recording admission pipeline
// decisions. Implementations track decision counts and durations so operators
// can watch denial rates per resource and denial code.
type AdmissionMetrics interface {
	// RecordDecision records a gate decision.
	// Origin examples: "crud", "cmd"
	// Outcome examples: "admitted", "denied"
	// Code is the numeric denial code, 0 for admitted requests.
	RecordDecision(ctx context.Context, origin, resource, outcome string, code int)

	// RecordDecisionDuration records how long the full admission pipeline took.
	// Duration is recorded in seconds as a histogram for percentile calculations.
	RecordDecisionDuration(ctx context.Context, origin, resource string, duration time.Duration, outcome string)
}

// admissionMetrics implements AdmissionMetrics using OpenTelemetry metrics.
type admissionMetrics struct {
	decisionCounter metric.Int64Counter
	durationHisto   metric.Float64Histogram
}

// NewAdmissionMetrics creates a new AdmissionMetrics implementation using the provided meter provider.
// The namespace parameter is used as a prefix for all metric names (e.g., "gatekeeper").
// Returns error if meters cannot be initialized.
func NewAdmissionMetrics(meterProvider metric.MeterProvider, namespace string) (AdmissionMetrics, error) {
	meter := meterProvider.Meter(namespace)

	decisionCounter, err := meter.Int64Counter(
		fmt.Sprintf("%s_admission_decisions_total", namespace),
		metric.WithDescription("Total number of admission decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decision counter: %w", err)
	}

	durationHisto, err := meter.Float64Histogram(
		fmt.Sprintf("%s_admission_duration_seconds", namespace),
		metric.WithDescription("Duration of admission decisions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &admissionMetrics{
		decisionCounter: decisionCounter,
		durationHisto:   durationHisto,
	}, nil
}

// RecordDecision increments the decision counter with origin, resource, outcome, and code labels.
func (a *admissionMetrics) RecordDecision(ctx context.Context, origin, resource, outcome string, code int) {
	a.decisionCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("origin", origin),
			attribute.String("resource", resource),
			attribute.String("outcome", outcome),
			attribute.String("code", strconv.Itoa(code)),
		),
	)
}

// RecordDecisionDuration records the pipeline duration in seconds with origin, resource, and outcome labels.
func (a *admissionMetrics) RecordDecisionDuration(
	ctx context.Context,
	origin, resource string,
	duration time.Duration,
	outcome string,
) {
	a.durationHisto.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("origin", origin),
			attribute.String("resource", resource),
			attribute.String("outcome", outcome),
		),
	)
}

// NoOpAdmissionMetrics is a no-op implementation of AdmissionMetrics for when metrics are disabled.
type NoOpAdmissionMetrics struct{}

// NewNoOpAdmissionMetrics creates a no-op AdmissionMetrics implementation.
func NewNoOpAdmissionMetrics() AdmissionMetrics {
	return &NoOpAdmissionMetrics{}
}

// RecordDecision does nothing when metrics are disabled.
func (n *NoOpAdmissionMetrics) RecordDecision(ctx context.Context, origin, resource, outcome string, code int) {
	// No-op
}

// RecordDecisionDuration does nothing when metrics are disabled.
func (n *NoOpAdmissionMetrics) RecordDecisionDuration(
	ctx context.Context,
	origin, resource string,
	duration time.Duration,
	outcome string,
) {
	// No-op
}
