package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertMetricLine checks that the Prometheus output contains a metric matching
// the given name, partial label pattern, and value. Uses regex to handle extra
// OTel scope labels injected by the Prometheus exporter.
func assertMetricLine(t *testing.T, output, name, labels, value string) {
	t.Helper()
	pattern := name + `\{[^}]*` + labels + `[^}]*\} ` + value
	assert.Regexp(t, pattern, output)
}

func TestNewAdmissionMetrics(t *testing.T) {
	t.Run("Success_CreateAdmissionMetrics", func(t *testing.T) {
		provider, err := NewProvider("test_app")
		require.NoError(t, err)

		admissionMetrics, err := NewAdmissionMetrics(provider.MeterProvider(), "test_app")

		require.NoError(t, err)
		assert.NotNil(t, admissionMetrics)
	})
}

func TestAdmissionMetrics_RecordDecision(t *testing.T) {
	provider, err := NewProvider("test_app")
	require.NoError(t, err)

	am, err := NewAdmissionMetrics(provider.MeterProvider(), "test_app")
	require.NoError(t, err)

	t.Run("Success_RecordAdmitted", func(t *testing.T) {
		// Should not panic
		am.RecordDecision(context.Background(), "crud", "articles", "admitted", 0)
	})

	t.Run("Success_RecordDenied", func(t *testing.T) {
		// Should not panic
		am.RecordDecision(context.Background(), "crud", "articles", "denied", 2001)
	})

	t.Run("Success_RecordMultipleOrigins", func(t *testing.T) {
		am.RecordDecision(context.Background(), "crud", "articles", "admitted", 0)
		am.RecordDecision(context.Background(), "cmd", "publish", "denied", 2006)
	})
}

func TestAdmissionMetrics_RecordDecisionDuration(t *testing.T) {
	provider, err := NewProvider("test_app")
	require.NoError(t, err)

	am, err := NewAdmissionMetrics(provider.MeterProvider(), "test_app")
	require.NoError(t, err)

	t.Run("Success_RecordAdmittedDuration", func(t *testing.T) {
		// Should not panic
		am.RecordDecisionDuration(context.Background(), "crud", "articles", 3*time.Millisecond, "admitted")
	})

	t.Run("Success_RecordDeniedDuration", func(t *testing.T) {
		// Should not panic
		am.RecordDecisionDuration(context.Background(), "cmd", "publish", 5*time.Millisecond, "denied")
	})
}

func TestNewNoOpAdmissionMetrics(t *testing.T) {
	noOpMetrics := NewNoOpAdmissionMetrics()

	assert.NotNil(t, noOpMetrics)
	assert.IsType(t, &NoOpAdmissionMetrics{}, noOpMetrics)

	t.Run("NoOp_RecordDecisionDoesNotPanic", func(t *testing.T) {
		noOpMetrics.RecordDecision(context.Background(), "crud", "articles", "admitted", 0)
		noOpMetrics.RecordDecision(context.Background(), "cmd", "publish", "denied", 2004)
	})

	t.Run("NoOp_RecordDecisionDurationDoesNotPanic", func(t *testing.T) {
		noOpMetrics.RecordDecisionDuration(context.Background(), "crud", "articles", 1*time.Millisecond, "admitted")
	})
}

func TestAdmissionMetrics_Integration(t *testing.T) {
	provider, err := NewProvider("integration_test")
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, provider.Shutdown(context.Background()))
	}()

	am, err := NewAdmissionMetrics(provider.MeterProvider(), "integration_test")
	require.NoError(t, err)

	ctx := context.Background()

	am.RecordDecision(ctx, "crud", "articles", "admitted", 0)
	am.RecordDecision(ctx, "crud", "articles", "admitted", 0)
	am.RecordDecision(ctx, "crud", "articles", "denied", 2001)
	am.RecordDecision(ctx, "cmd", "publish", "denied", 2006)

	am.RecordDecisionDuration(ctx, "crud", "articles", 2*time.Millisecond, "admitted")
	am.RecordDecisionDuration(ctx, "crud", "articles", 3*time.Millisecond, "admitted")
	am.RecordDecisionDuration(ctx, "crud", "articles", 1*time.Millisecond, "denied")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	provider.Handler().ServeHTTP(w, req)

	output := w.Body.String()

	assertMetricLine(
		t,
		output,
		`integration_test_admission_decisions_total`,
		`code="0".*origin="crud".*outcome="admitted".*resource="articles"`,
		`2`,
	)
	assertMetricLine(
		t,
		output,
		`integration_test_admission_decisions_total`,
		`code="2001".*origin="crud".*outcome="denied".*resource="articles"`,
		`1`,
	)
	assertMetricLine(
		t,
		output,
		`integration_test_admission_decisions_total`,
		`code="2006".*origin="cmd".*outcome="denied".*resource="publish"`,
		`1`,
	)

	assertMetricLine(
		t,
		output,
		`integration_test_admission_duration_seconds_count`,
		`origin="crud".*outcome="admitted".*resource="articles"`,
		`2`,
	)
	assertMetricLine(
		t,
		output,
		`integration_test_admission_duration_seconds_sum`,
		`origin="crud".*outcome="admitted".*resource="articles"`,
		``,
	)
}
