package monitor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordForward(t *testing.T) {
	m := NewMetrics("test")

	m.RecordForward(OutcomeSuccess, 1, 100*time.Millisecond)
	m.RecordForward(OutcomeSuccess, 3, 300*time.Millisecond)
	m.RecordForward(OutcomeExhausted, 4, 500*time.Millisecond)
	m.RecordForward(OutcomeCircuitOpen, 0, 0)

	s := m.Snapshot()
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(2), s.SuccessfulRequests)
	assert.Equal(t, int64(2), s.FailedRequests)
	assert.Equal(t, int64(5), s.Retries)
	assert.Equal(t, int64(1), s.Outcomes[OutcomeCircuitOpen])
	assert.Equal(t, 300*time.Millisecond, s.AverageResponseTime)
	assert.Equal(t, 100*time.Millisecond, s.MinResponseTime)
	assert.Equal(t, 500*time.Millisecond, s.MaxResponseTime)
	assert.Equal(t, 500*time.Millisecond, s.P95ResponseTime)
	assert.InDelta(t, 50.0, s.SuccessRate, 0.001)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.forwards.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.forwards.WithLabelValues(OutcomeExhausted)))
}

func TestMetrics_AttemptsAndBreaker(t *testing.T) {
	m := NewMetrics("test")

	m.RecordAttempt(AttemptRetryable)
	m.RecordAttempt(AttemptRetryable)
	m.RecordAttempt(AttemptSuccess)
	m.RecordBackoff(time.Second)
	m.RecordBreakerTransition("CLOSED", "OPEN", 1)
	m.RecordBreakerTransition("OPEN", "HALF_OPEN", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues(AttemptRetryable)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerTransition.WithLabelValues("CLOSED", "OPEN")))

	s := m.Snapshot()
	assert.Equal(t, int64(3), s.TotalAttempts)
	assert.Equal(t, int64(1), s.BreakerTrips)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordForward(OutcomeSuccess, 1, time.Second)
		m.RecordAttempt(AttemptSuccess)
		m.RecordBackoff(time.Second)
		m.RecordBreakerTransition("CLOSED", "OPEN", 1)
		_ = m.Snapshot()
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("ebay_forwarder")
	m.RecordForward(OutcomeSuccess, 1, 10*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `ebay_forwarder_forwards_total{outcome="success"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 0.95))
	samples := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		samples = append(samples, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 95*time.Millisecond, percentile(samples, 0.95))
	assert.Equal(t, 100*time.Millisecond, samples[0], "input not mutated")
}
