package monitor

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Forward outcomes used as metric labels and in request summaries.
const (
	OutcomeSuccess         = "success"
	OutcomeDownstreamError = "downstream_error" // non-retryable status passed through
	OutcomeExhausted       = "exhausted"
	OutcomeCircuitOpen     = "circuit_open"
	OutcomeValidation      = "validation_error"
	OutcomeTransportError  = "transport_error"
	OutcomeCancelled       = "cancelled"
)

// Attempt results.
const (
	AttemptSuccess      = "success"
	AttemptRetryable    = "retryable"
	AttemptNonRetryable = "non_retryable"
)

// maxResponseSamples bounds the in-memory response time window.
const maxResponseSamples = 1000

// Metrics contains all monitoring metrics: prometheus instruments on a
// dedicated registry plus in-memory counters for the dashboard and admin API.
type Metrics struct {
	registry *prometheus.Registry

	forwards          *prometheus.CounterVec
	forwardDuration   *prometheus.HistogramVec
	attempts          *prometheus.CounterVec
	attemptsPerCall   prometheus.Histogram
	backoffDelay      prometheus.Histogram
	breakerState      prometheus.Gauge
	breakerTransition *prometheus.CounterVec

	mu                sync.RWMutex
	totalRequests     int64
	outcomes          map[string]int64
	totalAttempts     int64
	retries           int64
	measured          int64
	totalResponseTime time.Duration
	minResponseTime   time.Duration
	maxResponseTime   time.Duration
	responseTimes     []time.Duration
	breakerTrips      int64
	startTime         time.Time
}

// Snapshot is a copy of the in-memory counters.
type Snapshot struct {
	TotalRequests       int64            `json:"total_requests"`
	SuccessfulRequests  int64            `json:"successful_requests"`
	FailedRequests      int64            `json:"failed_requests"`
	Outcomes            map[string]int64 `json:"outcomes"`
	TotalAttempts       int64            `json:"total_attempts"`
	Retries             int64            `json:"retries"`
	BreakerTrips        int64            `json:"breaker_trips"`
	AverageResponseTime time.Duration    `json:"average_response_time"`
	MinResponseTime     time.Duration    `json:"min_response_time"`
	MaxResponseTime     time.Duration    `json:"max_response_time"`
	P95ResponseTime     time.Duration    `json:"p95_response_time"`
	SuccessRate         float64          `json:"success_rate"`
	StartTime           time.Time        `json:"start_time"`
}

// NewMetrics creates the metrics set under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		forwards: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "Forwarded calls by final outcome.",
		}, []string{"outcome"}),
		forwardDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "End-to-end forward duration including retries and backoff.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Individual downstream attempts by result.",
		}, []string{"result"}),
		attemptsPerCall: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempts_per_forward",
			Help:      "Number of attempts made per forwarded call.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		backoffDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_delay_seconds",
			Help:      "Backoff delay applied before a retry, jitter included.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 12.5},
		}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
		breakerTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"from", "to"}),
		outcomes:  make(map[string]int64),
		startTime: time.Now(),
	}
}

// RecordForward records the final outcome of one forwarded call.
func (m *Metrics) RecordForward(outcome string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	m.forwards.WithLabelValues(outcome).Inc()
	m.forwardDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if attempts > 0 {
		m.attemptsPerCall.Observe(float64(attempts))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.outcomes[outcome]++
	if attempts > 1 {
		m.retries += int64(attempts - 1)
	}
	if attempts == 0 {
		return
	}
	m.measured++
	m.totalResponseTime += duration
	if m.minResponseTime == 0 || duration < m.minResponseTime {
		m.minResponseTime = duration
	}
	if duration > m.maxResponseTime {
		m.maxResponseTime = duration
	}
	m.responseTimes = append(m.responseTimes, duration)
	if len(m.responseTimes) > maxResponseSamples {
		m.responseTimes = m.responseTimes[len(m.responseTimes)-maxResponseSamples:]
	}
}

// RecordAttempt records one downstream attempt.
func (m *Metrics) RecordAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
	m.mu.Lock()
	m.totalAttempts++
	m.mu.Unlock()
}

// RecordBackoff records a backoff delay before a retry.
func (m *Metrics) RecordBackoff(d time.Duration) {
	if m == nil {
		return
	}
	m.backoffDelay.Observe(d.Seconds())
}

// RecordBreakerTransition records a breaker state change. state is the
// numeric value of the new state.
func (m *Metrics) RecordBreakerTransition(from, to string, state int) {
	if m == nil {
		return
	}
	m.breakerTransition.WithLabelValues(from, to).Inc()
	m.breakerState.Set(float64(state))
	if to == "OPEN" {
		m.mu.Lock()
		m.breakerTrips++
		m.mu.Unlock()
	}
}

// Snapshot returns a copy of the in-memory counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{Outcomes: map[string]int64{}}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.outcomes[OutcomeSuccess],
		Outcomes:           make(map[string]int64, len(m.outcomes)),
		TotalAttempts:      m.totalAttempts,
		Retries:            m.retries,
		BreakerTrips:       m.breakerTrips,
		MinResponseTime:    m.minResponseTime,
		MaxResponseTime:    m.maxResponseTime,
		P95ResponseTime:    percentile(m.responseTimes, 0.95),
		StartTime:          m.startTime,
	}
	for k, v := range m.outcomes {
		s.Outcomes[k] = v
	}
	s.FailedRequests = s.TotalRequests - s.SuccessfulRequests
	if m.measured > 0 {
		s.AverageResponseTime = m.totalResponseTime / time.Duration(m.measured)
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(s.SuccessfulRequests) / float64(s.TotalRequests) * 100
	}
	return s
}

// Registry exposes the dedicated prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted))*p+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
