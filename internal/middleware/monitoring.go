package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ebay-forwarder/internal/breaker"
	"ebay-forwarder/internal/monitor"
	"ebay-forwarder/internal/tracking"
	"ebay-forwarder/internal/utils"
)

// MonitoringMiddleware provides health and metrics endpoints
type MonitoringMiddleware struct {
	breaker    *breaker.Breaker
	metrics    *monitor.Metrics
	requestLog *tracking.RequestLog
}

// NewMonitoringMiddleware creates a new monitoring middleware. metrics and
// requestLog may be nil.
func NewMonitoringMiddleware(br *breaker.Breaker, metrics *monitor.Metrics, requestLog *tracking.RequestLog) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		breaker:    br,
		metrics:    metrics,
		requestLog: requestLog,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status         string           `json:"status"`
	Timestamp      string           `json:"timestamp"`
	CircuitBreaker breaker.Snapshot `json:"circuit_breaker"`
	RequestLog     string           `json:"request_log"`
	Uptime         string           `json:"uptime,omitempty"`
	TotalRequests  int64            `json:"total_requests"`
	SuccessRate    string           `json:"success_rate"`
}

// RegisterHealthEndpoint registers health check endpoints
func (mm *MonitoringMiddleware) RegisterHealthEndpoint(mux *http.ServeMux) {
	mux.HandleFunc("/health", mm.handleHealth)
	mux.HandleFunc("/metrics", mm.handleMetrics)
}

// GetMetrics returns the metrics instance for TUI access
func (mm *MonitoringMiddleware) GetMetrics() *monitor.Metrics {
	return mm.metrics
}

// Health 计算当前健康状态
//   - CLOSED 且请求日志正常: healthy
//   - HALF_OPEN 或请求日志异常: degraded
//   - OPEN: unhealthy
func (mm *MonitoringMiddleware) Health(ctx context.Context) (HealthResponse, int) {
	snap := mm.breaker.Snapshot()
	resp := HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		CircuitBreaker: snap,
		RequestLog:     "disabled",
	}

	statusCode := http.StatusOK
	if mm.requestLog != nil {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := mm.requestLog.HealthCheck(ctx); err != nil {
			resp.RequestLog = "unhealthy: " + err.Error()
			resp.Status = "degraded"
		} else {
			resp.RequestLog = "healthy"
		}
	}

	switch snap.State {
	case breaker.StateOpen:
		resp.Status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case breaker.StateHalfOpen:
		resp.Status = "degraded"
	}

	if mm.metrics != nil {
		s := mm.metrics.Snapshot()
		resp.Uptime = time.Since(s.StartTime).Truncate(time.Second).String()
		resp.TotalRequests = s.TotalRequests
		resp.SuccessRate = utils.FormatPercentage(s.SuccessfulRequests, s.TotalRequests)
	}
	return resp, statusCode
}

func (mm *MonitoringMiddleware) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp, statusCode := mm.Health(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

func (mm *MonitoringMiddleware) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if mm.metrics == nil {
		http.Error(w, "Metrics disabled", http.StatusNotFound)
		return
	}
	mm.metrics.Handler().ServeHTTP(w, r)
}
