package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ebay-forwarder/internal/events"
	"ebay-forwarder/internal/tracking"
	"ebay-forwarder/internal/utils"
)

const (
	defaultRequestsLimit = 50
	maxRequestsLimit     = 1000
	queryTimeout         = 10 * time.Second
)

func (ws *WebServer) statusData() map[string]interface{} {
	cfg := ws.config.Load()
	snap := ws.deps.Breaker.Snapshot()
	return map[string]interface{}{
		"status":          "running",
		"uptime":          formatUptime(time.Since(ws.startTime)),
		"start_time":      ws.startTime.In(ws.location.Load()).Format("2006-01-02 15:04:05"),
		"config_file":     ws.configPath,
		"circuit_breaker": snap.StateName,
		"server": map[string]interface{}{
			"host":       cfg.Server.Host,
			"proxy_port": cfg.Server.Port,
			"web_port":   cfg.Web.Port,
		},
		"auth_enabled":        cfg.Auth.Enabled,
		"proxy_enabled":       cfg.Proxy.Enabled,
		"request_log_enabled": ws.deps.RequestLog != nil,
		"metrics_enabled":     ws.deps.Metrics != nil,
	}
}

// handleStatus 服务状态
func (ws *WebServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, ws.statusData())
}

// handleConfig 返回生效中的重试与熔断配置，不含鉴权信息
func (ws *WebServer) handleConfig(c *gin.Context) {
	cfg := ws.config.Load()
	retryCfg := map[string]interface{}{
		"max_retries":     cfg.Retry.MaxRetries,
		"base_delay":      cfg.Retry.BaseDelay.String(),
		"max_delay":       cfg.Retry.MaxDelay.String(),
		"multiplier":      cfg.Retry.Multiplier,
		"jitter_factor":   cfg.Retry.JitterFactor,
		"attempt_timeout": cfg.Retry.AttemptTimeout.String(),
	}
	if ws.deps.Forwarder != nil {
		p := ws.deps.Forwarder.Policy()
		retryCfg["max_retries"] = p.MaxRetries
		retryCfg["base_delay"] = p.BaseDelay.String()
		retryCfg["max_delay"] = p.MaxDelay.String()
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"retry": retryCfg,
		"circuit_breaker": map[string]interface{}{
			"failure_threshold": cfg.CircuitBreaker.FailureThreshold,
			"open_duration":     cfg.CircuitBreaker.OpenDuration.String(),
		},
		"allowed_hosts": cfg.Forwarder.AllowedHosts,
		"timezone":      cfg.Timezone,
	})
}

// handleBreaker 熔断器当前状态
func (ws *WebServer) handleBreaker(c *gin.Context) {
	snap := ws.deps.Breaker.Snapshot()
	resp := map[string]interface{}{
		"state":         snap.StateName,
		"failure_count": snap.FailureCount,
		"probe_active":  snap.ProbeActive,
	}
	if !snap.OpenUntil.IsZero() {
		resp["open_until"] = snap.OpenUntil.In(ws.location.Load()).Format(time.RFC3339)
		if remaining := time.Until(snap.OpenUntil); remaining > 0 {
			resp["retry_after"] = utils.RetryAfterSeconds(remaining)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleBreakerReset 手动将熔断器恢复为 CLOSED
func (ws *WebServer) handleBreakerReset(c *gin.Context) {
	before := ws.deps.Breaker.Snapshot()
	ws.deps.Breaker.Reset()

	ws.logger.Warn("🔧 熔断器已通过管理API手动重置", "previous_state", before.StateName, "client_ip", c.ClientIP())
	if ws.deps.EventBus != nil {
		ws.deps.EventBus.Publish(events.Event{
			Type:     events.EventBreakerReset,
			Source:   "web",
			Priority: events.PriorityHigh,
			Data: map[string]interface{}{
				"from":          before.StateName,
				"to":            ws.deps.Breaker.Snapshot().StateName,
				"failure_count": before.FailureCount,
			},
		})
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"success":        true,
		"message":        "熔断器已重置",
		"previous_state": before.StateName,
		"state":          ws.deps.Breaker.Snapshot().StateName,
	})
}

// handleRequests 查询请求日志
// 参数: start_date, end_date, outcome, host, limit, offset
func (ws *WebServer) handleRequests(c *gin.Context) {
	if ws.deps.RequestLog == nil {
		c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"error": "Request log is not enabled",
		})
		return
	}

	opts, err := ws.parseQueryOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	records, err := ws.deps.RequestLog.QueryRequests(ctx, opts)
	if err != nil {
		ws.logger.Error("❌ 查询请求日志失败", "error", err)
		c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	total, err := ws.deps.RequestLog.CountRequests(ctx, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}

	loc := ws.location.Load()
	for i := range records {
		records[i].CreatedAt = records[i].CreatedAt.In(loc)
	}
	if records == nil {
		records = []tracking.RequestRecord{}
	}

	c.JSON(http.StatusOK, map[string]interface{}{
		"requests": records,
		"total":    total,
		"limit":    opts.Limit,
		"offset":   opts.Offset,
	})
}

// handleStats 内存指标 + 请求日志汇总
func (ws *WebServer) handleStats(c *gin.Context) {
	resp := map[string]interface{}{}

	if ws.deps.Metrics != nil {
		s := ws.deps.Metrics.Snapshot()
		resp["live"] = map[string]interface{}{
			"total_requests":        s.TotalRequests,
			"successful_requests":   s.SuccessfulRequests,
			"failed_requests":       s.FailedRequests,
			"outcomes":              s.Outcomes,
			"total_attempts":        s.TotalAttempts,
			"retries":               s.Retries,
			"breaker_trips":         s.BreakerTrips,
			"success_rate":          utils.FormatPercentage(s.SuccessfulRequests, s.TotalRequests),
			"average_response_time": utils.FormatResponseTime(s.AverageResponseTime),
			"p95_response_time":     utils.FormatResponseTime(s.P95ResponseTime),
			"max_response_time":     utils.FormatResponseTime(s.MaxResponseTime),
		}
	}

	if ws.deps.RequestLog != nil {
		opts, err := ws.parseQueryOptions(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
		defer cancel()

		summary, err := ws.deps.RequestLog.Summary(ctx, opts)
		if err != nil {
			ws.logger.Error("❌ 汇总请求日志失败", "error", err)
			c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
			return
		}
		resp["history"] = summary
		resp["request_log_dropped"] = ws.deps.RequestLog.Dropped()
	}

	if ws.deps.EventBus != nil {
		resp["event_bus"] = ws.deps.EventBus.GetStats()
	}
	c.JSON(http.StatusOK, resp)
}

func (ws *WebServer) parseQueryOptions(c *gin.Context) (*tracking.QueryOptions, error) {
	opts := &tracking.QueryOptions{
		Outcome: c.Query("outcome"),
		Host:    c.Query("host"),
		Limit:   defaultRequestsLimit,
	}
	loc := ws.location.Load()

	if v := c.Query("start_date"); v != "" {
		t, err := parseTimeString(v, loc)
		if err != nil {
			return nil, err
		}
		opts.StartTime = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := parseTimeString(v, loc)
		if err != nil {
			return nil, err
		}
		opts.EndTime = &t
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = min(n, maxRequestsLimit)
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts, nil
}
