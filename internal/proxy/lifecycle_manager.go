package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"ebay-forwarder/internal/breaker"
	"ebay-forwarder/internal/events"
	"ebay-forwarder/internal/monitor"
	"ebay-forwarder/internal/tracking"
)

// LifecycleDeps 生命周期管理器共享的依赖，均可为 nil
type LifecycleDeps struct {
	RequestLog *tracking.RequestLog
	Metrics    *monitor.Metrics
	EventBus   events.EventBus
	Logger     *slog.Logger
}

// RequestLifecycleManager 请求生命周期管理器
// 负责在一次转发调用结束时统一记录指标、请求日志和事件
type RequestLifecycleManager struct {
	deps      LifecycleDeps
	requestID string
	method    string
	host      string
	path      string
	startTime time.Time
	completed atomic.Bool
}

// NewRequestLifecycleManager 创建新的请求生命周期管理器
func NewRequestLifecycleManager(deps LifecycleDeps, requestID string) *RequestLifecycleManager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &RequestLifecycleManager{
		deps:      deps,
		requestID: requestID,
		startTime: time.Now(),
	}
}

// StartRequest 记录请求目标
func (rlm *RequestLifecycleManager) StartRequest(method, target string) {
	rlm.method = method
	if u, err := url.Parse(target); err == nil {
		rlm.host = u.Host
		rlm.path = u.Path
	}
	rlm.deps.Logger.Info(fmt.Sprintf("🚀 [请求开始] [%s] %s %s%s", rlm.requestID, method, rlm.host, rlm.path))
}

// GetRequestID 获取请求ID
func (rlm *RequestLifecycleManager) GetRequestID() string {
	return rlm.requestID
}

// GetDuration 获取请求持续时间
func (rlm *RequestLifecycleManager) GetDuration() time.Duration {
	return time.Since(rlm.startTime)
}

// IsCompleted 是否已完成
func (rlm *RequestLifecycleManager) IsCompleted() bool {
	return rlm.completed.Load()
}

// CompleteRequest 请求结束的统一入口，只生效一次，返回结果分类
func (rlm *RequestLifecycleManager) CompleteRequest(resp *Response, err error, isSuccess func(int) bool, breakerState breaker.State) string {
	outcome, statusCode, attempts := classifyOutcome(resp, err, isSuccess)
	if !rlm.completed.CompareAndSwap(false, true) {
		return outcome
	}

	duration := time.Since(rlm.startTime)
	if resp != nil && resp.Duration > 0 {
		duration = resp.Duration
	}

	rlm.deps.Metrics.RecordForward(outcome, attempts, duration)

	errCode, errMsg := "", ""
	if err != nil {
		errCode = ErrorCode(err)
		errMsg = err.Error()
	}

	rlm.deps.RequestLog.Record(tracking.RequestRecord{
		RequestID:    rlm.requestID,
		Method:       rlm.method,
		Host:         rlm.host,
		Path:         rlm.path,
		StatusCode:   statusCode,
		Outcome:      outcome,
		Attempts:     attempts,
		DurationMs:   duration.Milliseconds(),
		BreakerState: breakerState.String(),
		ErrorCode:    errCode,
		ErrorMessage: errMsg,
		CreatedAt:    rlm.startTime,
	})

	if rlm.deps.EventBus != nil {
		priority := events.PriorityNormal
		if outcome != monitor.OutcomeSuccess {
			priority = events.PriorityHigh
		}
		rlm.deps.EventBus.Publish(events.Event{
			Type:     events.EventForwardCompleted,
			Source:   "lifecycle_manager",
			Priority: priority,
			Data: map[string]interface{}{
				"request_id":    rlm.requestID,
				"method":        rlm.method,
				"host":          rlm.host,
				"path":          rlm.path,
				"status_code":   statusCode,
				"outcome":       outcome,
				"attempts":      attempts,
				"duration_ms":   duration.Milliseconds(),
				"breaker_state": breakerState.String(),
				"error_code":    errCode,
			},
		})
	}

	rlm.logCompletion(outcome, statusCode, attempts, duration, err)
	return outcome
}

func (rlm *RequestLifecycleManager) logCompletion(outcome string, statusCode, attempts int, duration time.Duration, err error) {
	log := rlm.deps.Logger
	switch outcome {
	case monitor.OutcomeSuccess:
		log.Info(fmt.Sprintf("✅ [请求完成] [%s] 状态码: %d, 尝试: %d, 耗时: %dms",
			rlm.requestID, statusCode, attempts, duration.Milliseconds()))
	case monitor.OutcomeDownstreamError:
		log.Warn(fmt.Sprintf("⚠️ [下游错误] [%s] 状态码: %d (不可重试), 耗时: %dms",
			rlm.requestID, statusCode, duration.Milliseconds()))
	case monitor.OutcomeCircuitOpen:
		log.Warn(fmt.Sprintf("🚫 [熔断拒绝] [%s] %v", rlm.requestID, err))
	case monitor.OutcomeValidation:
		log.Warn(fmt.Sprintf("📝 [参数错误] [%s] %v", rlm.requestID, err))
	case monitor.OutcomeCancelled:
		log.Info(fmt.Sprintf("🛑 [请求取消] [%s] %v", rlm.requestID, err))
	default:
		log.Error(fmt.Sprintf("❌ [请求失败] [%s] 结果: %s, 尝试: %d, 耗时: %dms, 错误: %v",
			rlm.requestID, outcome, attempts, duration.Milliseconds(), err))
	}
}

// classifyOutcome maps a Forward result to an outcome label, the final status
// code and the number of attempts made.
func classifyOutcome(resp *Response, err error, isSuccess func(int) bool) (string, int, int) {
	if err == nil {
		if resp == nil {
			return monitor.OutcomeTransportError, 0, 0
		}
		if isSuccess == nil {
			isSuccess = func(code int) bool { return code < 400 }
		}
		if isSuccess(resp.StatusCode) {
			return monitor.OutcomeSuccess, resp.StatusCode, resp.Attempts
		}
		return monitor.OutcomeDownstreamError, resp.StatusCode, resp.Attempts
	}

	var (
		validationErr *ValidationError
		openErr       *CircuitOpenError
		exhaustedErr  *ExhaustedRetriesError
		timeoutErr    *TimeoutError
		malformed     *malformedRequestError
		tooLarge      *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &malformed), errors.As(err, &tooLarge):
		return monitor.OutcomeValidation, 0, 0
	case errors.As(err, &openErr):
		return monitor.OutcomeCircuitOpen, 0, 0
	case errors.As(err, &exhaustedErr):
		status := 0
		if exhaustedErr.LastResponse != nil {
			status = exhaustedErr.LastResponse.StatusCode
		}
		return monitor.OutcomeExhausted, status, exhaustedErr.Attempts
	case errors.As(err, &timeoutErr) && timeoutErr.Overall:
		return monitor.OutcomeCancelled, 0, 0
	default:
		return monitor.OutcomeTransportError, 0, 1
	}
}

// NewBreakerStateHook 熔断器状态变化回调：发布事件、更新指标并记录日志
func NewBreakerStateHook(bus events.EventBus, metrics *monitor.Metrics, logger *slog.Logger) func(breaker.Transition) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(tr breaker.Transition) {
		metrics.RecordBreakerTransition(tr.From.String(), tr.To.String(), int(tr.To))

		switch tr.To {
		case breaker.StateOpen:
			logger.Error(fmt.Sprintf("🔴 [熔断器] %s -> %s, 连续失败: %d, 恢复探测时间: %s",
				tr.From, tr.To, tr.FailureCount, tr.OpenUntil.Format("15:04:05")))
		case breaker.StateHalfOpen:
			logger.Warn(fmt.Sprintf("🟡 [熔断器] %s -> %s, 允许一个探测请求", tr.From, tr.To))
		default:
			logger.Info(fmt.Sprintf("🟢 [熔断器] %s -> %s, 已恢复", tr.From, tr.To))
		}

		if bus == nil {
			return
		}
		data := map[string]interface{}{
			"from":          tr.From.String(),
			"to":            tr.To.String(),
			"failure_count": tr.FailureCount,
			"at":            tr.At,
		}
		if !tr.OpenUntil.IsZero() {
			data["open_until"] = tr.OpenUntil
		}
		bus.Publish(events.Event{
			Type:     events.EventBreakerStateChanged,
			Source:   "circuit_breaker",
			Priority: events.PriorityHigh,
			Data:     data,
		})
	}
}
