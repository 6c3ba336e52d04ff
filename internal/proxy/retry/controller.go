package retry

import (
	"log/slog"
)

// RetryController 统一重试控制器
// 负责：错误分类、策略决策、抖动、决策日志
type RetryController struct {
	policy *Policy
	jitter JitterSource
	logger *slog.Logger
}

// NewRetryController 创建新的重试控制器，jitter 为 nil 时使用 DefaultJitter
func NewRetryController(policy *Policy, jitter JitterSource, logger *slog.Logger) *RetryController {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if jitter == nil {
		jitter = DefaultJitter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryController{policy: policy, jitter: jitter, logger: logger}
}

// Policy returns the policy the controller decides with.
func (rc *RetryController) Policy() *Policy {
	return rc.policy
}

// OnAttemptResult 处理一次尝试的结果并返回重试决策
// attempt 从0开始；err 为传输层错误，statusCode 为下游状态码
func (rc *RetryController) OnAttemptResult(requestID string, attempt, statusCode int, err error) (RetryDecision, *ErrorContext) {
	errCtx := rc.policy.Classify(statusCode, err)

	decision := rc.policy.Decide(RetryContext{
		RequestID:  requestID,
		Attempt:    attempt,
		StatusCode: statusCode,
		Error:      errCtx,
	})
	if decision.Retry {
		decision.Delay = rc.policy.ApplyJitter(decision.Delay, rc.jitter())
	}

	rc.logDecision(requestID, decision, errCtx, attempt)
	return decision, errCtx
}

// logDecision 记录重试决策日志
func (rc *RetryController) logDecision(requestID string, decision RetryDecision, errCtx *ErrorContext, attempt int) {
	attrs := []any{
		"request_id", requestID,
		"attempt", attempt + 1,
		"reason", decision.Reason,
	}
	if errCtx != nil {
		if errCtx.StatusCode > 0 {
			attrs = append(attrs, "status_code", errCtx.StatusCode)
		}
		if errCtx.Code != "" {
			attrs = append(attrs, "error_code", errCtx.Code)
		}
		if errCtx.OriginalError != nil {
			attrs = append(attrs, "error", errCtx.OriginalError.Error())
		}
	}

	switch {
	case decision.Retry:
		rc.logger.Info("🔄 [重试决策] 等待后重试", append(attrs, "delay", decision.Delay)...)
	case decision.FinalStatus == StatusCompleted:
		rc.logger.Debug("✅ [重试决策] 请求成功完成", attrs...)
	case decision.FinalStatus == StatusExhausted:
		rc.logger.Warn("❌ [重试决策] 重试次数耗尽", append(attrs, "max_retries", rc.policy.MaxRetries)...)
	default:
		rc.logger.Info("⏹️ [重试决策] 终止重试", append(attrs, "final_status", decision.FinalStatus)...)
	}
}
