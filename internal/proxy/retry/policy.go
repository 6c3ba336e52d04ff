package retry

import (
	"math"
	"time"

	"ebay-forwarder/config"
)

// 默认参数，与 config.setDefaults 保持一致
const (
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 10 * time.Second
	DefaultMultiplier     = 2.0
	DefaultJitterFactor   = 0.25
	DefaultAttemptTimeout = 30 * time.Second
)

// Policy 默认重试策略实现
// 构造后不再修改，配置热重载时重新构造
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFactor   float64
	AttemptTimeout time.Duration

	retryableStatus map[int]struct{}
	retryableCodes  map[string]struct{}

	// IsSuccess 判断响应是否成功，默认 status < 400
	IsSuccess func(statusCode int) bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() *Policy {
	return NewPolicy(config.RetryConfig{
		MaxRetries:           config.DefaultMaxRetries,
		BaseDelay:            DefaultBaseDelay,
		MaxDelay:             DefaultMaxDelay,
		Multiplier:           DefaultMultiplier,
		JitterFactor:         DefaultJitterFactor,
		AttemptTimeout:       DefaultAttemptTimeout,
		RetryableStatusCodes: []int{502, 503, 504, 408, 429},
		RetryableErrorCodes:  []string{"ECONNRESET", "ETIMEDOUT", "ENOTFOUND"},
	})
}

// NewPolicy 从配置构造重试策略，未配置的字段使用默认值
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{
		MaxRetries:      cfg.MaxRetries,
		BaseDelay:       cfg.BaseDelay,
		MaxDelay:        cfg.MaxDelay,
		Multiplier:      cfg.Multiplier,
		JitterFactor:    cfg.JitterFactor,
		AttemptTimeout:  cfg.AttemptTimeout,
		retryableStatus: make(map[int]struct{}, len(cfg.RetryableStatusCodes)),
		retryableCodes:  make(map[string]struct{}, len(cfg.RetryableErrorCodes)),
		IsSuccess:       func(statusCode int) bool { return statusCode < 400 },
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		p.JitterFactor = DefaultJitterFactor
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	for _, code := range cfg.RetryableStatusCodes {
		p.retryableStatus[code] = struct{}{}
	}
	for _, code := range cfg.RetryableErrorCodes {
		p.retryableCodes[code] = struct{}{}
	}
	return p
}

// IsRetryableStatus reports whether statusCode is in the retryable set.
func (p *Policy) IsRetryableStatus(statusCode int) bool {
	_, ok := p.retryableStatus[statusCode]
	return ok
}

// Classify 对一次尝试的结果进行分类；成功时返回 nil
func (p *Policy) Classify(statusCode int, err error) *ErrorContext {
	if err != nil {
		ec := ClassifyError(err, p.retryableCodes)
		return &ec
	}
	if p.IsSuccess(statusCode) {
		return nil
	}
	ec := ClassifyStatus(statusCode, p.retryableStatus)
	return &ec
}

// Decide 根据重试上下文返回重试决策（Delay 不含抖动）
func (p *Policy) Decide(ctx RetryContext) RetryDecision {
	if ctx.Error == nil {
		return RetryDecision{
			FinalStatus: StatusCompleted,
			Reason:      "请求成功完成",
		}
	}

	if ctx.Error.ErrorType == ErrorTypeClientCancel {
		return RetryDecision{
			FinalStatus: StatusCancelled,
			Reason:      "客户端取消请求，立即停止",
		}
	}

	if !ctx.Error.Retryable {
		return RetryDecision{
			FinalStatus: StatusError,
			Reason:      ctx.Error.ErrorType.String() + "错误不可重试",
		}
	}

	if ctx.Attempt >= p.MaxRetries {
		return RetryDecision{
			FinalStatus:     StatusExhausted,
			CountsAsFailure: true,
			Reason:          ctx.Error.ErrorType.String() + "错误重试达到上限",
		}
	}

	return RetryDecision{
		Retry:  true,
		Delay:  p.Backoff(ctx.Attempt),
		Reason: ctx.Error.ErrorType.String() + "错误，等待后重试",
	}
}

// Backoff 计算第 attempt 次失败后的指数退避延迟（不含抖动）
// 算法：min(baseDelay * multiplier^attempt, maxDelay)，attempt 从0开始
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// ApplyJitter 在 delay 上叠加 ±JitterFactor 的均匀抖动，r 取值 [0,1)
func (p *Policy) ApplyJitter(delay time.Duration, r float64) time.Duration {
	if p.JitterFactor == 0 || delay <= 0 {
		return delay
	}
	offset := float64(delay) * p.JitterFactor * (2*r - 1)
	jittered := time.Duration(float64(delay) + offset)
	if jittered < 0 {
		return 0
	}
	return jittered
}
