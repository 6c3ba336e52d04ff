package retry

import "time"

// 最终状态
const (
	StatusCompleted = "completed" // 请求成功
	StatusExhausted = "exhausted" // 可重试错误耗尽重试次数
	StatusError     = "error"     // 不可重试的下游错误
	StatusCancelled = "cancelled" // 调用方取消或超出整体截止时间
)

// RetryDecision 重试决策结果
type RetryDecision struct {
	Retry           bool          // 是否继续重试
	Delay           time.Duration // 重试前的等待时间（已含抖动）
	FinalStatus     string        // 若终止，应记录的最终状态
	CountsAsFailure bool          // 是否计入熔断器失败次数
	Reason          string        // 决策原因（用于日志）
}
