package retry

// ErrorType 错误类型
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeNetwork
	ErrorTypeTimeout
	ErrorTypeHTTP
	ErrorTypeServerError
	ErrorTypeRateLimit
	ErrorTypeDNS
	ErrorTypeClientCancel
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNetwork:
		return "网络"
	case ErrorTypeTimeout:
		return "超时"
	case ErrorTypeHTTP:
		return "HTTP"
	case ErrorTypeServerError:
		return "服务器"
	case ErrorTypeRateLimit:
		return "限流"
	case ErrorTypeDNS:
		return "DNS"
	case ErrorTypeClientCancel:
		return "客户端取消"
	default:
		return "未知"
	}
}

// ErrorContext 单次尝试失败的分类结果
type ErrorContext struct {
	ErrorType     ErrorType
	Code          string // ECONNRESET / ETIMEDOUT / ENOTFOUND 等，无法识别时为空
	StatusCode    int    // HTTP 层失败时的状态码
	Retryable     bool
	OriginalError error
}

// RetryContext 重试上下文信息
type RetryContext struct {
	RequestID  string
	Attempt    int // 从0开始
	StatusCode int // 传输层失败时为0
	Error      *ErrorContext
}
