package retry

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// retryKeywords 无法识别错误码时，错误信息中出现这些关键词即视为可重试
var retryKeywords = []string{"timeout", "network", "connection", "gateway"}

// ClassifyError 对传输层错误进行分类
// 识别顺序：客户端取消 -> 超时 -> 连接重置/拒绝 -> DNS；识别出错误码时以配置的错误码集合为准，
// 否则按错误信息关键词兜底
func ClassifyError(err error, retryableCodes map[string]struct{}) ErrorContext {
	ec := ErrorContext{ErrorType: ErrorTypeUnknown, OriginalError: err}
	if err == nil {
		return ec
	}

	if errors.Is(err, context.Canceled) {
		ec.ErrorType = ErrorTypeClientCancel
		return ec
	}

	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		ec.ErrorType = ErrorTypeTimeout
		ec.Code = "ETIMEDOUT"
	case errors.Is(err, syscall.ECONNRESET):
		ec.ErrorType = ErrorTypeNetwork
		ec.Code = "ECONNRESET"
	case errors.Is(err, syscall.ECONNREFUSED):
		ec.ErrorType = ErrorTypeNetwork
		ec.Code = "ECONNREFUSED"
	case errors.As(err, &dnsErr):
		ec.ErrorType = ErrorTypeDNS
		if dnsErr.IsNotFound {
			ec.Code = "ENOTFOUND"
		} else if dnsErr.IsTimeout {
			ec.Code = "ETIMEDOUT"
		}
	case errors.As(err, &netErr) && netErr.Timeout():
		ec.ErrorType = ErrorTypeTimeout
		ec.Code = "ETIMEDOUT"
	}

	if ec.Code != "" {
		_, ec.Retryable = retryableCodes[ec.Code]
		return ec
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range retryKeywords {
		if strings.Contains(msg, kw) {
			ec.Retryable = true
			if ec.ErrorType == ErrorTypeUnknown {
				ec.ErrorType = ErrorTypeNetwork
			}
			break
		}
	}
	return ec
}

// ClassifyStatus 对下游HTTP状态码进行分类
func ClassifyStatus(statusCode int, retryableStatus map[int]struct{}) ErrorContext {
	ec := ErrorContext{StatusCode: statusCode}
	switch {
	case statusCode == 429:
		ec.ErrorType = ErrorTypeRateLimit
	case statusCode == 408:
		ec.ErrorType = ErrorTypeTimeout
	case statusCode >= 500:
		ec.ErrorType = ErrorTypeServerError
	default:
		ec.ErrorType = ErrorTypeHTTP
	}
	_, ec.Retryable = retryableStatus[statusCode]
	return ec
}
