package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ebay-forwarder/internal/proxy/retry"
)

// ValidationError 请求描述不合法，不会重试也不会影响熔断器
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// CircuitOpenError 熔断器打开，请求未发出
type CircuitOpenError struct {
	State      string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is %s, retry after %s", e.State, e.RetryAfter.Round(time.Millisecond))
}

// TimeoutError 单次尝试超时（可重试），或调用方的截止时间已过（Overall）
type TimeoutError struct {
	Timeout time.Duration
	Overall bool
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Overall {
		return fmt.Sprintf("request deadline exceeded: %v", e.Err)
	}
	return fmt.Sprintf("attempt timed out after %s: %v", e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransportError 传输层失败（连接、DNS、读取响应体等）
type TransportError struct {
	Code      string // ECONNRESET / ETIMEDOUT / ENOTFOUND ...
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExhaustedRetriesError 可重试失败耗尽重试次数
// LastResponse 与 LastErr 二者之一非空
type ExhaustedRetriesError struct {
	Attempts     int
	LastResponse *Response
	LastErr      error
}

func (e *ExhaustedRetriesError) Error() string {
	if e.LastResponse != nil {
		return fmt.Sprintf("retries exhausted after %d attempts: last status %d", e.Attempts, e.LastResponse.StatusCode)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.LastErr }

// ErrorCode extracts the transport error code carried by err, if any.
func ErrorCode(err error) string {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	var toe *TimeoutError
	if errors.As(err, &toe) {
		return "ETIMEDOUT"
	}
	return ""
}

// IsRetryable reports whether err describes a failure the forwarder would retry.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	var ee *ExhaustedRetriesError
	var toe *TimeoutError
	var coe *CircuitOpenError
	return errors.As(err, &ee) || errors.As(err, &coe) || (errors.As(err, &toe) && !toe.Overall)
}

// wrapTransportError converts a classified attempt error into a TransportError.
func wrapTransportError(err error, ec *retry.ErrorContext) error {
	if err == nil {
		return nil
	}
	var toe *TimeoutError
	if errors.As(err, &toe) {
		return err
	}
	if ec == nil {
		return &TransportError{Err: err}
	}
	return &TransportError{Code: ec.Code, Retryable: ec.Retryable, Err: err}
}

// callerGaveUp reports whether ctx (the caller's context) is done.
func callerGaveUp(ctx context.Context) bool {
	return ctx.Err() != nil
}
