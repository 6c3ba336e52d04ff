package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"ebay-forwarder/internal/breaker"
	"ebay-forwarder/internal/monitor"
	"ebay-forwarder/internal/proxy/response"
	"ebay-forwarder/internal/proxy/retry"
	"ebay-forwarder/internal/utils"
)

const defaultUserAgent = "ebay-forwarder/1.0"

// supportedMethods 允许转发的HTTP方法
var supportedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// RequestDescriptor 一次转发调用的请求描述，调用期间不可变
type RequestDescriptor struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response 下游响应，在单次尝试的截止时间内完整读取
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

// normalize validates the descriptor and returns the upper-cased method and
// the parsed target URL.
func (d RequestDescriptor) normalize() (string, *url.URL, error) {
	if strings.TrimSpace(d.URL) == "" {
		return "", nil, &ValidationError{Field: "url", Message: "URL is required"}
	}
	target, err := url.Parse(d.URL)
	if err != nil {
		return "", nil, &ValidationError{Field: "url", Message: err.Error()}
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return "", nil, &ValidationError{Field: "url", Message: "URL must be absolute http(s)"}
	}
	if target.Host == "" {
		return "", nil, &ValidationError{Field: "url", Message: "URL host is missing"}
	}

	method := strings.ToUpper(strings.TrimSpace(d.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !supportedMethods[method] {
		return "", nil, &ValidationError{Field: "method", Message: "unsupported method " + method}
	}
	if (method == http.MethodGet || method == http.MethodHead) && len(d.Body) > 0 {
		return "", nil, &ValidationError{Field: "body", Message: method + " requests cannot carry a body"}
	}
	return method, target, nil
}

// Forwarder 带重试、指数退避和熔断的出站请求包装器
type Forwarder struct {
	client     *http.Client
	breaker    *breaker.Breaker
	controller atomic.Pointer[retry.RetryController]
	clock      retry.Clock
	jitter     retry.JitterSource
	processor  *response.Processor
	metrics    *monitor.Metrics
	logger     *slog.Logger
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithClock injects the clock used for backoff sleeps and durations.
func WithClock(c retry.Clock) Option {
	return func(f *Forwarder) { f.clock = c }
}

// WithJitter injects the jitter source.
func WithJitter(j retry.JitterSource) Option {
	return func(f *Forwarder) { f.jitter = j }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) { f.client = c }
}

// WithTransport builds the client around t.
func WithTransport(t http.RoundTripper) Option {
	return func(f *Forwarder) { f.client = &http.Client{Transport: t} }
}

// WithMetrics records attempts, backoff and outcomes.
func WithMetrics(m *monitor.Metrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// WithMaxBodySize limits the downstream body size read per attempt.
func WithMaxBodySize(n int64) Option {
	return func(f *Forwarder) { f.processor = response.NewProcessor(n) }
}

// NewForwarder creates a forwarder guarded by br.
func NewForwarder(policy *retry.Policy, br *breaker.Breaker, opts ...Option) *Forwarder {
	f := &Forwarder{
		client:    &http.Client{},
		breaker:   br,
		clock:     retry.RealClock{},
		processor: response.NewProcessor(0),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.breaker == nil {
		f.breaker = breaker.New(5, time.Minute)
	}
	f.controller.Store(retry.NewRetryController(policy, f.jitter, f.logger))
	return f
}

// UpdatePolicy swaps the retry policy used by subsequent calls.
func (f *Forwarder) UpdatePolicy(policy *retry.Policy) {
	f.controller.Store(retry.NewRetryController(policy, f.jitter, f.logger))
}

// Policy returns the retry policy currently in effect.
func (f *Forwarder) Policy() *retry.Policy {
	return f.controller.Load().Policy()
}

// Breaker returns the breaker guarding this forwarder.
func (f *Forwarder) Breaker() *breaker.Breaker {
	return f.breaker
}

// Forward 执行一次转发调用：熔断检查 -> 尝试循环（退避重试）-> 熔断记账
//
// 成功或不可重试的HTTP响应返回 (*Response, nil)；其它情况返回错误：
// *ValidationError, *CircuitOpenError, *ExhaustedRetriesError,
// *TimeoutError（调用方截止时间）或 *TransportError。
func (f *Forwarder) Forward(ctx context.Context, desc RequestDescriptor) (*Response, error) {
	method, target, err := desc.normalize()
	if err != nil {
		return nil, err
	}
	requestID := utils.RequestID(ctx)

	ticket, err := f.breaker.Allow()
	if err != nil {
		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			f.logger.Warn("🚫 [熔断] 熔断器未关闭，快速失败",
				"request_id", requestID,
				"state", openErr.State.String(),
				"retry_after", openErr.RetryAfter)
			return nil, &CircuitOpenError{State: openErr.State.String(), RetryAfter: openErr.RetryAfter}
		}
		return nil, err
	}
	if ticket.IsProbe() {
		f.logger.Info("🔍 [熔断] 半开状态，放行探测请求", "request_id", requestID, "target", target.Host)
	}

	controller := f.controller.Load()
	policy := controller.Policy()
	start := f.clock.Now()

	for attempt := 0; ; attempt++ {
		attemptStart := f.clock.Now()
		resp, attemptErr := f.doAttempt(ctx, method, target, desc.Headers, desc.Body, policy.AttemptTimeout)
		if attemptErr != nil && callerGaveUp(ctx) {
			f.breaker.OnNeutral(ticket)
			return nil, &TimeoutError{Overall: true, Err: ctx.Err()}
		}

		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		decision, errCtx := controller.OnAttemptResult(requestID, attempt, statusCode, attemptErr)
		f.recordAttempt(errCtx)
		f.logger.Debug("📡 [尝试] 下游尝试完成",
			"request_id", requestID,
			"attempt", attempt+1,
			"status_code", statusCode,
			"elapsed", utils.FormatResponseTime(f.clock.Now().Sub(attemptStart)))

		if decision.Retry {
			f.metrics.RecordBackoff(decision.Delay)
			if err := f.clock.Sleep(ctx, decision.Delay); err != nil {
				f.breaker.OnNeutral(ticket)
				return nil, &TimeoutError{Overall: true, Err: err}
			}
			continue
		}

		attempts := attempt + 1
		if resp != nil {
			resp.Attempts = attempts
			resp.Duration = f.clock.Now().Sub(start)
		}

		switch {
		case decision.FinalStatus == retry.StatusCompleted:
			f.breaker.OnSuccess(ticket)
			return resp, nil

		case decision.CountsAsFailure:
			f.breaker.OnFailure(ticket)
			return nil, &ExhaustedRetriesError{
				Attempts:     attempts,
				LastResponse: resp,
				LastErr:      wrapTransportError(attemptErr, errCtx),
			}

		default:
			f.breaker.OnNeutral(ticket)
			if resp != nil {
				return resp, nil
			}
			return nil, wrapTransportError(attemptErr, errCtx)
		}
	}
}

// doAttempt issues one request under its own deadline and reads the whole body.
func (f *Forwarder) doAttempt(ctx context.Context, method string, target *url.URL, headers map[string]string, body []byte, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, target.String(), reader)
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(req, headers)

	httpResp, err := f.client.Do(req)
	if err != nil {
		return nil, attemptError(ctx, attemptCtx, timeout, err)
	}
	defer httpResp.Body.Close()

	data, err := f.processor.ReadBody(httpResp)
	if err != nil {
		return nil, attemptError(ctx, attemptCtx, timeout, err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// attemptError marks per-attempt deadline expiry as a TimeoutError.
func attemptError(ctx, attemptCtx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout, Err: err}
	}
	return err
}

// copyRequestHeaders 复制调用方提供的头部，跳过逐跳头部与由 net/http 管理的头部
func copyRequestHeaders(req *http.Request, headers map[string]string) {
	for key, value := range headers {
		lower := strings.ToLower(key)
		if response.IsHopByHop(lower) || lower == "host" || lower == "content-length" {
			continue
		}
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
}

func (f *Forwarder) recordAttempt(errCtx *retry.ErrorContext) {
	switch {
	case errCtx == nil:
		f.metrics.RecordAttempt(monitor.AttemptSuccess)
	case errCtx.Retryable:
		f.metrics.RecordAttempt(monitor.AttemptRetryable)
	default:
		f.metrics.RecordAttempt(monitor.AttemptNonRetryable)
	}
}
