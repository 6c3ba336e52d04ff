package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ebay-forwarder/config"
	"ebay-forwarder/internal/proxy/response"
	"ebay-forwarder/internal/utils"
)

// maxRequestBodySize 入口请求体上限
const maxRequestBodySize = 10 * 1024 * 1024

// badGatewayRetryAfter 下游 502 时建议调用方等待的秒数
const badGatewayRetryAfter = 30

// proxyRequest 入口请求体 {url, method?, headers?, body?}
type proxyRequest struct {
	URL     string                 `json:"url"`
	Method  string                 `json:"method"`
	Headers map[string]interface{} `json:"headers"`
	Body    json.RawMessage        `json:"body"`
}

// errorBody 所有错误响应的公共字段
type errorBody struct {
	Error               string   `json:"error"`
	Message             string   `json:"message"`
	Status              int      `json:"status"`
	Retryable           bool     `json:"retryable"`
	Timestamp           string   `json:"timestamp"`
	RequestID           string   `json:"requestId,omitempty"`
	ErrorCode           string   `json:"errorCode,omitempty"`
	RetryAfter          int      `json:"retryAfter,omitempty"`
	CircuitBreakerState string   `json:"circuitBreakerState,omitempty"`
	Attempts            int      `json:"attempts,omitempty"`
	PossibleCauses      []string `json:"possibleCauses,omitempty"`
	Troubleshooting     []string `json:"troubleshooting,omitempty"`
}

// Handler eBay 代理入口：解析请求描述，交给 Forwarder，并把结果整形写回
type Handler struct {
	forwarder *Forwarder
	config    atomic.Pointer[config.ForwarderConfig]
	deps      LifecycleDeps
	logger    *slog.Logger
}

// NewHandler creates a new proxy handler
func NewHandler(fwd *Forwarder, cfg *config.ForwarderConfig, deps LifecycleDeps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg == nil {
		cfg = &config.ForwarderConfig{}
	}
	h := &Handler{
		forwarder: fwd,
		deps:      deps,
		logger:    deps.Logger,
	}
	h.config.Store(cfg)
	return h
}

// UpdateConfig 热更新入口配置（允许的主机、CORS、调试目录）
func (h *Handler) UpdateConfig(cfg *config.ForwarderConfig) {
	if cfg != nil {
		h.config.Store(cfg)
	}
}

// Forwarder returns the underlying forwarder.
func (h *Handler) Forwarder() *Forwarder {
	return h.forwarder
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Load()
	h.setCORSHeaders(w, cfg)

	requestID := utils.RequestID(r.Context())
	if requestID == "" {
		requestID = "req-" + uuid.NewString()[:8]
	}
	ctx := utils.WithRequestID(r.Context(), requestID)

	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error(fmt.Sprintf("💥 [代理异常] [%s] panic: %v", requestID, rec))
			h.writeError(w, http.StatusInternalServerError, errorBody{
				Error:     "Internal server error",
				Message:   "The proxy encountered an unexpected error",
				RequestID: requestID,
			})
		}
	}()

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		h.writeError(w, http.StatusMethodNotAllowed, errorBody{
			Error:     "Method not allowed",
			Message:   fmt.Sprintf("%s is not supported, use POST", r.Method),
			RequestID: requestID,
		})
		return
	}

	lifecycle := NewRequestLifecycleManager(h.deps, requestID)

	desc, err := decodeProxyRequest(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		lifecycle.CompleteRequest(nil, err, nil, h.forwarder.Breaker().Snapshot().State)
		h.writeClientError(w, requestID, err)
		return
	}
	lifecycle.StartRequest(desc.Method, desc.URL)

	if target, perr := url.Parse(desc.URL); perr == nil && target.Hostname() != "" && !cfg.IsHostAllowed(target.Hostname()) {
		h.logger.Warn(fmt.Sprintf("⛔ [主机拒绝] [%s] 目标主机不在允许列表: %s", requestID, target.Hostname()))
		lifecycle.CompleteRequest(nil, &ValidationError{Field: "url", Message: "host not allowed"}, nil, h.forwarder.Breaker().Snapshot().State)
		h.writeError(w, http.StatusForbidden, errorBody{
			Error:     "Host not allowed",
			Message:   fmt.Sprintf("Forwarding to %s is not permitted", target.Hostname()),
			RequestID: requestID,
		})
		return
	}

	resp, err := h.forwarder.Forward(ctx, desc)
	breakerState := h.forwarder.Breaker().Snapshot().State
	lifecycle.CompleteRequest(resp, err, h.forwarder.Policy().IsSuccess, breakerState)

	if err != nil {
		h.writeForwardError(w, requestID, desc.URL, err, breakerState.String())
		return
	}
	h.writeDownstream(w, requestID, desc, resp)
}

// decodeProxyRequest 解析入口请求体为 RequestDescriptor
func decodeProxyRequest(body io.Reader) (RequestDescriptor, error) {
	var req proxyRequest
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		return RequestDescriptor{}, &malformedRequestError{err: err}
	}
	if strings.TrimSpace(req.URL) == "" {
		return RequestDescriptor{}, &ValidationError{Field: "url", Message: "Missing URL parameter"}
	}

	desc := RequestDescriptor{
		URL:     strings.TrimSpace(req.URL),
		Method:  strings.ToUpper(strings.TrimSpace(req.Method)),
		Headers: make(map[string]string, len(req.Headers)),
	}
	if desc.Method == "" {
		desc.Method = http.MethodGet
	}
	for k, v := range req.Headers {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			desc.Headers[k] = val
		default:
			desc.Headers[k] = fmt.Sprint(val)
		}
	}

	raw := bytes.TrimSpace(req.Body)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return RequestDescriptor{}, &malformedRequestError{err: err}
		}
		if s != "" {
			desc.Body = []byte(s)
		}
	default:
		// object / array 等结构化内容按 JSON 编码后转发
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return RequestDescriptor{}, &malformedRequestError{err: err}
		}
		desc.Body = buf.Bytes()
		if !hasHeader(desc.Headers, "Content-Type") {
			desc.Headers["Content-Type"] = "application/json"
		}
	}
	return desc, nil
}

func hasHeader(headers map[string]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

// malformedRequestError 入口请求体不是合法 JSON
type malformedRequestError struct {
	err error
}

func (e *malformedRequestError) Error() string { return "invalid request body: " + e.err.Error() }

func (e *malformedRequestError) Unwrap() error { return e.err }

func (h *Handler) writeClientError(w http.ResponseWriter, requestID string, err error) {
	var malformed *malformedRequestError
	var maxBytes *http.MaxBytesError
	var validation *ValidationError
	switch {
	case errors.As(err, &maxBytes):
		h.writeError(w, http.StatusRequestEntityTooLarge, errorBody{
			Error:     "Request body too large",
			Message:   fmt.Sprintf("Request body exceeds %d bytes", maxBytes.Limit),
			RequestID: requestID,
		})
	case errors.As(err, &malformed):
		h.writeError(w, http.StatusBadRequest, errorBody{
			Error:     "Invalid request body",
			Message:   malformed.err.Error(),
			RequestID: requestID,
		})
	case errors.As(err, &validation) && validation.Field == "url" && validation.Message == "Missing URL parameter":
		h.writeError(w, http.StatusBadRequest, errorBody{
			Error:     "Missing URL parameter",
			Message:   "The request body must include a url field",
			RequestID: requestID,
		})
	default:
		h.writeError(w, http.StatusBadRequest, errorBody{
			Error:     "Invalid request",
			Message:   err.Error(),
			RequestID: requestID,
		})
	}
}

// writeForwardError 将 Forward 返回的错误映射为 HTTP 响应
func (h *Handler) writeForwardError(w http.ResponseWriter, requestID, target string, err error, breakerState string) {
	var (
		validation *ValidationError
		openErr    *CircuitOpenError
		exhausted  *ExhaustedRetriesError
		timeoutErr *TimeoutError
	)

	switch {
	case errors.As(err, &validation):
		h.writeError(w, http.StatusBadRequest, errorBody{
			Error:     "Invalid request",
			Message:   validation.Error(),
			RequestID: requestID,
		})

	case errors.As(err, &openErr):
		seconds := utils.RetryAfterSeconds(openErr.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		h.writeError(w, http.StatusServiceUnavailable, errorBody{
			Error:               "Service temporarily unavailable",
			Message:             fmt.Sprintf("Circuit breaker is %s due to repeated eBay API failures. Please retry in %d seconds.", openErr.State, seconds),
			Retryable:           true,
			RetryAfter:          seconds,
			CircuitBreakerState: openErr.State,
			RequestID:           requestID,
		})

	case errors.As(err, &exhausted) && exhausted.LastResponse != nil:
		last := exhausted.LastResponse
		if last.StatusCode == http.StatusBadGateway {
			w.Header().Set("Retry-After", strconv.Itoa(badGatewayRetryAfter))
			h.writeError(w, http.StatusBadGateway, errorBody{
				Error:     "Bad Gateway",
				Message:   fmt.Sprintf("eBay API returned 502 Bad Gateway after %d attempts", exhausted.Attempts),
				Retryable: true,
				Attempts:  exhausted.Attempts,
				PossibleCauses: []string{
					"eBay API servers are temporarily overloaded or under maintenance",
					"An upstream gateway between the proxy and eBay failed",
					"The request payload triggered an internal eBay error",
				},
				Troubleshooting: []string{
					"Wait 30 seconds and retry the request",
					"Check https://developer.ebay.com/support/api-status for outages",
					"Verify the request payload and headers are valid for this endpoint",
				},
				CircuitBreakerState: breakerState,
				RequestID:           requestID,
			})
			return
		}
		// 其它可重试状态（503/504/429/408）耗尽后透传下游响应
		w.Header().Set("X-Forwarder-Retryable", "true")
		h.writeDownstream(w, requestID, RequestDescriptor{URL: target}, last)

	case errors.As(err, &timeoutErr) && timeoutErr.Overall:
		h.writeError(w, http.StatusGatewayTimeout, errorBody{
			Error:               "Request deadline exceeded",
			Message:             err.Error(),
			Retryable:           true,
			ErrorCode:           "ETIMEDOUT",
			CircuitBreakerState: breakerState,
			RequestID:           requestID,
		})

	default:
		attempts := 0
		if exhausted != nil {
			attempts = exhausted.Attempts
		}
		h.writeError(w, http.StatusBadGateway, errorBody{
			Error:               "Proxy request failed",
			Message:             err.Error(),
			ErrorCode:           ErrorCode(err),
			Retryable:           IsRetryable(err),
			Attempts:            attempts,
			CircuitBreakerState: breakerState,
			RequestID:           requestID,
		})
	}
}

// writeDownstream 将下游响应整形后写回：XML 原样，JSON 重新序列化，其余按文本
func (h *Handler) writeDownstream(w http.ResponseWriter, requestID string, desc RequestDescriptor, resp *Response) {
	shaped := response.Shape(resp.StatusCode, resp.Header, resp.Body)
	if shaped.Fallback {
		h.logger.Warn(fmt.Sprintf("⚠️ [JSON解析失败] [%s] 下游声明JSON但无法解析，返回兜底信封", requestID),
			"status_code", resp.StatusCode,
			"body_size", len(resp.Body))
		utils.WriteInvalidJSONDebug(h.config.Load().DebugDir, requestID, desc.URL, resp.StatusCode, resp.Body)
	}

	header := w.Header()
	response.CopyResponseHeaders(header, resp.Header)
	header.Set("Content-Type", shaped.ContentType)
	header.Set("X-Request-ID", requestID)
	if resp.Attempts > 0 {
		header.Set("X-Forwarder-Attempts", strconv.Itoa(resp.Attempts))
	}

	if desc.Method == http.MethodHead || len(shaped.Body) == 0 {
		w.WriteHeader(shaped.StatusCode)
		return
	}
	header.Set("Content-Length", strconv.Itoa(len(shaped.Body)))
	w.WriteHeader(shaped.StatusCode)
	if _, err := w.Write(shaped.Body); err != nil {
		h.logger.Debug("写回响应失败", "request_id", requestID, "error", err)
	}
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, cfg *config.ForwarderConfig) {
	origin, methods, headers := cfg.CORS.AllowOrigin, cfg.CORS.AllowMethods, cfg.CORS.AllowHeaders
	if origin == "" {
		origin = "*"
	}
	if methods == "" {
		methods = "GET, POST, PUT, DELETE, OPTIONS"
	}
	if headers == "" {
		headers = "Content-Type, Authorization"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", headers)
	w.Header().Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID, X-Forwarder-Attempts, X-Forwarder-Retryable")
}

func (h *Handler) writeError(w http.ResponseWriter, status int, body errorBody) {
	body.Status = status
	body.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, body.Message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	w.Write(data)
}
