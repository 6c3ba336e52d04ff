// Package lambda serves the forwarder's HTTP handler behind API Gateway.
package lambda

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// Adapter 将 API Gateway 代理事件转换为 http.Request 交给内部处理器
type Adapter struct {
	handler http.Handler
	logger  *slog.Logger
}

// NewAdapter creates an adapter around handler.
func NewAdapter(handler http.Handler, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{handler: handler, logger: logger}
}

// Handle is the lambda entry point.
func (a *Adapter) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	req, err := toHTTPRequest(ctx, event)
	if err != nil {
		a.logger.Warn(fmt.Sprintf("⚠️ [Lambda] 无法转换请求: %v", err))
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"error":"Invalid request","message":"could not decode API Gateway event"}`,
		}, nil
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return toProxyResponse(rec.Result().StatusCode, rec.Header(), rec.Body.Bytes()), nil
}

func toHTTPRequest(ctx context.Context, event events.APIGatewayProxyRequest) (*http.Request, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		body = decoded
	}

	path := event.Path
	if path == "" {
		path = "/"
	}
	u := &url.URL{Path: path}
	query := url.Values{}
	if len(event.MultiValueQueryStringParameters) > 0 {
		for k, vs := range event.MultiValueQueryStringParameters {
			for _, v := range vs {
				query.Add(k, v)
			}
		}
	} else {
		for k, v := range event.QueryStringParameters {
			query.Set(k, v)
		}
	}
	u.RawQuery = query.Encode()

	method := event.HTTPMethod
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if len(event.MultiValueHeaders) > 0 {
		for k, vs := range event.MultiValueHeaders {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
	} else {
		for k, v := range event.Headers {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("X-Request-ID") == "" && event.RequestContext.RequestID != "" {
		req.Header.Set("X-Request-ID", event.RequestContext.RequestID)
	}

	req.ContentLength = int64(len(body))
	req.Host = req.Header.Get("Host")
	if ip := event.RequestContext.Identity.SourceIP; ip != "" {
		req.RemoteAddr = ip + ":0"
	}
	return req, nil
}

func toProxyResponse(status int, header http.Header, body []byte) events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode:        status,
		Headers:           make(map[string]string, len(header)),
		MultiValueHeaders: make(map[string][]string, len(header)),
	}
	for k, vs := range header {
		if len(vs) == 0 {
			continue
		}
		resp.Headers[k] = vs[len(vs)-1]
		resp.MultiValueHeaders[k] = vs
	}

	if isTextContent(header.Get("Content-Type")) {
		resp.Body = string(body)
	} else {
		resp.Body = base64.StdEncoding.EncodeToString(body)
		resp.IsBase64Encoded = true
	}
	return resp
}

func isTextContent(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "text/") ||
		strings.HasSuffix(mediaType, "json") ||
		strings.HasSuffix(mediaType, "xml") ||
		mediaType == "application/x-www-form-urlencoded"
}
