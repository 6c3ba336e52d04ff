package lambda

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapter_RoundTrip(t *testing.T) {
	var gotBody, gotQuery, gotAuth, gotRemote, gotRequestID string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotQuery = r.URL.Query().Get("debug")
		gotAuth = r.Header.Get("Authorization")
		gotRemote = r.RemoteAddr
		gotRequestID = r.Header.Get("X-Request-ID")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Add("X-Forwarder-Attempts", "2")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"ok":true}`))
	})

	resp, err := NewAdapter(h, nil).Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodPost,
		Path:                  "/api/ebay-proxy",
		QueryStringParameters: map[string]string{"debug": "1"},
		Headers:               map[string]string{"Authorization": "Bearer t"},
		Body:                  `{"url":"https://api.ebay.com/x"}`,
		RequestContext: events.APIGatewayProxyRequestContext{
			RequestID: "gw-123",
			Identity:  events.APIGatewayRequestIdentity{SourceIP: "203.0.113.9"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, resp.Body)
	assert.False(t, resp.IsBase64Encoded)
	assert.Equal(t, "2", resp.Headers["X-Forwarder-Attempts"])

	assert.Equal(t, `{"url":"https://api.ebay.com/x"}`, gotBody)
	assert.Equal(t, "1", gotQuery)
	assert.Equal(t, "Bearer t", gotAuth)
	assert.Equal(t, "203.0.113.9:0", gotRemote)
	assert.Equal(t, "gw-123", gotRequestID)
}

func TestAdapter_Base64(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(append(b, 0xff))
	})

	resp, err := NewAdapter(h, nil).Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Body:            base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}),
		IsBase64Encoded: true,
	})
	require.NoError(t, err)
	assert.True(t, resp.IsBase64Encoded)
	decoded, err := base64.StdEncoding.DecodeString(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, decoded)

	resp, err = NewAdapter(h, nil).Handle(context.Background(), events.APIGatewayProxyRequest{
		Body:            "!!not base64",
		IsBase64Encoded: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIsTextContent(t *testing.T) {
	assert.True(t, isTextContent(""))
	assert.True(t, isTextContent("application/json; charset=utf-8"))
	assert.True(t, isTextContent("text/xml"))
	assert.True(t, isTextContent("application/problem+json"))
	assert.False(t, isTextContent("image/png"))
}
