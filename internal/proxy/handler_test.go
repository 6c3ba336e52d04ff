package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ebay-forwarder/config"
	"ebay-forwarder/internal/breaker"
	"ebay-forwarder/internal/events"
	"ebay-forwarder/internal/monitor"
)

func newTestHandler(t *testing.T, cfg *config.ForwarderConfig) (*Handler, *testEnv) {
	t.Helper()
	env := newTestEnv(t, nil)
	return NewHandler(env.forwarder, cfg, LifecycleDeps{Metrics: env.metrics}), env
}

func doProxy(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/ebay-proxy", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") && rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestHandler_Preflight(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Empty(t, rec.Body.String())
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Allow"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandler_ClientErrors(t *testing.T) {
	h, env := newTestHandler(t, &config.ForwarderConfig{AllowedHosts: []string{"*.ebay.com"}})

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantError string
	}{
		{"malformed json", `{"url":`, http.StatusBadRequest, "Invalid request body"},
		{"missing url", `{"method":"GET"}`, http.StatusBadRequest, "Missing URL parameter"},
		{"get with body", `{"url":"https://api.ebay.com/x","method":"GET","body":"x"}`, http.StatusBadRequest, "Invalid request"},
		{"host not allowed", `{"url":"https://evil.example.com/steal"}`, http.StatusForbidden, "Host not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doProxy(t, h, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			require.NotNil(t, body)
			assert.Equal(t, tt.wantError, body["error"])
			assert.Equal(t, false, body["retryable"])
			assert.Equal(t, float64(tt.wantCode), body["status"])
			assert.NotEmpty(t, body["timestamp"])
			assert.NotEmpty(t, body["message"])
		})
	}
	assert.Equal(t, 0, env.breaker.Snapshot().FailureCount)
}

func TestHandler_PassesJSONThrough(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/json;charset=UTF-8")
		w.Header().Set("X-EBAY-C-REQUEST-ID", "abc")
		w.Write([]byte("{\n  \"offerId\": \"42\"\n}"))
	}))
	defer srv.Close()
	h, _ := newTestHandler(t, nil)

	rec, body := doProxy(t, h, `{"url":"`+srv.URL+`/sell/inventory/v1/offer","method":"POST","body":{"sku":"A1","price":{"value":"10.00"}}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"offerId":"42"}`, rec.Body.String())
	assert.Equal(t, "42", body["offerId"])
	assert.Equal(t, "abc", rec.Header().Get("X-EBAY-C-REQUEST-ID"))
	assert.Equal(t, "1", rec.Header().Get("X-Forwarder-Attempts"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, `{"sku":"A1","price":{"value":"10.00"}}`, string(gotBody))
	assert.Equal(t, "application/json", gotContentType)
}

func TestHandler_StringBodyAndXML(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(`<GetMyeBaySellingResponse><Ack>Success</Ack></GetMyeBaySellingResponse>`))
	}))
	defer srv.Close()
	h, _ := newTestHandler(t, nil)

	payload := `<?xml version="1.0"?><GetMyeBaySellingRequest/>`
	reqBody, _ := json.Marshal(map[string]interface{}{
		"url":    srv.URL + "/ws/api.dll",
		"method": "POST",
		"headers": map[string]interface{}{
			"Content-Type":                   "text/xml",
			"X-EBAY-API-CALL-NAME":           "GetMyeBaySelling",
			"X-EBAY-API-COMPATIBILITY-LEVEL": 967,
		},
		"body": payload,
	})

	rec, _ := doProxy(t, h, string(reqBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, `<GetMyeBaySellingResponse><Ack>Success</Ack></GetMyeBaySellingResponse>`, rec.Body.String())

	assert.Equal(t, payload, string(gotBody))
	assert.Equal(t, "text/xml", gotHeader.Get("Content-Type"))
	assert.Equal(t, "967", gotHeader.Get("X-EBAY-API-COMPATIBILITY-LEVEL"))
}

func TestHandler_InvalidJSONFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"broken": `))
	}))
	defer srv.Close()
	h, _ := newTestHandler(t, nil)

	rec, body := doProxy(t, h, `{"url":"`+srv.URL+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, body)
	assert.Equal(t, "Invalid JSON response", body["error"])
	assert.Equal(t, `{"broken": `, body["rawResponse"])
	assert.Equal(t, float64(200), body["status"])
}

func TestHandler_DownstreamClientErrorPassedThrough(t *testing.T) {
	srv, hits := statusSequence(t, 404)
	h, env := newTestHandler(t, nil)

	rec, body := doProxy(t, h, `{"url":"`+srv.URL+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, float64(1), body["attempt"])
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 0, env.breaker.Snapshot().FailureCount)
}

func TestHandler_RetriesThenSucceeds(t *testing.T) {
	srv, hits := statusSequence(t, 503, 503, 200)
	h, env := newTestHandler(t, nil)

	rec, _ := doProxy(t, h, `{"url":"`+srv.URL+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-Forwarder-Attempts"))
	assert.Equal(t, int32(3), hits.Load())

	sleeps := env.clock.Sleeps()
	require.Len(t, sleeps, 2)
	assert.Equal(t, time.Second, sleeps[0])
	assert.Equal(t, 2*time.Second, sleeps[1])
}

func TestHandler_BadGatewayDiagnostics(t *testing.T) {
	srv, hits := statusSequence(t, 502)
	h, _ := newTestHandler(t, nil)

	rec, body := doProxy(t, h, `{"url":"`+srv.URL+`"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(4), hits.Load())

	require.NotNil(t, body)
	assert.Equal(t, "Bad Gateway", body["error"])
	assert.Equal(t, float64(4), body["attempts"])
	assert.Equal(t, true, body["retryable"])
	assert.NotEmpty(t, body["possibleCauses"])
	assert.NotEmpty(t, body["troubleshooting"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestHandler_ExhaustedNon502PassesThrough(t *testing.T) {
	srv, hits := statusSequence(t, 429)
	h, _ := newTestHandler(t, nil)

	rec, body := doProxy(t, h, `{"url":"`+srv.URL+`"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Forwarder-Retryable"))
	assert.Equal(t, "4", rec.Header().Get("X-Forwarder-Attempts"))
	assert.Equal(t, int32(4), hits.Load())
	// statusSequence repeats its last entry, so the body is the downstream one
	assert.Equal(t, float64(1), body["attempt"])
}

func TestHandler_CircuitOpen(t *testing.T) {
	srv, hits := statusSequence(t, 503)
	h, env := newTestHandler(t, nil)

	for i := 0; i < 5; i++ {
		doProxy(t, h, `{"url":"`+srv.URL+`"}`)
	}
	require.Equal(t, int32(20), hits.Load())
	env.clock.Advance(15 * time.Second)

	rec, body := doProxy(t, h, `{"url":"`+srv.URL+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))
	require.NotNil(t, body)
	assert.Equal(t, float64(45), body["retryAfter"])
	assert.Equal(t, "OPEN", body["circuitBreakerState"])
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, int32(20), hits.Load())
}

func TestHandler_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()
	h, _ := newTestHandler(t, nil)

	rec, body := doProxy(t, h, `{"url":"`+target+`"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, body)
	assert.Equal(t, "Proxy request failed", body["error"])
	assert.Equal(t, "ECONNREFUSED", body["errorCode"])
	assert.Equal(t, false, body["retryable"])
	assert.Equal(t, "CLOSED", body["circuitBreakerState"])
}

func TestHandler_HeadHasNoBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	h, _ := newTestHandler(t, nil)

	rec, _ := doProxy(t, h, `{"url":"`+srv.URL+`","method":"HEAD"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandler_UpdateConfig(t *testing.T) {
	srv, hits := statusSequence(t, 200)
	h, _ := newTestHandler(t, nil)

	rec, _ := doProxy(t, h, `{"url":"`+srv.URL+`"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.UpdateConfig(&config.ForwarderConfig{
		AllowedHosts: []string{"api.ebay.com"},
		CORS:         config.CORSConfig{AllowOrigin: "https://closet.example.com"},
	})
	rec, _ = doProxy(t, h, `{"url":"`+srv.URL+`"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "https://closet.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestHandler_LifecycleRecordsOutcome(t *testing.T) {
	srv, _ := statusSequence(t, 503, 200)
	env := newTestEnv(t, nil)

	bus := events.NewEventBus(nil)
	require.NoError(t, bus.Start())
	defer bus.Stop()
	sub := events.NewChannelSubscriber(10)
	bus.Subscribe("test", sub)

	h := NewHandler(env.forwarder, nil, LifecycleDeps{Metrics: env.metrics, EventBus: bus})
	rec, _ := doProxy(t, h, `{"url":"`+srv.URL+`/buy/browse/v1/item"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	snap := env.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.Outcomes[monitor.OutcomeSuccess])
	assert.Equal(t, int64(1), snap.Retries)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.EventForwardCompleted, ev.Type)
		assert.Equal(t, monitor.OutcomeSuccess, ev.Data["outcome"])
		assert.Equal(t, 2, ev.Data["attempts"])
		assert.Equal(t, "/buy/browse/v1/item", ev.Data["path"])
	case <-time.After(2 * time.Second):
		t.Fatal("forward_completed event not delivered")
	}
}

func TestLifecycleManager_CompletesOnce(t *testing.T) {
	metrics := monitor.NewMetrics("lifecycle_test")
	rlm := NewRequestLifecycleManager(LifecycleDeps{Metrics: metrics}, "req-abc12345")
	rlm.StartRequest(http.MethodGet, "https://api.ebay.com/sell/account/v1/privilege")

	assert.Equal(t, "req-abc12345", rlm.GetRequestID())
	assert.False(t, rlm.IsCompleted())

	resp := &Response{StatusCode: 200, Attempts: 1, Duration: 15 * time.Millisecond}
	assert.Equal(t, monitor.OutcomeSuccess, rlm.CompleteRequest(resp, nil, nil, breaker.StateClosed))
	assert.True(t, rlm.IsCompleted())
	assert.GreaterOrEqual(t, rlm.GetDuration(), time.Duration(0))

	// second completion only reports the outcome
	assert.Equal(t, monitor.OutcomeSuccess, rlm.CompleteRequest(resp, nil, nil, breaker.StateClosed))
	assert.Equal(t, int64(1), metrics.Snapshot().Outcomes[monitor.OutcomeSuccess])
}

func TestHandler_RecoversFromPanic(t *testing.T) {
	// nil forwarder panics inside Forward
	h := NewHandler(nil, nil, LifecycleDeps{})

	rec, body := doProxy(t, h, `{"url":"https://api.ebay.com/x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal server error", body["error"])
}

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		name     string
		resp     *Response
		err      error
		outcome  string
		attempts int
	}{
		{"success", &Response{StatusCode: 200, Attempts: 2}, nil, monitor.OutcomeSuccess, 2},
		{"downstream 404", &Response{StatusCode: 404, Attempts: 1}, nil, monitor.OutcomeDownstreamError, 1},
		{"validation", nil, &ValidationError{Field: "url"}, monitor.OutcomeValidation, 0},
		{"malformed body", nil, &malformedRequestError{err: io.ErrUnexpectedEOF}, monitor.OutcomeValidation, 0},
		{"circuit open", nil, &CircuitOpenError{State: "OPEN"}, monitor.OutcomeCircuitOpen, 0},
		{"exhausted", nil, &ExhaustedRetriesError{Attempts: 4, LastResponse: &Response{StatusCode: 503}}, monitor.OutcomeExhausted, 4},
		{"cancelled", nil, &TimeoutError{Overall: true}, monitor.OutcomeCancelled, 0},
		{"transport", nil, &TransportError{Code: "ECONNREFUSED"}, monitor.OutcomeTransportError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, _, attempts := classifyOutcome(tt.resp, tt.err, nil)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.attempts, attempts)
		})
	}
}
