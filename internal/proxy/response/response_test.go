package response

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResp(body []byte, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestProcessor_ReadBody(t *testing.T) {
	original := `{"itemId":"v1|123|0","price":{"value":"19.99","currency":"USD"}}`

	t.Run("无压缩", func(t *testing.T) {
		body, err := NewProcessor(0).ReadBody(newResp([]byte(original), nil))
		require.NoError(t, err)
		assert.Equal(t, original, string(body))
	})

	t.Run("gzip压缩", func(t *testing.T) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(original))
		require.NoError(t, zw.Close())

		resp := newResp(buf.Bytes(), map[string]string{"Content-Encoding": "gzip", "Content-Length": "99"})
		body, err := NewProcessor(0).ReadBody(resp)
		require.NoError(t, err)
		assert.Equal(t, original, string(body))
		assert.Empty(t, resp.Header.Get("Content-Encoding"))
		assert.Empty(t, resp.Header.Get("Content-Length"))
	})

	t.Run("brotli压缩", func(t *testing.T) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write([]byte(original))
		require.NoError(t, bw.Close())

		body, err := NewProcessor(0).ReadBody(newResp(buf.Bytes(), map[string]string{"Content-Encoding": "br"}))
		require.NoError(t, err)
		assert.Equal(t, original, string(body))
	})

	t.Run("损坏的gzip", func(t *testing.T) {
		_, err := NewProcessor(0).ReadBody(newResp([]byte("not gzip"), map[string]string{"Content-Encoding": "gzip"}))
		assert.Error(t, err)
	})

	t.Run("超出大小限制", func(t *testing.T) {
		_, err := NewProcessor(10).ReadBody(newResp([]byte(original), nil))
		assert.True(t, errors.Is(err, ErrBodyTooLarge))

		body, err := NewProcessor(int64(len(original))).ReadBody(newResp([]byte(original), nil))
		require.NoError(t, err)
		assert.Len(t, body, len(original))
	})
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        Kind
	}{
		{"json header", "application/json; charset=utf-8", `{}`, KindJSON},
		{"vendor json", "application/vnd.ebay+json", `{}`, KindJSON},
		{"xml header", "text/xml", `<a/>`, KindXML},
		{"trading api xml", "application/xml;charset=UTF-8", `<?xml version="1.0"?>`, KindXML},
		{"html is text", "text/html", `<html></html>`, KindText},
		{"sniff xml", "", `  <?xml version="1.0"?><GetItemResponse/>`, KindXML},
		{"sniff json", "", `[1,2]`, KindJSON},
		{"sniff broken json", "", `{oops`, KindText},
		{"empty", "", ``, KindText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectKind(tt.contentType, []byte(tt.body)))
		})
	}
}

func TestShape(t *testing.T) {
	t.Run("JSON重新序列化", func(t *testing.T) {
		h := http.Header{"Content-Type": []string{"application/json"}}
		shaped := Shape(200, h, []byte("{\n  \"total\": 2,\n  \"items\": [ ]\n}"))
		assert.Equal(t, `{"total":2,"items":[]}`, string(shaped.Body))
		assert.Equal(t, "application/json", shaped.ContentType)
		assert.False(t, shaped.Fallback)
	})

	t.Run("XML原样返回", func(t *testing.T) {
		xml := `<?xml version="1.0" encoding="UTF-8"?><GetItemResponse xmlns="urn:ebay:apis:eBLBaseComponents"><Ack>Success</Ack></GetItemResponse>`
		h := http.Header{"Content-Type": []string{"text/xml;charset=utf-8"}}
		shaped := Shape(200, h, []byte(xml))
		assert.Equal(t, xml, string(shaped.Body))
		assert.Equal(t, "text/xml;charset=utf-8", shaped.ContentType)
		assert.Equal(t, KindXML, shaped.Kind)
	})

	t.Run("无法解析的JSON使用兜底信封", func(t *testing.T) {
		h := http.Header{"Content-Type": []string{"application/json"}}
		raw := "<html>gateway error</html>"
		shaped := Shape(200, h, []byte(raw))
		require.True(t, shaped.Fallback)
		assert.Equal(t, 200, shaped.StatusCode)

		var env InvalidJSONEnvelope
		require.NoError(t, json.Unmarshal(shaped.Body, &env))
		assert.Equal(t, "Invalid JSON response", env.Error)
		assert.Equal(t, raw, env.RawResponse)
		assert.Equal(t, 200, env.Status)
		assert.NotEmpty(t, env.Message)
	})

	t.Run("兜底信封截断原始内容", func(t *testing.T) {
		h := http.Header{"Content-Type": []string{"application/json"}}
		shaped := Shape(502, h, []byte("{"+strings.Repeat("x", 5000)))
		var env InvalidJSONEnvelope
		require.NoError(t, json.Unmarshal(shaped.Body, &env))
		assert.Len(t, env.RawResponse, rawResponseLimit)
	})

	t.Run("空JSON响应", func(t *testing.T) {
		h := http.Header{"Content-Type": []string{"application/json"}}
		shaped := Shape(204, h, nil)
		assert.Empty(t, shaped.Body)
		assert.False(t, shaped.Fallback)
	})

	t.Run("纯文本", func(t *testing.T) {
		shaped := Shape(200, http.Header{}, []byte("OK"))
		assert.Equal(t, "OK", string(shaped.Body))
		assert.Equal(t, "text/plain; charset=utf-8", shaped.ContentType)
	})
}

func TestCopyResponseHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Content-Type", "application/json")
	src.Set("Content-Length", "10")
	src.Set("Access-Control-Allow-Origin", "https://www.ebay.com")
	src.Set("X-Ebay-C-Request-Id", "abc")
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")

	dst := http.Header{}
	CopyResponseHeaders(dst, src)

	assert.Equal(t, "abc", dst.Get("X-Ebay-C-Request-Id"))
	assert.Equal(t, []string{"a=1", "b=2"}, dst.Values("Set-Cookie"))
	for _, h := range []string{"Connection", "Transfer-Encoding", "Content-Type", "Content-Length", "Access-Control-Allow-Origin"} {
		assert.Empty(t, dst.Get(h), h)
	}
	assert.True(t, IsHopByHop("Keep-Alive"))
	assert.False(t, IsHopByHop("Authorization"))
}
