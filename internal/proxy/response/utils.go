package response

import (
	"net/http"
	"strings"
)

// hopByHopHeaders 不应跨代理转发的头部
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"te":                  {},
	"trailer":             {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// IsHopByHop reports whether the header must not be forwarded.
func IsHopByHop(name string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(name)]
	return ok
}

// CopyResponseHeaders copies downstream headers that are safe to pass back.
// Content-Type and Content-Length are skipped because the body is re-shaped,
// CORS headers because the entry point sets its own.
func CopyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		lower := strings.ToLower(key)
		if IsHopByHop(lower) ||
			lower == "content-type" ||
			lower == "content-length" ||
			lower == "content-encoding" ||
			strings.HasPrefix(lower, "access-control-") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
