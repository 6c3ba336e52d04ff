package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"ebay-forwarder/internal/utils"
)

// slowRequestThreshold 超过该耗时的请求记录为慢请求
const slowRequestThreshold = 10 * time.Second

// LoggingMiddleware provides request/response logging
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(logger *slog.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingMiddleware{logger: logger}
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.statusCode == 0 {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Wrap wraps an HTTP handler with logging. Every request gets an ID that is
// stored in the context and echoed in the X-Request-ID header.
func (lm *LoggingMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := getClientIP(r)
		userAgent := truncateString(r.UserAgent(), 50)

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = "req-" + uuid.New().String()[:8]
		}
		r = r.WithContext(utils.WithRequestID(r.Context(), requestID))
		w.Header().Set("X-Request-ID", requestID)

		rw := &responseWriter{ResponseWriter: w}

		lm.logger.Debug(fmt.Sprintf("📝 [请求接收] [%s] %s %s", requestID, r.Method, r.URL.Path),
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP,
			"user_agent", userAgent,
			"content_length", r.ContentLength,
		)

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		statusCode := rw.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}

		lm.logger.Debug(fmt.Sprintf("%s [请求详情] [%s] %s %s → %d (%s)", getStatusEmoji(statusCode), requestID, r.Method, r.URL.Path, statusCode, formatDuration(duration)),
			"status_code", statusCode,
			"bytes_written", formatBytes(rw.bytes),
			"duration", formatDuration(duration),
			"client_ip", clientIP,
		)

		if duration > slowRequestThreshold {
			lm.logger.Warn(fmt.Sprintf("🐌 Slow request detected [%s]", requestID),
				"method", r.Method,
				"path", r.URL.Path,
				"duration", formatDuration(duration),
				"status_code", statusCode,
			)
		}

		if statusCode >= 500 {
			lm.logger.Error(fmt.Sprintf("❌ Error details [%s]", requestID),
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", statusCode,
				"duration", formatDuration(duration),
			)
		}
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getStatusEmoji(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "✅"
	case statusCode >= 300 && statusCode < 400:
		return "🔄"
	case statusCode >= 400 && statusCode < 500:
		return "⚠️"
	case statusCode >= 500:
		return "❌"
	default:
		return "❓"
	}
}

func formatBytes(bytes int64) string {
	switch {
	case bytes < 1024:
		return fmt.Sprintf("%dB", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fμs", float64(d.Nanoseconds())/1000)
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Nanoseconds())/1000000)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
