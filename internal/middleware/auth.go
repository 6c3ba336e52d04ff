package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"ebay-forwarder/config"
)

// AuthMiddleware 可选的 Bearer Token 鉴权
type AuthMiddleware struct {
	cfg    atomic.Pointer[config.AuthConfig]
	logger *slog.Logger
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{logger: slog.Default()}
	am.UpdateConfig(cfg)
	return am
}

// UpdateConfig 热更新鉴权配置
func (am *AuthMiddleware) UpdateConfig(cfg config.AuthConfig) {
	c := cfg
	am.cfg.Store(&c)
}

// Wrap 包装处理器。鉴权关闭时直接放行，CORS 预检请求始终放行
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := am.cfg.Load()
		if cfg == nil || !cfg.Enabled || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
			am.logger.Warn("🔒 鉴权失败", "path", r.URL.Path, "client_ip", getClientIP(r))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="ebay-forwarder"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":     "Unauthorized",
				"message":   "A valid Bearer token is required",
				"status":    http.StatusUnauthorized,
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
