package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"ebay-forwarder/config"
	"ebay-forwarder/internal/breaker"
	"ebay-forwarder/internal/events"
	"ebay-forwarder/internal/monitor"
	"ebay-forwarder/internal/proxy"
	"ebay-forwarder/internal/tracking"
)

// Deps 管理 API 依赖的运行时组件，除 Breaker 外均可为 nil
type Deps struct {
	Forwarder  *proxy.Forwarder
	Breaker    *breaker.Breaker
	Metrics    *monitor.Metrics
	RequestLog *tracking.RequestLog
	EventBus   events.EventBus
}

// WebServer 管理 API 服务器
type WebServer struct {
	server     *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
	config     atomic.Pointer[config.Config]
	deps       Deps
	location   atomic.Pointer[time.Location]
	startTime  time.Time
	configPath string
}

// NewWebServer creates a new admin API server
func NewWebServer(cfg *config.Config, deps Deps, logger *slog.Logger, startTime time.Time, configPath string) *WebServer {
	if logger == nil {
		logger = slog.Default()
	}
	// 设置gin为release模式以减少日志输出
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(ginLoggerMiddleware(logger))
	engine.Use(gin.Recovery())

	ws := &WebServer{
		engine:     engine,
		logger:     logger,
		deps:       deps,
		startTime:  startTime,
		configPath: configPath,
	}
	ws.location.Store(time.Local)
	if deps.Breaker == nil && deps.Forwarder != nil {
		ws.deps.Breaker = deps.Forwarder.Breaker()
	}
	ws.UpdateConfig(cfg)
	ws.setupRoutes()
	return ws
}

// Handler 返回路由处理器
func (ws *WebServer) Handler() http.Handler {
	return ws.engine
}

// Start启动Web服务器
func (ws *WebServer) Start() error {
	cfg := ws.config.Load()
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)

	ws.server = &http.Server{
		Addr:        addr,
		Handler:     ws.engine,
		ReadTimeout: 30 * time.Second,
		// SSE连接需要禁用写入超时
		WriteTimeout: 0,
		IdleTimeout:  300 * time.Second,
	}

	ws.logger.Info(fmt.Sprintf("🌐 管理API启动中... - 地址: %s", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("管理API启动失败: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	ws.logger.Info(fmt.Sprintf("✅ 管理API启动成功！访问地址: http://%s/api/v1/status", addr))
	return nil
}

// Stop优雅关闭Web服务器
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}

	ws.logger.Info("🛑 正在关闭管理API...")
	err := ws.server.Shutdown(ctx)
	if err != nil {
		ws.logger.Error(fmt.Sprintf("❌ 管理API关闭失败: %v", err))
	} else {
		ws.logger.Info("✅ 管理API已安全关闭")
	}
	return err
}

// UpdateConfig更新配置
func (ws *WebServer) UpdateConfig(newConfig *config.Config) {
	if newConfig == nil {
		newConfig = config.Default()
	}
	ws.config.Store(newConfig)
	if newConfig.Timezone != "" {
		if loc, err := time.LoadLocation(newConfig.Timezone); err == nil {
			ws.location.Store(loc)
		}
	}
	ws.logger.Debug("🔄 管理API配置已更新")
}

// setupRoutes设置路由
func (ws *WebServer) setupRoutes() {
	api := ws.engine.Group("/api/v1")
	{
		api.GET("/status", ws.handleStatus)
		api.GET("/config", ws.handleConfig)
		api.GET("/breaker", ws.handleBreaker)
		api.POST("/breaker/reset", ws.handleBreakerReset)
		api.GET("/requests", ws.handleRequests)
		api.GET("/stats", ws.handleStats)
		api.GET("/stream", ws.handleSSE)
	}
}

// ginLoggerMiddleware创建gin的日志中间件
func ginLoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		if strings.HasSuffix(path, "/stream") {
			return
		}
		if raw != "" {
			path = path + "?" + raw
		}

		statusCode := c.Writer.Status()
		msg := fmt.Sprintf("🌐 Web请求 %s %s %d %v %s", c.Request.Method, path, statusCode, latency, c.ClientIP())
		if statusCode >= 400 {
			logger.Warn(msg)
		} else {
			logger.Debug(msg)
		}
	}
}
