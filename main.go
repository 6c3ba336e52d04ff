package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	"ebay-forwarder/config"
	"ebay-forwarder/internal/breaker"
	"ebay-forwarder/internal/events"
	"ebay-forwarder/internal/lambda"
	"ebay-forwarder/internal/logging"
	"ebay-forwarder/internal/middleware"
	"ebay-forwarder/internal/monitor"
	"ebay-forwarder/internal/proxy"
	"ebay-forwarder/internal/proxy/retry"
	"ebay-forwarder/internal/tracking"
	"ebay-forwarder/internal/transport"
	"ebay-forwarder/internal/tui"
	"ebay-forwarder/internal/web"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	enableTUI   = flag.Bool("tui", false, "Enable TUI dashboard")
	enableWeb   = flag.Bool("web", false, "Enable admin API")
	webPort     = flag.Int("web-port", 0, "Admin API port (overrides config)")
	lambdaMode  = flag.Bool("lambda", false, "Serve through AWS Lambda instead of a listener")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	startTime = time.Now()

	// 当前日志处理器与输出目标，配置重载与 TUI 切换时替换
	loggerMu          sync.Mutex
	currentLogHandler *logging.SimpleHandler
	currentLogSink    logging.LogSink
)

// components 运行时组件集合，HTTP 服务与 Lambda 模式共用
type components struct {
	metrics    *monitor.Metrics
	eventBus   events.EventBus
	breaker    *breaker.Breaker
	forwarder  *proxy.Forwarder
	requestLog *tracking.RequestLog
	handler    *proxy.Handler
	logging    *middleware.LoggingMiddleware
	auth       *middleware.AuthMiddleware
	monitoring *middleware.MonitoringMiddleware
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("eBay Resilient Forwarder\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	logger := setupLogger(config.LoggingConfig{Level: "info"}, nil)

	if *lambdaMode {
		runLambda(logger)
		return
	}

	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration watcher: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()
	if *enableWeb {
		cfg.Web.Enabled = true
	}
	if *webPort != 0 {
		cfg.Web.Port = *webPort
	}
	tuiEnabled := *enableTUI || cfg.TUI.Enabled

	setupLogger(cfg.Logging, nil)
	// 组件持有的 logger 始终跟随当前默认处理器（控制台、文件或 TUI）
	logger = logging.Dynamic()
	configWatcher.UpdateLogger(logger)

	logger.Info("🚀 eBay Resilient Forwarder 启动中...",
		"version", version,
		"commit", commit,
		"config_file", *configPath,
		"max_retries", cfg.Retry.MaxRetries,
		"failure_threshold", cfg.CircuitBreaker.FailureThreshold)
	logger.Info("🔗 " + transport.GetProxyInfo(cfg))
	if cfg.Auth.Enabled {
		logger.Info("🔐 鉴权已启用，访问需要Bearer Token验证")
	} else if !isLocalHost(cfg.Server.Host) {
		logger.Warn("⚠️  注意：将在非本地地址启动但未启用鉴权，请确保网络环境安全")
	}

	c, err := buildComponents(cfg, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 组件初始化失败: %v", err))
		os.Exit(1)
	}
	defer c.close(logger)

	// 回调注册前创建好所有组件，监听协程只读取这些变量
	var tuiApp *tui.TUIApp
	if tuiEnabled {
		tuiApp = tui.NewTUIApp(cfg, tui.Deps{
			Breaker:  c.breaker,
			Metrics:  c.metrics,
			EventBus: c.eventBus,
		}, startTime, *configPath)
	}
	var webServer *web.WebServer
	if cfg.Web.Enabled {
		webServer = web.NewWebServer(cfg, web.Deps{
			Forwarder:  c.forwarder,
			Breaker:    c.breaker,
			Metrics:    c.metrics,
			RequestLog: c.requestLog,
			EventBus:   c.eventBus,
		}, logger, startTime, *configPath)
	}

	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		reloadLogger(newCfg.Logging)

		c.applyConfig(newCfg)
		if tuiApp != nil {
			tuiApp.UpdateConfig(newCfg)
		}
		if webServer != nil {
			webServer.UpdateConfig(newCfg)
		}
		logger.Info("🔄 所有组件已更新为新配置")
	})
	logger.Info("🔄 配置文件自动重载已启用")

	mux := http.NewServeMux()
	c.monitoring.RegisterHealthEndpoint(mux)
	mux.Handle("/", c.httpHandler())

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("🌐 HTTP 服务器启动中...", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Error(fmt.Sprintf("❌ 服务器启动失败: %v", err))
		os.Exit(1)
	case <-time.After(100 * time.Millisecond):
		logger.Info("✅ 服务器启动成功！")
		logger.Info(fmt.Sprintf("📡 转发入口: http://%s/api/ebay-proxy", server.Addr))
	}

	webStarted := false
	if webServer != nil {
		if err := webServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("❌ 管理API启动失败: %v", err))
		} else {
			webStarted = true
		}
	}

	if tuiApp != nil {
		setupLogger(cfg.Logging, tuiApp)

		tuiErr := make(chan error, 1)
		go func() {
			tuiErr <- tuiApp.Run()
		}()

		select {
		case err := <-serverErr:
			tuiApp.Stop()
			setupLogger(configWatcher.GetConfig().Logging, nil)
			logger.Error(fmt.Sprintf("❌ 服务器运行时错误(在TUI模式): %v", err))
			os.Exit(1)
		case err := <-tuiErr:
			setupLogger(configWatcher.GetConfig().Logging, nil)
			logger.Info("📱 TUI界面已关闭")
			if err != nil {
				logger.Error(fmt.Sprintf("TUI运行错误: %v", err))
			}
		}
	} else {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErr:
			logger.Error(fmt.Sprintf("❌ 服务器运行时错误: %v", err))
			os.Exit(1)
		case sig := <-interrupt:
			logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))
		}
	}

	logger.Info("🛑 正在关闭服务器...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if webStarted {
		webServer.Stop(ctx)
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error(fmt.Sprintf("❌ 服务器关闭失败: %v", err))
	}
	logger.Info("✅ 服务器已安全关闭")
}

// runLambda 以 Lambda 模式运行。配置文件不存在时使用默认配置，不启用热重载
func runLambda(logger *slog.Logger) {
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️ 无法加载配置文件，使用默认配置: %v", err))
		cfg = config.Default()
	}
	setupLogger(cfg.Logging, nil)
	logger = logging.Dynamic()

	c, err := buildComponents(cfg, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 组件初始化失败: %v", err))
		os.Exit(1)
	}
	defer c.close(logger)

	mux := http.NewServeMux()
	c.monitoring.RegisterHealthEndpoint(mux)
	mux.Handle("/", c.httpHandler())

	logger.Info("☁️ Lambda 模式启动")
	awslambda.Start(lambda.NewAdapter(mux, logger).Handle)
}

func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	c := &components{}

	if cfg.Metrics.Enabled {
		c.metrics = monitor.NewMetrics(cfg.Metrics.Namespace)
	}

	c.eventBus = events.NewEventBus(logger)
	if err := c.eventBus.Start(); err != nil {
		return nil, fmt.Errorf("EventBus启动失败: %w", err)
	}

	c.breaker = breaker.New(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.OpenDuration,
		breaker.WithStateChangeHook(proxy.NewBreakerStateHook(c.eventBus, c.metrics, logger)))

	httpTransport, err := transport.CreateTransport(cfg)
	if err != nil {
		c.eventBus.Stop()
		return nil, fmt.Errorf("创建HTTP Transport失败: %w", err)
	}

	c.forwarder = proxy.NewForwarder(retry.NewPolicy(cfg.Retry), c.breaker,
		proxy.WithTransport(httpTransport),
		proxy.WithMetrics(c.metrics),
		proxy.WithLogger(logger),
		proxy.WithMaxBodySize(cfg.Forwarder.MaxBodySize),
	)

	c.requestLog, err = tracking.NewRequestLogFromConfig(cfg.RequestLog, cfg.Timezone, logger)
	if err != nil {
		c.eventBus.Stop()
		return nil, fmt.Errorf("请求日志初始化失败: %w", err)
	}

	c.handler = proxy.NewHandler(c.forwarder, &cfg.Forwarder, proxy.LifecycleDeps{
		RequestLog: c.requestLog,
		Metrics:    c.metrics,
		EventBus:   c.eventBus,
		Logger:     logger,
	})
	c.logging = middleware.NewLoggingMiddleware(logger)
	c.auth = middleware.NewAuthMiddleware(cfg.Auth)
	c.monitoring = middleware.NewMonitoringMiddleware(c.breaker, c.metrics, c.requestLog)
	return c, nil
}

// httpHandler 转发入口的中间件链：日志 -> 鉴权 -> 代理
func (c *components) httpHandler() http.Handler {
	return c.logging.Wrap(c.auth.Wrap(c.handler))
}

// applyConfig 将重新加载的配置应用到运行中的组件
func (c *components) applyConfig(cfg *config.Config) {
	c.forwarder.UpdatePolicy(retry.NewPolicy(cfg.Retry))
	c.breaker.UpdateSettings(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.OpenDuration)
	c.handler.UpdateConfig(&cfg.Forwarder)
	c.auth.UpdateConfig(cfg.Auth)

	c.eventBus.Publish(events.Event{
		Type:     events.EventConfigChanged,
		Source:   "config_watcher",
		Priority: events.PriorityNormal,
		Data: map[string]interface{}{
			"max_retries":       cfg.Retry.MaxRetries,
			"base_delay":        cfg.Retry.BaseDelay.String(),
			"max_delay":         cfg.Retry.MaxDelay.String(),
			"failure_threshold": cfg.CircuitBreaker.FailureThreshold,
			"open_duration":     cfg.CircuitBreaker.OpenDuration.String(),
			"auth_enabled":      cfg.Auth.Enabled,
		},
	})
}

func (c *components) close(logger *slog.Logger) {
	if c.requestLog != nil {
		if err := c.requestLog.Close(); err != nil {
			logger.Error(fmt.Sprintf("❌ 请求日志关闭失败: %v", err))
		}
	}
	if err := c.eventBus.Stop(); err != nil {
		logger.Error(fmt.Sprintf("❌ EventBus关闭失败: %v", err))
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if currentLogHandler != nil {
		currentLogHandler.Close()
	}
}

// setupLogger installs a new default logger and closes the previous file
// handler. sink may be nil.
func setupLogger(cfg config.LoggingConfig, sink logging.LogSink) *slog.Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	return installLoggerLocked(cfg, sink)
}

// reloadLogger applies new logging settings and keeps the current output target.
func reloadLogger(cfg config.LoggingConfig) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	installLoggerLocked(cfg, currentLogSink)
}

func installLoggerLocked(cfg config.LoggingConfig, sink logging.LogSink) *slog.Logger {
	level := logging.ParseLevel(cfg.Level)

	var fileRotator *logging.FileRotator
	if cfg.FileEnabled {
		maxSize, err := logging.ParseSize(cfg.MaxFileSize)
		if err != nil {
			fmt.Printf("警告：无法解析日志文件大小配置 '%s'，使用默认值 100MB: %v\n", cfg.MaxFileSize, err)
			maxSize = 100 * 1024 * 1024
		}
		fileRotator, err = logging.NewFileRotator(cfg.FilePath, maxSize, cfg.MaxFiles, cfg.CompressRotated)
		if err != nil {
			fmt.Printf("警告：无法创建日志文件轮转器: %v\n", err)
			fileRotator = nil
		}
	}

	previous := currentLogHandler
	currentLogHandler = logging.NewSimpleHandler(level, sink, fileRotator)
	currentLogSink = sink
	logger := slog.New(currentLogHandler)
	slog.SetDefault(logger)

	// 仍持有旧处理器的日志调用会转交给新的默认处理器
	if previous != nil {
		previous.Close()
	}
	return logger
}

func isLocalHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}
