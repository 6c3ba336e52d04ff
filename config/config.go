package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Forwarder      ForwarderConfig      `yaml:"forwarder"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Proxy          ProxyConfig          `yaml:"proxy"`
	Auth           AuthConfig           `yaml:"auth"`
	Logging        LoggingConfig        `yaml:"logging"`
	RequestLog     RequestLogConfig     `yaml:"request_log"` // Forwarded request summaries
	Metrics        MetricsConfig        `yaml:"metrics"`
	Web            WebConfig            `yaml:"web"` // Admin API
	TUI            TUIConfig            `yaml:"tui"`
	Lambda         LambdaConfig         `yaml:"lambda"`
	Timezone       string               `yaml:"timezone"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ForwarderConfig controls the proxy entry point itself.
type ForwarderConfig struct {
	AllowedHosts []string   `yaml:"allowed_hosts"` // Empty means any host
	MaxBodySize  int64      `yaml:"max_body_size"` // Max bytes read from a downstream response
	CORS         CORSConfig `yaml:"cors"`
	DebugDir     string     `yaml:"debug_dir"` // Invalid JSON responses are dumped here; empty disables
}

type CORSConfig struct {
	AllowOrigin  string `yaml:"allow_origin"`
	AllowMethods string `yaml:"allow_methods"`
	AllowHeaders string `yaml:"allow_headers"`
}

type RetryConfig struct {
	MaxRetries           int           `yaml:"max_retries"`
	BaseDelay            time.Duration `yaml:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay"`
	Multiplier           float64       `yaml:"multiplier"`
	JitterFactor         float64       `yaml:"jitter_factor"`
	AttemptTimeout       time.Duration `yaml:"attempt_timeout"`
	RetryableStatusCodes []int         `yaml:"retryable_status_codes"`
	RetryableErrorCodes  []string      `yaml:"retryable_error_codes"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // Complete proxy URL
	Host     string `yaml:"host"`     // Proxy host
	Port     int    `yaml:"port"`     // Proxy port
	Username string `yaml:"username"` // Optional auth username
	Password string `yaml:"password"` // Optional auth password
}

type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`         // Enable authentication, default: false
	Token   string `yaml:"token,omitempty"` // Bearer token for authentication
}

type LoggingConfig struct {
	Level           string `yaml:"level"`
	FileEnabled     bool   `yaml:"file_enabled"`     // Enable file logging
	FilePath        string `yaml:"file_path"`        // Log file path
	MaxFileSize     string `yaml:"max_file_size"`    // Max file size (e.g., "100MB")
	MaxFiles        int    `yaml:"max_files"`        // Max number of rotated files to keep
	CompressRotated bool   `yaml:"compress_rotated"` // Compress rotated log files
}

type RequestLogConfig struct {
	Enabled       bool                  `yaml:"enabled"`
	Database      DatabaseBackendConfig `yaml:"database"`
	BufferSize    int                   `yaml:"buffer_size"`
	BatchSize     int                   `yaml:"batch_size"`
	FlushInterval time.Duration         `yaml:"flush_interval"`
	RetentionDays int                   `yaml:"retention_days"` // 0 = keep forever
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql" | "postgres"

	// SQLite配置
	Path string `yaml:"path,omitempty"`

	// MySQL / Postgres 配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"ssl_mode,omitempty"` // Postgres only

	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable admin API, default: false
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

type TUIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

type LambdaConfig struct {
	Enabled bool `yaml:"enabled"` // Serve through aws-lambda-go instead of a listener
}

// DefaultMaxRetries is used when max_retries is not present in the file.
const DefaultMaxRetries = 3

var defaultRetryableStatusCodes = []int{502, 503, 504, 408, 429}

var defaultRetryableErrorCodes = []string{"ECONNRESET", "ETIMEDOUT", "ENOTFOUND"}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML bytes, applies defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	// max_retries: 0 is a meaningful setting, so the default only applies when the key is absent
	hasMaxRetries := strings.Contains(string(data), "max_retries")

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()
	if !hasMaxRetries {
		config.Retry.MaxRetries = DefaultMaxRetries
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	c.Retry.MaxRetries = DefaultMaxRetries
	return c
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Forwarder.MaxBodySize == 0 {
		c.Forwarder.MaxBodySize = 10 * 1024 * 1024
	}
	if c.Forwarder.CORS.AllowOrigin == "" {
		c.Forwarder.CORS.AllowOrigin = "*"
	}
	if c.Forwarder.CORS.AllowMethods == "" {
		c.Forwarder.CORS.AllowMethods = "GET, POST, PUT, DELETE, OPTIONS"
	}
	if c.Forwarder.CORS.AllowHeaders == "" {
		c.Forwarder.CORS.AllowHeaders = "Content-Type, Authorization, X-EBAY-API-SITEID, X-EBAY-API-COMPATIBILITY-LEVEL, X-EBAY-API-CALL-NAME"
	}

	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.JitterFactor == 0 {
		c.Retry.JitterFactor = 0.25
	}
	if c.Retry.AttemptTimeout == 0 {
		c.Retry.AttemptTimeout = 30 * time.Second
	}
	if len(c.Retry.RetryableStatusCodes) == 0 {
		c.Retry.RetryableStatusCodes = append([]int(nil), defaultRetryableStatusCodes...)
	}
	if len(c.Retry.RetryableErrorCodes) == 0 {
		c.Retry.RetryableErrorCodes = append([]string(nil), defaultRetryableErrorCodes...)
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.OpenDuration == 0 {
		c.CircuitBreaker.OpenDuration = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.FileEnabled && c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/app.log"
	}
	if c.Logging.FileEnabled && c.Logging.MaxFileSize == "" {
		c.Logging.MaxFileSize = "100MB"
	}
	if c.Logging.FileEnabled && c.Logging.MaxFiles == 0 {
		c.Logging.MaxFiles = 10
	}

	if c.RequestLog.Database.Type == "" {
		c.RequestLog.Database.Type = "sqlite"
	}
	if c.RequestLog.Database.Type == "sqlite" && c.RequestLog.Database.Path == "" {
		c.RequestLog.Database.Path = "data/requests.db"
	}
	if c.RequestLog.BufferSize == 0 {
		c.RequestLog.BufferSize = 1000
	}
	if c.RequestLog.BatchSize == 0 {
		c.RequestLog.BatchSize = 50
	}
	if c.RequestLog.FlushInterval == 0 {
		c.RequestLog.FlushInterval = 5 * time.Second
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "ebay_forwarder"
	}

	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8088
	}

	if c.TUI.UpdateInterval == 0 {
		c.TUI.UpdateInterval = time.Second
	}

	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 0 and 65535")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries cannot be negative")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry max_delay must not be smaller than base_delay")
	}
	if c.Retry.JitterFactor < 0 || c.Retry.JitterFactor > 1 {
		return fmt.Errorf("retry jitter_factor must be between 0 and 1")
	}
	for _, code := range c.Retry.RetryableStatusCodes {
		if code < 100 || code > 599 {
			return fmt.Errorf("retryable status code %d is not a valid HTTP status", code)
		}
	}

	if c.CircuitBreaker.FailureThreshold < 0 {
		return fmt.Errorf("circuit breaker failure_threshold cannot be negative")
	}
	if c.CircuitBreaker.OpenDuration < 0 {
		return fmt.Errorf("circuit breaker open_duration cannot be negative")
	}

	for _, host := range c.Forwarder.AllowedHosts {
		if strings.TrimSpace(host) == "" {
			return fmt.Errorf("allowed_hosts cannot contain empty entries")
		}
	}

	// Validate proxy configuration
	if c.Proxy.Enabled {
		if c.Proxy.Type == "" {
			return fmt.Errorf("proxy type is required when proxy is enabled")
		}
		if c.Proxy.Type != "http" && c.Proxy.Type != "https" && c.Proxy.Type != "socks5" {
			return fmt.Errorf("proxy type must be 'http', 'https', or 'socks5'")
		}
		if c.Proxy.URL == "" && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
			return fmt.Errorf("proxy URL or host:port must be specified when proxy is enabled")
		}
		if c.Proxy.URL != "" {
			if _, err := url.Parse(c.Proxy.URL); err != nil {
				return fmt.Errorf("invalid proxy URL: %w", err)
			}
		}
	}

	if c.Auth.Enabled && c.Auth.Token == "" {
		return fmt.Errorf("auth token is required when auth is enabled")
	}

	if c.RequestLog.Enabled {
		switch c.RequestLog.Database.Type {
		case "sqlite":
			if c.RequestLog.Database.Path == "" {
				return fmt.Errorf("request_log database path is required for sqlite")
			}
		case "mysql", "postgres":
			if c.RequestLog.Database.Host == "" || c.RequestLog.Database.Database == "" {
				return fmt.Errorf("request_log %s backend requires host and database", c.RequestLog.Database.Type)
			}
		default:
			return fmt.Errorf("request_log database type must be 'sqlite', 'mysql' or 'postgres'")
		}
		if c.RequestLog.BatchSize > c.RequestLog.BufferSize {
			return fmt.Errorf("request_log batch size cannot be larger than buffer size")
		}
		if c.RequestLog.RetentionDays < 0 {
			return fmt.Errorf("request_log retention days cannot be negative")
		}
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	return nil
}

// IsHostAllowed reports whether the forwarder may call host.
func (c *ForwarderConfig) IsHostAllowed(host string) bool {
	if len(c.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range c.AllowedHosts {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if host == allowed {
			return true
		}
		// "*.ebay.com" matches any subdomain
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(host, allowed[1:]) {
			return true
		}
	}
	return false
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		lastModTime: fileInfo.ModTime(),
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// UpdateLogger updates the logger used by the config watcher
func (cw *ConfigWatcher) UpdateLogger(logger *slog.Logger) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.logger = logger
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) log() *slog.Logger {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	if cw.logger == nil {
		return slog.Default()
	}
	return cw.logger
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) {
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.log().Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}
				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}
				cw.lastModTime = fileInfo.ModTime()

				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}
				cw.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
					cw.log().Info(fmt.Sprintf("🔄 检测到配置文件变更，正在重新加载... - 文件: %s", event.Name))
					if err := cw.reloadConfig(); err != nil {
						cw.log().Error(fmt.Sprintf("❌ 配置文件重新加载失败: %v", err))
					} else {
						cw.log().Info("✅ 配置文件重新加载成功")
					}
				})
			}

			// Some editors save by rename; re-add the path once it reappears.
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond)
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.log().Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log().Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}

	cw.logConfigChanges(oldConfig, newConfig)
	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	logger := cw.log()

	if oldConfig.Retry.MaxRetries != newConfig.Retry.MaxRetries {
		logger.Info("🔁 最大重试次数变更",
			"old_max_retries", oldConfig.Retry.MaxRetries,
			"new_max_retries", newConfig.Retry.MaxRetries)
	}
	if oldConfig.Retry.BaseDelay != newConfig.Retry.BaseDelay || oldConfig.Retry.MaxDelay != newConfig.Retry.MaxDelay {
		logger.Info("⏱️ 退避延迟变更",
			"old_base_delay", oldConfig.Retry.BaseDelay,
			"new_base_delay", newConfig.Retry.BaseDelay,
			"old_max_delay", oldConfig.Retry.MaxDelay,
			"new_max_delay", newConfig.Retry.MaxDelay)
	}
	if oldConfig.CircuitBreaker != newConfig.CircuitBreaker {
		logger.Info("🔌 熔断器配置变更",
			"old_threshold", oldConfig.CircuitBreaker.FailureThreshold,
			"new_threshold", newConfig.CircuitBreaker.FailureThreshold,
			"old_open_duration", oldConfig.CircuitBreaker.OpenDuration,
			"new_open_duration", newConfig.CircuitBreaker.OpenDuration)
	}
	if len(oldConfig.Forwarder.AllowedHosts) != len(newConfig.Forwarder.AllowedHosts) {
		logger.Info("🌐 允许的目标主机变更",
			"old_count", len(oldConfig.Forwarder.AllowedHosts),
			"new_count", len(newConfig.Forwarder.AllowedHosts))
	}
	if oldConfig.Auth.Enabled != newConfig.Auth.Enabled {
		logger.Info("🔐 鉴权状态变更",
			"old_enabled", oldConfig.Auth.Enabled,
			"new_enabled", newConfig.Auth.Enabled)
	}
	if oldConfig.Server.Port != newConfig.Server.Port {
		logger.Warn("🌐 服务器端口变更需要重启才能生效",
			"old_port", oldConfig.Server.Port,
			"new_port", newConfig.Server.Port)
	}
}

// Close stops the configuration watcher
func (cw *ConfigWatcher) Close() error {
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	return cw.watcher.Close()
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
