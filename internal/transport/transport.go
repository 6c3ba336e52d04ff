// Package transport builds the outbound *http.Transport used for calls to
// the eBay APIs, optionally routed through an HTTP(S) or SOCKS5 proxy.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"ebay-forwarder/config"
)

const (
	dialTimeout           = 10 * time.Second
	keepAlive             = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second
	idleConnTimeout       = 90 * time.Second
)

// CreateTransport 根据配置创建 HTTP Transport
func CreateTransport(cfg *config.Config) (*http.Transport, error) {
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	t := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}

	if cfg == nil || !cfg.Proxy.Enabled {
		return t, nil
	}

	proxyURL, err := ProxyURL(cfg.Proxy)
	if err != nil {
		return nil, err
	}

	switch cfg.Proxy.Type {
	case "http", "https":
		t.Proxy = http.ProxyURL(proxyURL)
	case "socks5":
		var auth *proxy.Auth
		if cfg.Proxy.Username != "" {
			auth = &proxy.Auth{User: cfg.Proxy.Username, Password: cfg.Proxy.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, dialer)
		if err != nil {
			return nil, fmt.Errorf("创建SOCKS5代理失败: %w", err)
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy type: %s", cfg.Proxy.Type)
	}
	return t, nil
}

// ProxyURL builds the proxy URL from either the full url field or host/port.
func ProxyURL(p config.ProxyConfig) (*url.URL, error) {
	var u *url.URL
	if p.URL != "" {
		parsed, err := url.Parse(p.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		u = parsed
	} else {
		if p.Host == "" || p.Port == 0 {
			return nil, fmt.Errorf("proxy url or host/port is required")
		}
		u = &url.URL{Scheme: p.Type, Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
	}
	if p.Username != "" && u.User == nil {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}

// GetProxyInfo 返回用于启动日志的代理描述（不含密码）
func GetProxyInfo(cfg *config.Config) string {
	if cfg == nil || !cfg.Proxy.Enabled {
		return "代理未启用"
	}
	u, err := ProxyURL(cfg.Proxy)
	if err != nil {
		return fmt.Sprintf("代理配置无效: %v", err)
	}
	info := fmt.Sprintf("代理已启用: %s://%s", cfg.Proxy.Type, u.Host)
	if u.User != nil {
		info += " (认证用户: " + u.User.Username() + ")"
	}
	return info
}
