package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/shellgate/shellgate/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有上游请求。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// ClientForRoute 返回 App 专用的 http.Client：未配置 Proxy 时直接复用 base，
// http/https 代理走 Transport.Proxy，socks5 代理替换拨号器。
func ClientForRoute(base *http.Client, route *AppRoute) (*http.Client, error) {
	if route == nil || route.ProxyURL == nil {
		return base, nil
	}

	transport := defaultTransport.Clone()
	if current, ok := base.Transport.(*http.Transport); ok && current != nil {
		transport = current.Clone()
	}

	switch route.ProxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(route.ProxyURL)
	case "socks5":
		dialer, err := socks5Dialer(route.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("app %s: %w", route.Config.Name, err)
		}
		transport.Proxy = nil
		transport.DialContext = dialer
	default:
		return nil, fmt.Errorf("app %s: unsupported proxy scheme %s", route.Config.Name, route.ProxyURL.Scheme)
	}

	client := *base
	client.Transport = transport
	return &client, nil
}

func socks5Dialer(proxyURL *url.URL) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	forward := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst：跳过固定的 hop-by-hop 字段，
// 以及 src 的 Connection 头里点名的字段。
func CopyHeaders(dst, src http.Header) {
	listed := connectionTokens(src)
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		if _, ok := listed[textproto.CanonicalMIMEHeaderKey(key)]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

func connectionTokens(h http.Header) map[string]struct{} {
	var tokens map[string]struct{}
	for _, value := range h.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if tokens == nil {
				tokens = make(map[string]struct{})
			}
			tokens[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
		}
	}
	return tokens
}
