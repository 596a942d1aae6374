package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shellgate/shellgate/internal/config"
)

// AppRoute 将 App 配置与派生属性（站点源、解析后的 Upstream/Proxy URL）聚合在一起，
// 供路由/代理层直接复用，避免重复解析配置。
type AppRoute struct {
	// Config 是 config.toml 中 [[App]] 的副本。
	Config config.AppConfig
	// ListenPort 记录当前监听端口，用于 X-Forwarded-Port。
	ListenPort int
	// NavigationTimeout 是对当前 App 生效的导航超时。
	NavigationTimeout time.Duration
	// Origin 是客户端视角的站点源（scheme://Domain），缓存键与同源判断都以它为准。
	Origin *url.URL
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
}

// Name 返回 App 名称。
func (r *AppRoute) Name() string { return r.Config.Name }

// AppRegistry 提供 Host/Host:port 到 AppRoute 的查询能力，所有 App 共享同一个监听端口。
type AppRegistry struct {
	routes  map[string]*AppRoute
	byName  map[string]*AppRoute
	ordered []*AppRoute
}

// NewAppRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewAppRegistry(cfg *config.Config) (*AppRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &AppRegistry{
		routes: make(map[string]*AppRoute, len(cfg.Apps)),
		byName: make(map[string]*AppRoute, len(cfg.Apps)),
	}

	for _, app := range cfg.Apps {
		normalizedHost := normalizeDomain(app.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for app %s", app.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[app.Name]; exists {
			return nil, fmt.Errorf("duplicate app name %s", app.Name)
		}

		route, err := buildAppRoute(cfg, app)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[app.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 AppRoute。
func (r *AppRegistry) Lookup(host string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// LookupName 按 App 名称查找。
func (r *AppRegistry) LookupName(name string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[name]
	return route, ok
}

// LookupInitiator 根据 Origin / Referer 头找到发起跨域请求的 App。
// 浏览器把 shellgate 当作正向代理访问第三方主机时，Host 属于第三方，
// 只能通过这两个头判断请求来自哪个受控页面。
func (r *AppRegistry) LookupInitiator(origin, referer string) (*AppRoute, bool) {
	for _, raw := range []string{origin, referer} {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "null" {
			continue
		}
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			continue
		}
		if route, ok := r.Lookup(parsed.Host); ok {
			return route, true
		}
	}
	return nil, false
}

// List 返回当前注册的 AppRoute 列表（按配置定义的顺序），用于 /-/apps 输出。
func (r *AppRegistry) List() []AppRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}

	result := make([]AppRoute, len(r.ordered))
	for i, route := range r.ordered {
		result[i] = *route
	}
	return result
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
