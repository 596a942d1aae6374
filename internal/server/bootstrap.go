package server

import (
	"fmt"
	"net/url"

	"github.com/shellgate/shellgate/internal/config"
)

func buildAppRoute(cfg *config.Config, app config.AppConfig) (*AppRoute, error) {
	upstreamURL, err := url.Parse(app.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for app %s: %w", app.Name, err)
	}

	var proxyURL *url.URL
	if app.Proxy != "" {
		proxyURL, err = url.Parse(app.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for app %s: %w", app.Name, err)
		}
	}

	return &AppRoute{
		Config:            app,
		ListenPort:        cfg.Global.ListenPort,
		NavigationTimeout: cfg.EffectiveNavigationTimeout(app),
		Origin:            appOrigin(cfg.Global.PublicScheme, app.Domain),
		UpstreamURL:       upstreamURL,
		ProxyURL:          proxyURL,
	}, nil
}

// appOrigin 以对外 scheme 与 Domain 组成站点源，Domain 中的端口原样保留。
func appOrigin(scheme, domain string) *url.URL {
	if scheme == "" {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: domain}
}
