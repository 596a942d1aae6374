package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/proxy"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/worker"
)

func storeOptions(cfg *config.Config) cache.Options {
	return cache.Options{
		Driver:        cfg.Global.StorageDriver,
		Path:          cfg.Global.StoragePath,
		RedisAddr:     cfg.Global.RedisAddr,
		RedisPassword: cfg.Global.RedisPassword,
		RedisDB:       cfg.Global.RedisDB,
	}
}

// buildWorkers 为每个 App 构造 Container：共享快照存储，回源客户端按 App 的 Proxy 配置区分。
func buildWorkers(cfg *config.Config, registry *server.AppRegistry, store cache.Store, logger *logrus.Logger) (*worker.Registry, error) {
	base := server.NewUpstreamClient(cfg)
	workers := worker.NewRegistry(logger)

	for _, route := range registry.List() {
		client, err := server.ClientForRoute(base, &route)
		if err != nil {
			return nil, err
		}
		container, err := worker.NewContainer(worker.Options{
			App:               route.Config.Name,
			Origin:            route.Origin,
			Scope:             route.Config.Scope,
			CachePrefix:       route.Config.CachePrefix,
			ShellPath:         route.Config.ShellPath,
			PlaceholderPath:   route.Config.PlaceholderPath,
			WorkerPath:        route.Config.WorkerPath,
			NavigationTimeout: route.NavigationTimeout,
			ClientIdleTimeout: cfg.EffectiveClientIdleTimeout(),
			Store:             store,
			Network:           proxy.NewUpstream(client, &route),
			Source:            manifestSource(route.Config),
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("app %s: %w", route.Config.Name, err)
		}
		if err := workers.Add(container); err != nil {
			return nil, err
		}
	}
	return workers, nil
}

// manifestSource 每次安装都重新解析清单，/-/sw/update 因此能读到新部署的 ManifestFile。
func manifestSource(app config.AppConfig) worker.ManifestSource {
	return func() (worker.Manifest, error) {
		resolved, err := app.ResolveManifest()
		if err != nil {
			return worker.Manifest{}, err
		}
		return worker.Manifest{Version: resolved.Version, Assets: resolved.Assets}, nil
	}
}
