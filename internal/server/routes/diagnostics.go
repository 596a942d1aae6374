package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shellgate/shellgate/internal/metrics"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/worker"
)

// RegisterDiagnosticsRoutes 暴露 /-/apps、/-/healthz 与 /-/metrics，供 SRE 查询各 App 的
// 实例状态与存储中的缓存代际。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.AppRegistry, workers *worker.Registry) {
	if app == nil || registry == nil || workers == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"apps":   len(registry.List()),
		})
	})

	app.Get("/-/apps", func(c fiber.Ctx) error {
		routes := registry.List()
		payload := make([]appPayload, 0, len(routes))
		for i := range routes {
			payload = append(payload, encodeApp(c, &routes[i], workers))
		}
		return c.JSON(fiber.Map{"apps": payload})
	})

	app.Get("/-/apps/:name", func(c fiber.Ctx) error {
		route, ok := registry.LookupName(c.Params("name"))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
		}
		return c.JSON(encodeApp(c, route, workers))
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))
}

type appPayload struct {
	Name              string                  `json:"name"`
	Domain            string                  `json:"domain"`
	Origin            string                  `json:"origin"`
	Upstream          string                  `json:"upstream"`
	Scope             string                  `json:"scope"`
	CachePrefix       string                  `json:"cache_prefix"`
	NavigationTimeout string                  `json:"navigation_timeout"`
	Port              int                     `json:"port"`
	Worker            *worker.ContainerStatus `json:"worker,omitempty"`
}

func encodeApp(c fiber.Ctx, route *server.AppRoute, workers *worker.Registry) appPayload {
	payload := appPayload{
		Name:              route.Config.Name,
		Domain:            route.Config.Domain,
		Origin:            route.Origin.String(),
		Upstream:          route.Config.Upstream,
		Scope:             route.Config.Scope,
		CachePrefix:       route.Config.CachePrefix,
		NavigationTimeout: route.NavigationTimeout.String(),
		Port:              route.ListenPort,
	}
	if container, ok := workers.Get(route.Config.Name); ok {
		status := container.Status(requestContext(c))
		payload.Worker = &status
	}
	return payload
}
