package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/worker"
)

// RouteHandler 执行一次已确定 Container 的路由。
type RouteHandler interface {
	Serve(fiber.Ctx, *server.AppRoute, *worker.Container) error
}

// RouteHandlerFunc adapts a function to the RouteHandler interface.
type RouteHandlerFunc func(fiber.Ctx, *server.AppRoute, *worker.Container) error

// Serve makes RouteHandlerFunc satisfy RouteHandler.
func (f RouteHandlerFunc) Serve(c fiber.Ctx, route *server.AppRoute, container *worker.Container) error {
	return f(c, route, container)
}

// Forwarder 根据 AppRoute 找到对应的 worker.Container 并交给 Handler；
// 找不到 Container 或 Handler panic 时统一返回 503，保证客户端总能收到响应。
type Forwarder struct {
	workers *worker.Registry
	handler RouteHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder，实现 server.ProxyHandler。
func NewForwarder(workers *worker.Registry, handler RouteHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		workers: workers,
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, route *server.AppRoute) error {
	requestID := server.RequestID(c)
	container := f.lookup(route)
	if container == nil || f.handler == nil {
		return f.respondMissingContainer(c, route, requestID)
	}
	return f.invokeHandler(c, route, container, requestID)
}

func (f *Forwarder) lookup(route *server.AppRoute) *worker.Container {
	if f.workers == nil || route == nil {
		return nil
	}
	container, ok := f.workers.Get(route.Name())
	if !ok {
		return nil
	}
	return container
}

func (f *Forwarder) respondMissingContainer(c fiber.Ctx, route *server.AppRoute, requestID string) error {
	f.logRouteError(route, "app_container_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusServiceUnavailable).
		JSON(fiber.Map{"error": "app_container_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, route *server.AppRoute, container *worker.Container, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, route, r, requestID)
		}
	}()
	return f.handler.Serve(c, route, container)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, route *server.AppRoute, recovered interface{}, requestID string) error {
	f.logRouteError(route, "route_handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	c.Response().Reset()
	setRequestIDHeader(c, requestID)
	c.Set("X-Shellgate-Outcome", string(worker.OutcomeTotalFailure))
	c.Status(fiber.StatusServiceUnavailable)
	return nil
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logRouteError(route *server.AppRoute, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := routeFields(route, requestID)
	fields["action"] = "route"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("app container unavailable")
}

func routeFields(route *server.AppRoute, requestID string) logrus.Fields {
	if route == nil {
		return logrus.Fields{
			"app":    "",
			"domain": "",
		}
	}

	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, "", "", "")
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
