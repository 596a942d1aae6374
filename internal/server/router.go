package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for routing requests of a
// mapped app through its worker container. It allows injecting fake handlers
// during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *AppRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *AppRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *AppRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *AppRegistry
	Proxy      ProxyHandler
	ListenPort int
}

// ClientCookie 保存客户端（单个打开的页面）标识，用于判断旧实例是否仍控制页面。
const ClientCookie = "shellgate_client"

const (
	contextKeyRoute       = "_shellgate_route"
	contextKeyRequestID   = "_shellgate_request_id"
	contextKeyCrossOrigin = "_shellgate_cross_origin"

	controlPathPrefix = "/-/sw/"
)

// NewApp builds a Fiber application with Host routing middleware and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("app registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c fiber.Ctx, e any) {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "recover",
				"path":       string(c.Request().URI().Path()),
				"request_id": RequestID(c),
				"panic":      fmt.Sprint(e),
			}).Error("panic_recovered")
		},
	}))
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isGatewayPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		route, _ := RouteFromContext(c)
		if route == nil {
			return renderHostUnmapped(c, opts.Logger, "", opts.ListenPort)
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并基于 Host 查找 AppRoute；
// Host 未映射时再按 Origin/Referer 识别发起跨域请求的 App。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := incomingRequestID(c)
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		path := string(c.Request().URI().Path())
		if isDiagnosticsPath(path) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		if route, ok := opts.Registry.Lookup(rawHost); ok {
			c.Locals(contextKeyRoute, route)
			return c.Next()
		}

		if !isGatewayPath(path) {
			if route, ok := opts.Registry.LookupInitiator(c.Get(fiber.HeaderOrigin), c.Get(fiber.HeaderReferer)); ok {
				c.Locals(contextKeyRoute, route)
				c.Locals(contextKeyCrossOrigin, true)
				return c.Next()
			}
		}

		return renderHostUnmapped(c, opts.Logger, rawHost, opts.ListenPort)
	}
}

// incomingRequestID 沿用上游负载均衡器传入的 UUID 形式 X-Request-ID，否则新建。
func incomingRequestID(c fiber.Ctx) string {
	if raw := strings.TrimSpace(c.Get("X-Request-ID")); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}

// errorHandler 把 fiber 内部错误（405、413 等）渲染为 JSON 错误码；
// 其余错误（包括 recover 捕获的 panic）一律按合成 503 返回，body 为空。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": errorCode(fe.Message)})
		}

		logger.WithError(err).WithFields(logrus.Fields{
			"action":     "request",
			"path":       string(c.Request().URI().Path()),
			"request_id": RequestID(c),
		}).Error("request_failed")

		c.Response().Reset()
		if reqID := RequestID(c); reqID != "" {
			c.Set("X-Request-ID", reqID)
		}
		c.Set("X-Shellgate-Outcome", "total-failure")
		c.Status(fiber.StatusServiceUnavailable)
		return nil
	}
}

// errorCode 把 "Method Not Allowed" 转为 method_not_allowed。
func errorCode(message string) string {
	code := strings.ToLower(strings.TrimSpace(message))
	code = strings.NewReplacer(" ", "_", "-", "_").Replace(code)
	if code == "" {
		return "internal_error"
	}
	return code
}

func renderHostUnmapped(c fiber.Ctx, logger *logrus.Logger, host string, port int) error {
	fields := logrus.Fields{
		"action": "host_lookup",
		"host":   host,
		"port":   port,
	}
	logger.WithFields(fields).Warn("host unmapped")

	if host != "" {
		c.Set("X-Shellgate-Host", host)
	}

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "host_unmapped",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

// RouteFromContext 返回中间件解析出的 AppRoute。
func RouteFromContext(c fiber.Ctx) (*AppRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*AppRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// IsCrossOrigin 报告当前请求是否通过 Origin/Referer 归属到 App（Host 属于第三方）。
func IsCrossOrigin(c fiber.Ctx) bool {
	if value, ok := c.Locals(contextKeyCrossOrigin).(bool); ok {
		return value
	}
	return false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// isGatewayPath 覆盖全部 /-/ 路径（诊断与控制通道）。
func isGatewayPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}

// isDiagnosticsPath 是与 Host 无关的 /-/ 路径；/-/sw/ 需要先解析 App。
func isDiagnosticsPath(path string) bool {
	return isGatewayPath(path) && !strings.HasPrefix(path, controlPathPrefix)
}
