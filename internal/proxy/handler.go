package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/worker"
)

// Handler 把 fiber 请求翻译为 worker.Request，交给 App 的 Container 路由，
// 再把 worker.Response 原样写回客户端，并附带路由结果相关的响应头。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a handler that logs through logger.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{logger: logger}
}

// Serve 执行一次路由。Container.Route 总是返回完整响应，因此这里只处理翻译与写回。
func (h *Handler) Serve(c fiber.Ctx, route *server.AppRoute, container *worker.Container) error {
	started := time.Now()
	requestID := server.RequestID(c)
	crossOrigin := server.IsCrossOrigin(c)

	req := buildWorkerRequest(c, route, crossOrigin)
	class := container.Classify(req)
	clientID := ""
	if !crossOrigin {
		clientID = h.clientID(c, route, class)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp := container.Route(ctx, req, clientID)

	if !crossOrigin && container.IsWorkerScript(req.URL) && resp.Status < http.StatusBadRequest {
		header := resp.Header.Clone()
		if header == nil {
			header = http.Header{}
		}
		header.Set("Service-Worker-Allowed", route.Config.Scope)
		header.Set("Cache-Control", "no-cache")
		resp.Header = header
	}
	err := writeResponse(c, resp, requestID, req.Method)
	h.logResult(route, req, class, resp, requestID, started, err)
	return err
}

// clientID 读取客户端 Cookie；页面导航且尚无标识时签发新的标识。
func (h *Handler) clientID(c fiber.Ctx, route *server.AppRoute, class worker.Class) string {
	if id := c.Cookies(server.ClientCookie); id != "" {
		return id
	}
	if class != worker.ClassNavigation {
		return ""
	}
	id := uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     server.ClientCookie,
		Value:    id,
		Path:     route.Config.Scope,
		HTTPOnly: true,
		Secure:   route.Origin.Scheme == "https",
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}

func buildWorkerRequest(c fiber.Ctx, route *server.AppRoute, crossOrigin bool) *worker.Request {
	target := &url.URL{
		Scheme:   route.Origin.Scheme,
		Host:     route.Origin.Host,
		Path:     string(c.Request().URI().Path()),
		RawQuery: string(c.Request().URI().QueryString()),
	}
	if crossOrigin {
		target.Scheme = c.Scheme()
		target.Host = c.Host()
	}

	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}
	return worker.NewRequest(c.Method(), target, header, body)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func writeResponse(c fiber.Ctx, resp *worker.Response, requestID, method string) error {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	c.Set("X-Shellgate-Outcome", string(resp.Outcome))
	if resp.Generation != "" {
		c.Set("X-Shellgate-Generation", resp.Generation)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	c.Status(resp.Status)
	if method == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) logResult(
	route *server.AppRoute,
	req *worker.Request,
	class worker.Class,
	resp *worker.Response,
	requestID string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		resp.Generation,
		string(class),
		string(resp.Outcome),
	)
	fields["action"] = "route"
	fields["method"] = req.Method
	fields["path"] = worker.RequestKey(req.URL)
	fields["status"] = resp.Status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("route_write_failed")
		return
	}
	if resp.Outcome == worker.OutcomeTotalFailure {
		h.logger.WithFields(fields).Warn("route_failed")
		return
	}
	h.logger.WithFields(fields).Info("route_complete")
}
