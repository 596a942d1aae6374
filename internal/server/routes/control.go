package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/worker"
)

// MessageSkipWaiting 是唯一支持的控制消息类型。
const MessageSkipWaiting = "SKIP_WAITING"

type controlMessage struct {
	Type string `json:"type"`
}

// RegisterControlRoutes 注册 /-/sw/ 控制通道。路由中间件已按 Host 解析出 App，
// 因此同一路径在不同域名上作用于不同 App。
func RegisterControlRoutes(app *fiber.App, workers *worker.Registry, logger *logrus.Logger) {
	if app == nil || workers == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		container, code := lookupContainer(c, workers)
		if container == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": code})
		}

		var msg controlMessage
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if strings.TrimSpace(msg.Type) != MessageSkipWaiting {
			logger.WithFields(logrus.Fields{
				"action":       "control_message",
				"app":          container.Name(),
				"message_type": msg.Type,
				"request_id":   server.RequestID(c),
			}).Warn("unsupported_message")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unsupported_message"})
		}

		err := container.SkipWaiting(requestContext(c))
		switch {
		case err == nil:
		case errors.Is(err, worker.ErrNothingWaiting):
			return c.JSON(fiber.Map{"type": MessageSkipWaiting, "result": "nothing_waiting"})
		default:
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "control_message",
				"app":        container.Name(),
				"request_id": server.RequestID(c),
			}).Error("skip_waiting_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "skip_waiting_failed"})
		}

		result := "activated"
		if status := container.Status(requestContext(c)); status.Installing != nil {
			result = "deferred"
		}
		return c.JSON(fiber.Map{"type": MessageSkipWaiting, "result": result})
	})

	app.Post("/-/sw/update", func(c fiber.Ctx) error {
		container, code := lookupContainer(c, workers)
		if container == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": code})
		}
		inst, err := container.Update(requestContext(c))
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"action":     "update",
				"app":        container.Name(),
				"request_id": server.RequestID(c),
			}).Error("update_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "update_failed",
				"detail": err.Error(),
			})
		}
		return c.JSON(inst.Status())
	})

	app.Post("/-/sw/clients/close", func(c fiber.Ctx) error {
		container, code := lookupContainer(c, workers)
		if container == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": code})
		}
		id := c.Cookies(server.ClientCookie)
		if id == "" {
			return c.SendStatus(fiber.StatusNoContent)
		}
		if container.ReleaseClient(requestContext(c), id) {
			logger.WithFields(logrus.Fields{
				"action": "client_closed",
				"app":    container.Name(),
				"client": id,
			}).Debug("client_closed")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// lookupContainer 取出 Host 对应 App 的 Container，找不到时返回错误码。
func lookupContainer(c fiber.Ctx, workers *worker.Registry) (*worker.Container, string) {
	route, ok := server.RouteFromContext(c)
	if !ok {
		return nil, "host_unmapped"
	}
	container, ok := workers.Get(route.Name())
	if !ok {
		return nil, "app_not_found"
	}
	return container, ""
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
