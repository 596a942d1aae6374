package proxy

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/worker"
)

const requestIDKey = "_shellgate_request_id"

func TestForwarderMissingContainer(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "missing-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	forwarder := NewForwarder(worker.NewRegistry(quiet), NewHandler(quiet), logger)
	route := newTestRoute(t, "http://127.0.0.1:1")

	if err := forwarder.Handle(ctx, route); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 for missing container, got %d", status)
	}
	if body := string(ctx.Response().Body()); !strings.Contains(body, "app_container_missing") {
		t.Fatalf("expected error body to mention app_container_missing, got %s", body)
	}
	if !strings.Contains(logBuf.String(), "app_container_missing") {
		t.Fatalf("expected log to mention app_container_missing, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "missing-req" {
		t.Fatalf("expected request id header missing-req, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "missing-req") {
		t.Fatalf("expected log to include request id, got %s", logBuf.String())
	}
}

func TestForwarderHandlerPanic(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()
	ctx := app.AcquireCtx(new(fasthttp.RequestCtx))
	defer app.ReleaseCtx(ctx)
	ctx.Locals(requestIDKey, "panic-req")

	logger := logrus.New()
	logBuf := &bytes.Buffer{}
	logger.SetOutput(logBuf)

	route := newTestRoute(t, "http://127.0.0.1:1")
	workers := worker.NewRegistry(logger)
	if err := workers.Add(newTestContainer(t, route, NewUpstream(nil, route))); err != nil {
		t.Fatalf("add container: %v", err)
	}

	forwarder := NewForwarder(workers, RouteHandlerFunc(func(c fiber.Ctx, _ *server.AppRoute, _ *worker.Container) error {
		c.Set("X-Partial", "1")
		panic("boom")
	}), logger)

	if err := forwarder.Handle(ctx, route); err != nil {
		t.Fatalf("forwarder.Handle returned unexpected error: %v", err)
	}
	if status := ctx.Response().StatusCode(); status != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503 for handler panic, got %d", status)
	}
	if len(ctx.Response().Body()) != 0 {
		t.Fatalf("synthetic 503 should have an empty body, got %q", ctx.Response().Body())
	}
	if got := string(ctx.Response().Header.Peek("X-Partial")); got != "" {
		t.Fatalf("partial headers should be discarded, got %s", got)
	}
	if !strings.Contains(logBuf.String(), "route_handler_panic") {
		t.Fatalf("expected log to mention route_handler_panic, got %s", logBuf.String())
	}
	if got := string(ctx.Response().Header.Peek("X-Request-ID")); got != "panic-req" {
		t.Fatalf("expected request id header panic-req, got %s", got)
	}
}
