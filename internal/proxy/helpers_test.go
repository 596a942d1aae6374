package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/config"
	"github.com/shellgate/shellgate/internal/server"
	"github.com/shellgate/shellgate/internal/worker"
)

var keypadAssets = []string{"./", "index.html", "styles.css", "app.js", "manifest.json", "icon-192.png", "sw.js"}

// stubOrigin 模拟源站：offline 时直接断开连接，产生传输层错误。
type stubOrigin struct {
	*httptest.Server

	offline atomic.Bool
	version atomic.Value

	mu       sync.Mutex
	requests []*http.Request
}

func newStubOrigin(t *testing.T) *stubOrigin {
	t.Helper()
	s := &stubOrigin{}
	s.version.Store("v1")
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *stubOrigin) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Clone(r.Context()))
	s.mu.Unlock()

	if s.offline.Load() {
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	version := s.version.Load().(string)
	switch r.URL.Path {
	case "/", "/index.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>keypad "+version+"</html>")
	case "/styles.css":
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "body{}")
	case "/app.js", "/sw.js":
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = io.WriteString(w, "// "+r.URL.Path)
	case "/manifest.json":
		w.Header().Set("Content-Type", "application/manifest+json")
		_, _ = io.WriteString(w, `{"name":"keypad"}`)
	case "/icon-192.png":
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	case "/api/echo":
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	case "/fonts/inter.woff2":
		w.Header().Set("Content-Type", "font/woff2")
		_, _ = io.WriteString(w, "font-bytes")
	default:
		http.NotFound(w, r)
	}
}

func (s *stubOrigin) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *stubOrigin) lastRequest() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[len(s.requests)-1]
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRoute(t *testing.T, upstream string) *server.AppRoute {
	t.Helper()
	registry, err := server.NewAppRegistry(&config.Config{
		Global: config.GlobalConfig{
			ListenPort:        5000,
			PublicScheme:      "https",
			NavigationTimeout: config.Duration(2 * time.Second),
		},
		Apps: []config.AppConfig{{
			Name:            "keypad",
			Domain:          "keypad.local",
			Upstream:        upstream,
			Scope:           "/",
			CachePrefix:     "phone-keypad",
			Version:         "v1",
			Manifest:        keypadAssets,
			ShellPath:       "index.html",
			PlaceholderPath: "icon-192.png",
			WorkerPath:      "sw.js",
		}},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	route, _ := registry.LookupName("keypad")
	return route
}

func newTestContainer(t *testing.T, route *server.AppRoute, network worker.Network) *worker.Container {
	t.Helper()
	container, err := worker.NewContainer(worker.Options{
		App:               route.Config.Name,
		Origin:            route.Origin,
		Scope:             route.Config.Scope,
		CachePrefix:       route.Config.CachePrefix,
		ShellPath:         route.Config.ShellPath,
		PlaceholderPath:   route.Config.PlaceholderPath,
		WorkerPath:        route.Config.WorkerPath,
		NavigationTimeout: route.NavigationTimeout,
		ClientIdleTimeout: time.Hour,
		Store:             cache.NewMemoryStore(),
		Network:           network,
		Source: func() (worker.Manifest, error) {
			return worker.Manifest{Version: route.Config.Version, Assets: route.Config.Manifest}, nil
		},
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("container: %v", err)
	}
	return container
}

type gateway struct {
	app       *fiber.App
	origin    *stubOrigin
	container *worker.Container
}

// newGateway 组装完整链路：fiber → Forwarder → Handler → Container → Upstream → stubOrigin。
func newGateway(t *testing.T, register bool) *gateway {
	t.Helper()
	origin := newStubOrigin(t)
	route := newTestRoute(t, origin.URL)
	container := newTestContainer(t, route, NewUpstream(origin.Client(), route))

	logger := quietLogger()
	workers := worker.NewRegistry(logger)
	if err := workers.Add(container); err != nil {
		t.Fatalf("add container: %v", err)
	}
	registry, err := server.NewAppRegistry(&config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, PublicScheme: "https"},
		Apps:   []config.AppConfig{route.Config},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(workers, NewHandler(logger), logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}

	if register {
		if _, err := container.Update(t.Context()); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return &gateway{app: app, origin: origin, container: container}
}

func (g *gateway) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := g.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func keypadRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, "http://keypad.local"+path, body)
	req.Host = "keypad.local"
	return req
}
