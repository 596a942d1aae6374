package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
)

var errOffline = errors.New("network unreachable")

// fakeNetwork 记录每次回源的请求标识，并交给 handler 生成响应。
type fakeNetwork struct {
	mu      sync.Mutex
	calls   []*Request
	handler func(req *Request) (*Response, error)
}

func (f *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	handler := f.handler
	f.mu.Unlock()
	return handler(req)
}

func (f *fakeNetwork) setHandler(h func(req *Request) (*Response, error)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeNetwork) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNetwork) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func (f *fakeNetwork) lastCall() *Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// siteHandler 以 key → body 的方式模拟源站，未知路径返回 404。
func siteHandler(files map[string]string) func(req *Request) (*Response, error) {
	return func(req *Request) (*Response, error) {
		body, ok := files[RequestKey(req.URL)]
		if !ok {
			return &Response{Status: http.StatusNotFound, Header: http.Header{}}, nil
		}
		return &Response{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{contentTypeFor(RequestKey(req.URL))}},
			Body:   []byte(body),
		}, nil
	}
}

func offlineHandler(req *Request) (*Response, error) {
	return nil, errOffline
}

func contentTypeFor(key string) string {
	switch {
	case key == "/" || key == "/index.html":
		return "text/html; charset=utf-8"
	case len(key) > 4 && key[len(key)-4:] == ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func keypadFiles(version string) map[string]string {
	return map[string]string{
		"/":             "<html>root " + version + "</html>",
		"/index.html":   "<html>shell " + version + "</html>",
		"/styles.css":   "body{} /* " + version + " */",
		"/app.js":       "console.log('" + version + "')",
		"/icon-192.png": "png-192",
		"/sw.js":        "// worker " + version,
	}
}

func keypadManifest(version string) Manifest {
	return Manifest{
		Version: version,
		Assets:  []string{"./", "index.html", "styles.css", "app.js", "icon-192.png", "sw.js"},
	}
}

// faultyStore 包装 Store，可按操作注入错误。
type faultyStore struct {
	cache.Store
	mu        sync.Mutex
	getErr    error
	putErr    error
	createErr error
	deleteErr error
}

func (s *faultyStore) set(fn func(s *faultyStore)) {
	s.mu.Lock()
	fn(s)
	s.mu.Unlock()
}

func (s *faultyStore) Get(ctx context.Context, l cache.Locator) (*cache.Snapshot, error) {
	s.mu.Lock()
	err := s.getErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, l)
}

func (s *faultyStore) Put(ctx context.Context, l cache.Locator, snap *cache.Snapshot) error {
	s.mu.Lock()
	err := s.putErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.Put(ctx, l, snap)
}

func (s *faultyStore) CreateGeneration(ctx context.Context, ns, gen string) error {
	s.mu.Lock()
	err := s.createErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.CreateGeneration(ctx, ns, gen)
}

func (s *faultyStore) DeleteGeneration(ctx context.Context, ns, gen string) error {
	s.mu.Lock()
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.Store.DeleteGeneration(ctx, ns, gen)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOrigin() *url.URL {
	u, _ := url.Parse("https://keypad.local")
	return u
}

func newTestContainer(t *testing.T, store cache.Store, network Network, mutate ...func(*Options)) *Container {
	t.Helper()
	opts := Options{
		App:               "keypad",
		Origin:            testOrigin(),
		Scope:             "/",
		CachePrefix:       "phone-keypad",
		ShellPath:         "index.html",
		PlaceholderPath:   "icon-192.png",
		WorkerPath:        "sw.js",
		NavigationTimeout: time.Second,
		ClientIdleTimeout: time.Minute,
		Store:             store,
		Network:           network,
		Logger:            quietLogger(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c, err := NewContainer(opts)
	if err != nil {
		t.Fatalf("NewContainer error: %v", err)
	}
	return c
}

func mustRegister(t *testing.T, c *Container, m Manifest) *Instance {
	t.Helper()
	inst, err := c.Register(context.Background(), m)
	if err != nil {
		t.Fatalf("Register(%s) error: %v", m.Version, err)
	}
	return inst
}

func getRequest(t *testing.T, rawURL string, header http.Header) *Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return NewRequest(http.MethodGet, u, header, nil)
}

func navigationRequest(t *testing.T, rawURL string) *Request {
	return getRequest(t, rawURL, http.Header{
		"Sec-Fetch-Mode": []string{"navigate"},
		"Sec-Fetch-Dest": []string{"document"},
		"Accept":         []string{"text/html,application/xhtml+xml"},
	})
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
