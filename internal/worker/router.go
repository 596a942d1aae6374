package worker

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/metrics"
)

// Router 是一个已激活版本的请求路由器，绑定唯一的缓存代际。
type Router struct {
	app        string
	origin     *url.URL
	generation Generation

	store   cache.Store
	writer  cache.SnapshotWriter
	network Network
	logger  *logrus.Logger

	shellKey       string
	placeholderKey string
	navTimeout     time.Duration
	after          func(time.Duration) <-chan time.Time
}

// RouterConfig 描述构造 Router 所需的参数。
type RouterConfig struct {
	App             string
	Origin          *url.URL
	Scope           string
	Generation      Generation
	Store           cache.Store
	Network         Network
	Logger          *logrus.Logger
	ShellPath       string
	PlaceholderPath string
	NavTimeout      time.Duration

	// After 用于注入计时器，测试中可替换为手动触发的 channel。
	After func(time.Duration) <-chan time.Time
}

// NewRouter 构造 Router。ShellPath/PlaceholderPath 相对 Scope 解析。
func NewRouter(cfg RouterConfig) *Router {
	after := cfg.After
	if after == nil {
		after = time.After
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	navTimeout := cfg.NavTimeout
	if navTimeout <= 0 {
		navTimeout = 3 * time.Second
	}
	r := &Router{
		app:        cfg.App,
		origin:     cfg.Origin,
		generation: cfg.Generation,
		store:      cfg.Store,
		writer:     cache.NewSnapshotWriter(cfg.Store),
		network:    cfg.Network,
		logger:     logger,
		navTimeout: navTimeout,
		after:      after,
	}
	if cfg.ShellPath != "" {
		r.shellKey = scopedKey(cfg.Scope, cfg.ShellPath)
	}
	if cfg.PlaceholderPath != "" {
		r.placeholderKey = scopedKey(cfg.Scope, cfg.PlaceholderPath)
	}
	return r
}

// Generation 返回 Router 绑定的代际。
func (r *Router) Generation() Generation {
	return r.generation
}

// Classify 按优先级判定请求类别：非 GET → 同源导航 → 同源静态资源 → 跨域。
func (r *Router) Classify(req *Request) Class {
	return classify(r.origin, req)
}

func classify(origin *url.URL, req *Request) Class {
	if req.Method != "GET" {
		return ClassPassthrough
	}
	if !sameOrigin(origin, req.URL) {
		return ClassCrossOrigin
	}
	if req.IsNavigation() {
		return ClassNavigation
	}
	return ClassStatic
}

// Route 总是返回格式完整的 Response，任何网络/存储错误都会被转换为兜底响应。
func (r *Router) Route(ctx context.Context, req *Request) *Response {
	class := r.Classify(req)
	var resp *Response
	switch class {
	case ClassPassthrough:
		resp = r.passthrough(ctx, req)
	case ClassNavigation:
		resp = r.navigate(ctx, req)
	case ClassStatic:
		resp = r.static(ctx, req)
	default:
		resp = r.crossOrigin(ctx, req)
	}
	resp.Generation = r.generation.Name
	metrics.RouteTotal.WithLabelValues(r.app, string(class), string(resp.Outcome)).Inc()
	return resp
}

func (r *Router) passthrough(ctx context.Context, req *Request) *Response {
	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		r.logger.WithError(err).
			WithFields(logrus.Fields{"action": "passthrough_failed", "app": r.app, "method": req.Method}).
			Warn("upstream_failed")
		return badGateway()
	}
	resp.Outcome = OutcomePassthrough
	return resp
}

func (r *Router) crossOrigin(ctx context.Context, req *Request) *Response {
	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		r.logger.WithError(err).
			WithFields(logrus.Fields{"action": "cross_origin_failed", "app": r.app, "host": req.URL.Host}).
			Warn("upstream_failed")
		return serviceUnavailable()
	}
	resp.Outcome = OutcomeNetwork
	return resp
}

// static 为缓存优先策略：命中时不产生任何网络请求；未命中时回源并懒加载写入。
func (r *Router) static(ctx context.Context, req *Request) *Response {
	locator := r.locator(RequestKey(req.URL))
	if snap := r.lookup(ctx, locator); snap != nil {
		return fromSnapshot(snap, OutcomeHit)
	}

	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		r.logger.WithError(err).
			WithFields(logrus.Fields{"action": "static_fetch_failed", "app": r.app, "key": locator.Key}).
			Warn("upstream_failed")
		if req.IsImage() && r.placeholderKey != "" {
			if snap := r.lookup(ctx, r.locator(r.placeholderKey)); snap != nil {
				return fromSnapshot(snap, OutcomeMissFallback)
			}
		}
		return serviceUnavailable()
	}

	if cache.Storable(resp.Status) {
		r.store200(ctx, locator, resp)
	}
	resp.Outcome = OutcomeMissFetch
	return resp
}

func (r *Router) locator(key string) cache.Locator {
	return cache.Locator{Namespace: r.app, Generation: r.generation.Name, Key: key}
}

// lookup 读取快照，存储错误按未命中处理。
func (r *Router) lookup(ctx context.Context, locator cache.Locator) *cache.Snapshot {
	if r.store == nil {
		return nil
	}
	snap, err := r.store.Get(ctx, locator)
	switch {
	case err == nil:
		return snap
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		metrics.CacheErrors.WithLabelValues("get").Inc()
		r.logger.WithError(err).
			WithFields(logrus.Fields{"action": "cache_get_failed", "app": r.app, "generation": locator.Generation, "key": locator.Key}).
			Warn("cache_get_failed")
		return nil
	}
}

// store200 尽力写入，失败只记录日志。
func (r *Router) store200(ctx context.Context, locator cache.Locator, resp *Response) {
	if !r.writer.Enabled() {
		return
	}
	err := r.writer.Put(ctx, locator, resp.Status, resp.Header, resp.Body)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrGenerationNotFound):
		// 代际已被新版本清理，写入作废。
		r.logger.WithFields(logrus.Fields{"action": "cache_put_skipped", "app": r.app, "generation": locator.Generation, "key": locator.Key}).
			Debug("generation_gone")
	default:
		metrics.CacheErrors.WithLabelValues("put").Inc()
		r.logger.WithError(err).
			WithFields(logrus.Fields{"action": "cache_put_failed", "app": r.app, "generation": locator.Generation, "key": locator.Key}).
			Warn("cache_put_failed")
	}
}

func fromSnapshot(snap *cache.Snapshot, outcome Outcome) *Response {
	return &Response{
		Status:  snap.Status,
		Header:  snap.Header.Clone(),
		Body:    snap.Body,
		Outcome: outcome,
	}
}

func sameOrigin(origin, target *url.URL) bool {
	if origin == nil || target == nil {
		return false
	}
	if target.Host == "" {
		return true
	}
	if !strings.EqualFold(origin.Host, target.Host) {
		return false
	}
	return target.Scheme == "" || strings.EqualFold(origin.Scheme, target.Scheme)
}

func scopedKey(scope, rel string) string {
	base, err := url.Parse(scope)
	if err != nil {
		base = &url.URL{Path: "/"}
	}
	ref, err := url.Parse(rel)
	if err != nil {
		return RequestKey(&url.URL{Path: scope + rel})
	}
	return RequestKey(base.ResolveReference(ref))
}
