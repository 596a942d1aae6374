package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellgate/shellgate/internal/cache"
	"github.com/shellgate/shellgate/internal/logging"
	"github.com/shellgate/shellgate/internal/metrics"
)

// Options 描述一个 App 的 Container 参数。
type Options struct {
	App               string
	Origin            *url.URL // 客户端视角的站点源，例如 https://keypad.example.com
	Scope             string
	CachePrefix       string
	ShellPath         string
	PlaceholderPath   string
	WorkerPath        string
	NavigationTimeout time.Duration
	ClientIdleTimeout time.Duration

	Store   cache.Store
	Network Network
	Source  ManifestSource
	Logger  *logrus.Logger

	// After 注入导航计时器，默认 time.After。
	After func(time.Duration) <-chan time.Time
}

// Container 独占一个 App 的全部缓存代际与 worker 实例，驱动生命周期并转发请求。
//
// regMu 串行化安装/激活；mu 只保护实例指针，路由不会被正在进行的预缓存阻塞。
type Container struct {
	opts      Options
	workerKey string
	clients   *ClientSet
	precacher *precacher
	logger    *logrus.Logger
	now       func() time.Time

	regMu sync.Mutex

	mu            sync.RWMutex
	active        *Instance
	waiting       *Instance
	installing    *Instance
	skipRequested bool
}

// NewContainer 校验参数并构造 Container。
func NewContainer(opts Options) (*Container, error) {
	if opts.App == "" {
		return nil, errors.New("app name required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, fmt.Errorf("app %s: origin required", opts.App)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("app %s: %w", opts.App, cache.ErrStoreUnavailable)
	}
	if opts.Network == nil {
		return nil, fmt.Errorf("app %s: network required", opts.App)
	}
	if opts.Scope == "" {
		opts.Scope = "/"
	}
	if opts.CachePrefix == "" {
		opts.CachePrefix = opts.App
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	c := &Container{
		opts:    opts,
		clients: NewClientSet(opts.ClientIdleTimeout),
		logger:  opts.Logger,
		now:     time.Now,
		precacher: &precacher{
			app:     opts.App,
			origin:  opts.Origin,
			network: opts.Network,
			writer:  cache.NewSnapshotWriter(opts.Store),
			logger:  opts.Logger,
		},
	}
	if opts.WorkerPath != "" {
		c.workerKey = scopedKey(opts.Scope, opts.WorkerPath)
	}
	return c, nil
}

// Name 返回 App 名称。
func (c *Container) Name() string { return c.opts.App }

// Scope 返回注册边界。
func (c *Container) Scope() string { return c.opts.Scope }

// Origin 返回站点源。
func (c *Container) Origin() *url.URL { return c.opts.Origin }

// Clients 暴露客户端集合。
func (c *Container) Clients() *ClientSet { return c.clients }

// IsWorkerScript 判断地址是否为 worker 脚本本身。
func (c *Container) IsWorkerScript(u *url.URL) bool {
	if c.workerKey == "" || u == nil {
		return false
	}
	return RequestKey(&url.URL{Path: u.Path}) == c.workerKey
}

// Classify 返回请求将走的路由策略。
func (c *Container) Classify(req *Request) Class {
	return classify(c.opts.Origin, req)
}

// Active 返回当前激活实例，可能为 nil。
func (c *Container) Active() *Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Waiting 返回等待激活的实例，可能为 nil。
func (c *Container) Waiting() *Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waiting
}

// Update 重新读取清单来源并注册其版本。
func (c *Container) Update(ctx context.Context) (*Instance, error) {
	if c.opts.Source == nil {
		return nil, errors.New("manifest source not configured")
	}
	m, err := c.opts.Source()
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return c.Register(ctx, m)
}

// Register 安装清单对应的版本。与激活中或等待中的版本相同时为空操作并返回已有实例；
// 回退到激活中的版本时丢弃等待中的其他版本。
// 尚无激活实例而存储中已有代际时（进程重启），先接管该代际再安装。
// 代际无法创建或 ctx 在预缓存期间结束时返回错误，单个资源失败不会导致安装失败。
func (c *Container) Register(ctx context.Context, m Manifest) (*Instance, error) {
	c.regMu.Lock()
	defer c.regMu.Unlock()

	gen, err := NewGeneration(c.opts.CachePrefix, m.Version)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	active, waiting := c.active, c.waiting
	c.mu.RUnlock()
	if active != nil && active.Version == m.Version {
		if waiting != nil {
			c.discard(ctx, waiting)
		}
		return active, nil
	}
	if waiting != nil && waiting.Version == m.Version {
		return waiting, nil
	}

	keys, err := m.Resolve(c.opts.Scope)
	if err != nil {
		return nil, err
	}

	if active == nil && waiting == nil {
		restored, current := c.restore(ctx, gen)
		if current {
			restored.setReport(c.precacher.fill(ctx, c.opts.Store, gen, keys))
			return restored, nil
		}
		if restored != nil {
			active = restored
		}
	}

	inst := newInstance(gen, c.newRouter(gen))
	c.mu.Lock()
	c.installing = inst
	c.skipRequested = false
	c.mu.Unlock()
	c.logState("worker_installing", inst)

	if err := c.opts.Store.CreateGeneration(ctx, c.opts.App, gen.Name); err != nil {
		metrics.CacheErrors.WithLabelValues("create").Inc()
		c.abortInstall(ctx, inst, "worker_install_failed", false)
		return nil, fmt.Errorf("create generation %s: %w", gen.Name, err)
	}

	report, err := c.precacher.run(ctx, gen, keys)
	inst.setReport(report)
	if err != nil {
		c.abortInstall(ctx, inst, "worker_install_aborted", true)
		return nil, fmt.Errorf("install %s: %w", gen.Name, err)
	}
	if err := inst.transition(StateInstalled, c.now()); err != nil {
		return nil, err
	}
	c.logger.WithFields(logging.LifecycleFields("worker_installed", c.opts.App, gen.Name, string(StateInstalled))).
		WithFields(logrus.Fields{"stored": len(report.Stored), "failed": len(report.Failed), "bulk": report.Bulk}).
		Info("worker_installed")
	metrics.LifecycleTransitions.WithLabelValues(c.opts.App, string(StateInstalled)).Inc()

	c.mu.Lock()
	skip := c.skipRequested
	c.skipRequested = false
	c.installing = nil
	previous := c.waiting
	c.waiting = inst
	c.mu.Unlock()

	if previous != nil {
		c.discard(ctx, previous)
	}

	if skip || active == nil || c.clients.ControlledBy(active.ID) == 0 {
		if err := c.activate(ctx, inst); err != nil {
			return inst, err
		}
	}
	return inst, nil
}

// abortInstall 放弃安装中的实例；dropGeneration 为 true 时同时删除其代际。
func (c *Container) abortInstall(ctx context.Context, inst *Instance, action string, dropGeneration bool) {
	c.mu.Lock()
	if c.installing == inst {
		c.installing = nil
	}
	c.skipRequested = false
	c.mu.Unlock()
	_ = inst.transition(StateRedundant, c.now())
	c.logState(action, inst)
	if dropGeneration {
		c.deleteGeneration(context.WithoutCancel(ctx), inst.Generation.Name)
	}
}

// discard 将等待中的实例标记为冗余并删除其代际。调用方必须持有 regMu。
func (c *Container) discard(ctx context.Context, inst *Instance) {
	c.mu.Lock()
	if c.waiting == inst {
		c.waiting = nil
	}
	c.mu.Unlock()
	if err := inst.transition(StateRedundant, c.now()); err == nil {
		c.logState("worker_redundant", inst)
	}
	c.deleteGeneration(context.WithoutCancel(ctx), inst.Generation.Name)
}

func (c *Container) deleteGeneration(ctx context.Context, name string) {
	if err := c.opts.Store.DeleteGeneration(ctx, c.opts.App, name); err != nil {
		if errors.Is(err, cache.ErrGenerationNotFound) {
			return
		}
		metrics.CacheErrors.WithLabelValues("delete").Inc()
		c.logger.WithError(err).
			WithFields(logrus.Fields{"action": "generation_delete_failed", "app": c.opts.App, "generation": name}).
			Warn("generation_delete_failed")
		return
	}
	metrics.GenerationsDeleted.WithLabelValues(c.opts.App).Inc()
	c.logger.WithFields(logrus.Fields{"action": "generation_deleted", "app": c.opts.App, "generation": name}).
		Info("generation_deleted")
}

// restore 接管进程重启前留在存储中的代际，使请求在重新安装期间仍由缓存提供。
// 存在 gen 本身时接管它并返回 current=true；否则只有唯一一个同前缀代际时接管该代际。
// 调用方必须持有 regMu。
func (c *Container) restore(ctx context.Context, gen Generation) (inst *Instance, current bool) {
	names, err := c.opts.Store.Generations(ctx, c.opts.App)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("list").Inc()
		c.logger.WithError(err).
			WithFields(logging.LifecycleFields("generation_list_failed", c.opts.App, gen.Name, "")).
			Warn("generation_list_failed")
		return nil, false
	}
	var others []Generation
	for _, name := range names {
		if name == gen.Name {
			current = true
			break
		}
		version, ok := strings.CutPrefix(name, c.opts.CachePrefix+"-")
		if !ok {
			continue
		}
		if other, err := NewGeneration(c.opts.CachePrefix, version); err == nil && other.Name == name {
			others = append(others, other)
		}
	}
	stored := gen
	if !current {
		if len(others) != 1 {
			return nil, false
		}
		stored = others[0]
	}

	inst = newInstance(stored, c.newRouter(stored))
	for _, to := range []State{StateInstalled, StateActivating, StateActivated} {
		if err := inst.transition(to, c.now()); err != nil {
			return nil, false
		}
	}
	claimed := c.clients.ClaimAll(inst.ID)
	c.mu.Lock()
	c.active = inst
	c.mu.Unlock()
	c.logger.WithFields(logging.LifecycleFields("worker_restored", c.opts.App, stored.Name, string(StateActivated))).
		WithField("claimed_clients", claimed).
		Info("worker_restored")
	metrics.LifecycleTransitions.WithLabelValues(c.opts.App, string(StateActivated)).Inc()
	return inst, current
}

// SkipWaiting 立即激活等待中的实例；安装进行中时记住请求，安装完成后立即激活。
func (c *Container) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	if c.installing != nil {
		c.skipRequested = true
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{"action": "skip_waiting_deferred", "app": c.opts.App}).Info("skip_waiting_deferred")
		return nil
	}
	if c.waiting == nil {
		c.mu.Unlock()
		return ErrNothingWaiting
	}
	c.mu.Unlock()

	c.regMu.Lock()
	defer c.regMu.Unlock()
	waiting := c.Waiting()
	if waiting == nil {
		// 等锁期间已被激活。
		return nil
	}
	return c.activate(ctx, waiting)
}

// activate 删除除自身外的全部代际，接管所有客户端，然后成为唯一的激活实例。
// 调用方必须持有 regMu。
func (c *Container) activate(ctx context.Context, inst *Instance) error {
	ctx = context.WithoutCancel(ctx)
	if err := inst.transition(StateActivating, c.now()); err != nil {
		return err
	}
	c.mu.Lock()
	if c.waiting == inst {
		c.waiting = nil
	}
	c.mu.Unlock()
	c.logState("worker_activating", inst)

	gens, err := c.opts.Store.Generations(ctx, c.opts.App)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("list").Inc()
		c.logger.WithError(err).
			WithFields(logging.LifecycleFields("generation_list_failed", c.opts.App, inst.Generation.Name, string(StateActivating))).
			Warn("generation_list_failed")
	}
	for _, name := range gens {
		if name == inst.Generation.Name {
			continue
		}
		if err := c.opts.Store.DeleteGeneration(ctx, c.opts.App, name); err != nil {
			metrics.CacheErrors.WithLabelValues("delete").Inc()
			c.logger.WithError(err).
				WithFields(logrus.Fields{"action": "generation_delete_failed", "app": c.opts.App, "generation": name}).
				Warn("generation_delete_failed")
			continue
		}
		metrics.GenerationsDeleted.WithLabelValues(c.opts.App).Inc()
		c.logger.WithFields(logrus.Fields{"action": "generation_deleted", "app": c.opts.App, "generation": name}).
			Info("generation_deleted")
	}

	claimed := c.clients.ClaimAll(inst.ID)
	if err := inst.transition(StateActivated, c.now()); err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.active
	c.active = inst
	c.mu.Unlock()

	if previous != nil && previous != inst {
		if err := previous.transition(StateRedundant, c.now()); err == nil {
			c.logState("worker_redundant", previous)
		}
	}
	c.logger.WithFields(logging.LifecycleFields("worker_activated", c.opts.App, inst.Generation.Name, string(StateActivated))).
		WithField("claimed_clients", claimed).
		Info("worker_activated")
	metrics.LifecycleTransitions.WithLabelValues(c.opts.App, string(StateActivated)).Inc()
	return nil
}

// promoteWaiting 在激活实例不再控制任何客户端时激活等待实例。调用方必须持有 regMu。
func (c *Container) promoteWaiting(ctx context.Context) bool {
	c.mu.RLock()
	waiting, active := c.waiting, c.active
	c.mu.RUnlock()
	if waiting == nil {
		return false
	}
	if active != nil && c.clients.ControlledBy(active.ID) > 0 {
		return false
	}
	return c.activate(ctx, waiting) == nil
}

// Route 将请求交给激活实例；尚无激活实例时直接回源。
func (c *Container) Route(ctx context.Context, req *Request, clientID string) *Response {
	active := c.Active()
	controller := ""
	if active != nil {
		controller = active.ID
	}
	if clientID != "" {
		if c.Classify(req) == ClassNavigation {
			c.clients.Attach(clientID, controller)
		} else {
			c.clients.Touch(clientID)
		}
	}

	if active == nil {
		return c.uncontrolled(ctx, req)
	}
	return active.Router.Route(ctx, req)
}

func (c *Container) uncontrolled(ctx context.Context, req *Request) *Response {
	resp, err := c.opts.Network.Fetch(ctx, req)
	if err != nil {
		c.logger.WithError(err).
			WithFields(logrus.Fields{"action": "uncontrolled_fetch_failed", "app": c.opts.App}).
			Warn("upstream_failed")
		resp = serviceUnavailable()
	} else {
		resp.Outcome = OutcomePassthrough
	}
	metrics.RouteTotal.WithLabelValues(c.opts.App, string(ClassPassthrough), string(resp.Outcome)).Inc()
	return resp
}

// ReleaseClient 处理页面关闭信标，可能释放等待中的实例。
func (c *Container) ReleaseClient(ctx context.Context, id string) bool {
	released := c.clients.Release(id)
	if released && c.regMu.TryLock() {
		c.promoteWaiting(ctx)
		c.regMu.Unlock()
	}
	return released
}

// Sweep 清理空闲客户端，并尝试激活等待实例；安装进行中时跳过激活检查。
func (c *Container) Sweep(ctx context.Context) {
	removed := c.clients.Sweep()
	metrics.OpenClients.WithLabelValues(c.opts.App).Set(float64(c.clients.Len()))
	if removed > 0 {
		c.logger.WithFields(logrus.Fields{"action": "clients_expired", "app": c.opts.App, "count": removed}).Debug("clients_expired")
	}
	if c.regMu.TryLock() {
		c.promoteWaiting(ctx)
		c.regMu.Unlock()
	}
}

// ContainerStatus 为诊断接口输出的 App 状态。
type ContainerStatus struct {
	App         string          `json:"app"`
	Origin      string          `json:"origin"`
	Scope       string          `json:"scope"`
	Active      *InstanceStatus `json:"active,omitempty"`
	Waiting     *InstanceStatus `json:"waiting,omitempty"`
	Installing  *InstanceStatus `json:"installing,omitempty"`
	Generations []string        `json:"generations"`
	Clients     int             `json:"clients"`
	Error       string          `json:"error,omitempty"`
}

// Status 汇总实例状态与存储中的代际。
func (c *Container) Status(ctx context.Context) ContainerStatus {
	c.mu.RLock()
	active, waiting, installing := c.active, c.waiting, c.installing
	c.mu.RUnlock()

	status := ContainerStatus{
		App:        c.opts.App,
		Origin:     c.opts.Origin.String(),
		Scope:      c.opts.Scope,
		Active:     active.Status(),
		Waiting:    waiting.Status(),
		Installing: installing.Status(),
		Clients:    c.clients.Len(),
	}
	gens, err := c.opts.Store.Generations(ctx, c.opts.App)
	if err != nil {
		status.Error = err.Error()
	}
	status.Generations = gens
	if status.Generations == nil {
		status.Generations = []string{}
	}
	return status
}

func (c *Container) newRouter(gen Generation) *Router {
	return NewRouter(RouterConfig{
		App:             c.opts.App,
		Origin:          c.opts.Origin,
		Scope:           c.opts.Scope,
		Generation:      gen,
		Store:           c.opts.Store,
		Network:         c.opts.Network,
		Logger:          c.logger,
		ShellPath:       c.opts.ShellPath,
		PlaceholderPath: c.opts.PlaceholderPath,
		NavTimeout:      c.opts.NavigationTimeout,
		After:           c.opts.After,
	})
}

func (c *Container) logState(action string, inst *Instance) {
	state := inst.State()
	metrics.LifecycleTransitions.WithLabelValues(c.opts.App, string(state)).Inc()
	c.logger.WithFields(logging.LifecycleFields(action, c.opts.App, inst.Generation.Name, string(state))).Info(action)
}
