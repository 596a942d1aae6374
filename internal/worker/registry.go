package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registry 以 App 名称索引全部 Container。
type Registry struct {
	logger *logrus.Logger

	mu         sync.RWMutex
	containers map[string]*Container
}

// NewRegistry 构造空的 Registry。
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry{
		logger:     logger,
		containers: make(map[string]*Container),
	}
}

// Add 注册 Container，名称重复时返回错误。
func (r *Registry) Add(c *Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.containers[c.Name()]; exists {
		return fmt.Errorf("app %s already registered", c.Name())
	}
	r.containers[c.Name()] = c
	return nil
}

// Get 按名称查找 Container。
func (r *Registry) Get(name string) (*Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[name]
	return c, ok
}

// List 按名称排序返回全部 Container。
func (r *Registry) List() []*Container {
	r.mu.RLock()
	out := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// RegisterAll 并发地为每个 App 安装当前清单版本，等待全部完成。失败只记录日志。
func (r *Registry) RegisterAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range r.List() {
		wg.Add(1)
		go func(c *Container) {
			defer wg.Done()
			inst, err := c.Update(ctx)
			if err != nil {
				r.logger.WithError(err).
					WithFields(logrus.Fields{"action": "register_failed", "app": c.Name()}).
					Error("register_failed")
				return
			}
			r.logger.WithFields(logrus.Fields{
				"action":     "registered",
				"app":        c.Name(),
				"generation": inst.Generation.Name,
				"state":      inst.State(),
			}).Info("registered")
		}(c)
	}
	wg.Wait()
}

// RunSweeper 按 interval 周期清理空闲客户端，直到 ctx 结束。
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range r.List() {
				c.Sweep(ctx)
			}
		}
	}
}
