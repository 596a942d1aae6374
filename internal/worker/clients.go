package worker

import (
	"sync"
	"time"
)

type client struct {
	controller string // 控制该客户端的实例 ID，空表示未受控
	lastSeen   time.Time
}

// ClientSet 记录当前打开的页面（客户端）及其控制者。
// 客户端在关闭信标到达或空闲超过 idle 后视为关闭。
type ClientSet struct {
	mu      sync.Mutex
	clients map[string]*client
	idle    time.Duration
	now     func() time.Time
}

// NewClientSet 构造客户端集合，idle<=0 时使用 30 分钟。
func NewClientSet(idle time.Duration) *ClientSet {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &ClientSet{
		clients: make(map[string]*client),
		idle:    idle,
		now:     time.Now,
	}
}

// Attach 在导航时调用：客户端（新建或已存在）由 controller 控制。
func (s *ClientSet) Attach(id, controller string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.clients[id]
	if c == nil {
		c = &client{}
		s.clients[id] = c
	}
	c.controller = controller
	c.lastSeen = s.now()
}

// Touch 刷新已知客户端的活跃时间，未知客户端返回 false。
func (s *ClientSet) Touch(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.clients[id]
	if c == nil {
		return false
	}
	c.lastSeen = s.now()
	return true
}

// Release 处理关闭信标。
func (s *ClientSet) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[id]; !ok {
		return false
	}
	delete(s.clients, id)
	return true
}

// ControlledBy 统计仍然打开且由 controller 控制的客户端数量。
func (s *ClientSet) ControlledBy(controller string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now().Add(-s.idle)
	count := 0
	for _, c := range s.clients {
		if c.controller == controller && c.lastSeen.After(deadline) {
			count++
		}
	}
	return count
}

// ClaimAll 将所有打开的客户端交给 controller。
func (s *ClientSet) ClaimAll(controller string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.controller = controller
	}
	return len(s.clients)
}

// Sweep 删除空闲超时的客户端并返回删除数量。
func (s *ClientSet) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := s.now().Add(-s.idle)
	removed := 0
	for id, c := range s.clients {
		if !c.lastSeen.After(deadline) {
			delete(s.clients, id)
			removed++
		}
	}
	return removed
}

// Len 返回当前记录的客户端数量。
func (s *ClientSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Controller 返回客户端的控制者 ID。
func (s *ClientSet) Controller(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.clients[id]
	if c == nil {
		return "", false
	}
	return c.controller, true
}
