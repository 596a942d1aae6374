package worker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State 是 worker 实例的生命周期阶段。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed" // 等待激活（waiting）
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrInvalidTransition 表示非法的状态迁移。
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrNothingWaiting 表示当前没有等待激活或正在安装的实例。
	ErrNothingWaiting = errors.New("no worker waiting")
)

var allowedTransitions = map[State][]State{
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating, StateRedundant},
	StateActivating: {StateActivated},
	StateActivated:  {StateRedundant},
}

// Instance 是绑定到单一版本与单一代际的 worker。
type Instance struct {
	ID         string
	Version    string
	Generation Generation
	Router     *Router

	mu          sync.RWMutex
	state       State
	installedAt time.Time
	activatedAt time.Time
	report      *PrecacheReport
}

func newInstance(gen Generation, router *Router) *Instance {
	return &Instance{
		ID:         uuid.NewString(),
		Version:    gen.Version,
		Generation: gen,
		Router:     router,
		state:      StateInstalling,
	}
}

// State 返回当前阶段。
func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Instance) transition(to State, now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, allowed := range allowedTransitions[i.state] {
		if allowed == to {
			i.state = to
			switch to {
			case StateInstalled:
				i.installedAt = now
			case StateActivated:
				i.activatedAt = now
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.state, to)
}

func (i *Instance) setReport(report PrecacheReport) {
	i.mu.Lock()
	i.report = &report
	i.mu.Unlock()
}

// InstanceStatus 是实例的只读快照，用于诊断输出。
type InstanceStatus struct {
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	Generation  string          `json:"generation"`
	State       State           `json:"state"`
	InstalledAt time.Time       `json:"installed_at,omitempty"`
	ActivatedAt time.Time       `json:"activated_at,omitempty"`
	Precache    *PrecacheReport `json:"precache,omitempty"`
}

// Status 返回实例快照，nil 实例返回 nil。
func (i *Instance) Status() *InstanceStatus {
	if i == nil {
		return nil
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return &InstanceStatus{
		ID:          i.ID,
		Version:     i.Version,
		Generation:  i.Generation.Name,
		State:       i.state,
		InstalledAt: i.installedAt,
		ActivatedAt: i.activatedAt,
		Precache:    i.report,
	}
}
