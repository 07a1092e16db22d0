package task

import (
	"sort"
	"sync"

	"github.com/BaSui01/agentrelay/types"
)

// MapRegistry 进程内 Agent 注册表
type MapRegistry struct {
	agents map[string]Agent
	mu     sync.RWMutex
}

// NewMapRegistry 创建注册表并注册给定 Agent
func NewMapRegistry(agents ...Agent) *MapRegistry {
	r := &MapRegistry{agents: make(map[string]Agent)}
	for _, ag := range agents {
		_ = r.Register(ag)
	}
	return r
}

// Register 注册 Agent；ID 重复时返回 ALREADY_EXISTS
func (r *MapRegistry) Register(ag Agent) error {
	if ag == nil || ag.ID() == "" {
		return types.NewError(types.ErrInvalidRequest, "agent must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[ag.ID()]; ok {
		return types.Errorf(types.ErrAlreadyExists, "agent %s already registered", ag.ID())
	}
	r.agents[ag.ID()] = ag
	return nil
}

// Unregister 移除 Agent
func (r *MapRegistry) Unregister(agentID string) {
	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
}

// Get 实现 Registry
func (r *MapRegistry) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ag, ok := r.agents[agentID]
	if !ok {
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %s not found", agentID)
	}
	return ag, nil
}

// IDs 返回已注册 Agent ID（排序）
func (r *MapRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ Registry = (*MapRegistry)(nil)
