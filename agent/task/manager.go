package task

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/BaSui01/agentrelay/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 任务持久化接口（进程内读己之写）
type Store interface {
	// Save 保存新任务；ID 已存在时返回 ALREADY_EXISTS
	Save(ctx context.Context, t *Task) error
	// Get 按 ID 读取；不存在时返回 NOT_FOUND
	Get(ctx context.Context, id string) (*Task, error)
	// Update 覆盖已存在的任务；不存在时返回 NOT_FOUND
	Update(ctx context.Context, t *Task) error
	// ListByParent 按创建顺序返回 ParentTaskID 匹配的任务
	ListByParent(ctx context.Context, parentID string) ([]*Task, error)
}

// Agent is the only capability the relay needs from an agent implementation.
// The returned sequence should end with a terminal event; an agent that stops
// without one violates the contract and the caller has to detect it.
type Agent interface {
	ID() string
	ProcessTask(ctx context.Context, t *Task) iter.Seq2[Event, error]
}

// Registry 根据 ID 解析 Agent；不存在时返回 AGENT_NOT_FOUND
type Registry interface {
	Get(agentID string) (Agent, error)
}

// Observer 接收任务事件与状态迁移（由 metrics.Collector 实现）
type Observer interface {
	RecordTaskEvent(agentID, kind string)
	RecordTaskTransition(agentID, from, to string)
}

// CreateTaskRequest 创建任务参数
type CreateTaskRequest struct {
	AgentID      string
	Parts        []Part
	TenantID     string
	UserID       string
	ParentTaskID string
}

// Manager owns local task records. Every mutation after creation goes through
// ApplyEvent and is persisted before the next event of the same stream is read.
type Manager struct {
	store    Store
	registry Registry
	observer Observer
	// onTerminal 在任务首次进入终态并落库后调用
	onTerminal []func(*Task)
	logger     *zap.Logger
	now        func() time.Time
}

// ManagerOption 配置 Manager
type ManagerOption func(*Manager)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver 设置事件观察者
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithTerminalHook registers fn to run once a task has reached a terminal state
// and been persisted. Hooks run synchronously on the mutating goroutine.
func WithTerminalHook(fn func(*Task)) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.onTerminal = append(m.onTerminal, fn)
		}
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建任务管理器
func NewManager(store Store, registry Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		registry: registry,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "task_manager"))
	return m
}

// Store 返回底层存储
func (m *Manager) Store() Store {
	return m.store
}

// CreateTask creates a submitted task holding the initial user message.
func (m *Manager) CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error) {
	if req.AgentID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "agent_id is required")
	}
	if len(req.Parts) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "initial message has no parts")
	}
	if _, err := m.resolve(req.AgentID); err != nil {
		return nil, err
	}

	now := m.now()
	t := &Task{
		ID:      uuid.NewString(),
		AgentID: req.AgentID,
		State:   StateSubmitted,
		Messages: []Message{{
			ID:        uuid.NewString(),
			Role:      RoleUser,
			Parts:     cloneParts(req.Parts),
			CreatedAt: now,
		}},
		Artifacts:    []Artifact{},
		CreatedAt:    now,
		UpdatedAt:    now,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		ParentTaskID: req.ParentTaskID,
	}

	if err := m.store.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("save task: %w", err)
	}

	m.logger.Debug("task created",
		zap.String("task_id", t.ID),
		zap.String("agent_id", t.AgentID),
		zap.String("parent_task_id", t.ParentTaskID),
	)
	return t.Clone(), nil
}

// GetTask 读取任务；不存在时返回 NOT_FOUND
func (m *Manager) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTaskState moves a task to newState through a StatusEvent. It fails with
// INVALID_TRANSITION when the move is not in the table or the task is terminal.
func (m *Manager) UpdateTaskState(ctx context.Context, id string, newState State) (*Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, types.Errorf(types.ErrInvalidTransition, "task %s is terminal (%s)", id, t.State)
	}
	if !t.State.CanTransitionTo(newState) {
		return nil, types.Errorf(types.ErrInvalidTransition, "task %s cannot move from %s to %s", id, t.State, newState)
	}
	return m.apply(ctx, t, NewStatusEvent(id, newState, ""))
}

// FailTask applies an ErrorEvent on behalf of a caller that detected a broken
// agent stream.
func (m *Manager) FailTask(ctx context.Context, id, code, message string) (*Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.apply(ctx, t, NewErrorEvent(id, code, message))
}

// ProcessTask drives the assigned agent. Each event is applied and persisted
// before it is yielded to the caller. The first yielded event moves the task to
// working when it is not already there. Agent and persistence errors are yielded
// once and end the sequence; nothing is rescued.
func (m *Manager) ProcessTask(ctx context.Context, t *Task) (iter.Seq2[Event, error], error) {
	if t == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "nil task")
	}
	ag, err := m.resolve(t.AgentID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, types.Errorf(types.ErrInvalidTransition, "task %s is terminal (%s)", t.ID, t.State)
	}

	return func(yield func(Event, error) bool) {
		current := t.Clone()

		if current.State != StateWorking {
			start := NewStatusEvent(current.ID, StateWorking, "")
			next, err := m.apply(ctx, current, start)
			if err != nil {
				yield(nil, err)
				return
			}
			current = next
			if !yield(start, nil) {
				return
			}
		}

		for ev, err := range ag.ProcessTask(ctx, current.Clone()) {
			if err != nil {
				m.logger.Warn("agent stream failed",
					zap.String("task_id", current.ID),
					zap.String("agent_id", current.AgentID),
					zap.Error(err),
				)
				yield(nil, err)
				return
			}
			if ev == nil {
				continue
			}
			next, applyErr := m.apply(ctx, current, ev)
			if applyErr != nil {
				yield(nil, applyErr)
				return
			}
			current = next
			if !yield(ev, nil) {
				return
			}
		}
	}, nil
}

// RunTask drains ProcessTask and returns the last persisted task. onEvent may be
// nil.
func (m *Manager) RunTask(ctx context.Context, t *Task, onEvent func(Event)) (*Task, error) {
	seq, err := m.ProcessTask(ctx, t)
	if err != nil {
		return nil, err
	}
	for ev, err := range seq {
		if err != nil {
			return nil, err
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
	return m.store.Get(ctx, t.ID)
}

// apply 折叠事件并持久化；持久化成功后才返回新状态
func (m *Manager) apply(ctx context.Context, current *Task, ev Event) (*Task, error) {
	next, err := ApplyEvent(current, ev)
	if err != nil {
		return nil, err
	}
	if err := m.store.Update(ctx, next); err != nil {
		return nil, fmt.Errorf("persist task %s: %w", next.ID, err)
	}

	if m.observer != nil {
		m.observer.RecordTaskEvent(next.AgentID, string(ev.Kind()))
		if next.State != current.State {
			m.observer.RecordTaskTransition(next.AgentID, string(current.State), string(next.State))
		}
	}
	if next.State != current.State {
		m.logger.Debug("task state changed",
			zap.String("task_id", next.ID),
			zap.String("from", string(current.State)),
			zap.String("to", string(next.State)),
		)
		if next.IsTerminal() {
			for _, fn := range m.onTerminal {
				fn(next.Clone())
			}
		}
	}
	return next, nil
}

func (m *Manager) resolve(agentID string) (Agent, error) {
	ag, err := m.registry.Get(agentID)
	if err != nil {
		if _, ok := types.AsError(err); ok {
			return nil, err
		}
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %s not found", agentID).WithCause(err)
	}
	if ag == nil {
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %s not found", agentID)
	}
	return ag, nil
}
