package router

import (
	"context"
	"iter"
	"time"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RemoteClient creates tasks on remote agents. *a2a.HTTPClient satisfies it.
type RemoteClient interface {
	CreateTask(ctx context.Context, agentID string, req a2a.CreateTaskRequest, opts ...a2a.CallOption) (iter.Seq2[task.Event, error], error)
}

// Hierarchy is one task with its parent and direct children.
type Hierarchy struct {
	Task     *task.Task   `json:"task"`
	Parent   *task.Task   `json:"parent,omitempty"`
	Children []*task.Task `json:"children"`
}

// ChildSummary aggregates the outcome of a parent's children.
type ChildSummary struct {
	Total      int             `json:"total"`
	Completed  int             `json:"completed"`
	Failed     int             `json:"failed"`
	InProgress int             `json:"in_progress"`
	Cancelled  int             `json:"cancelled"`
	Rejected   int             `json:"rejected"`
	Artifacts  []task.Artifact `json:"artifacts"`
}

// Router tracks parent/child task edges and relays delegated work to
// remote agents.
type Router struct {
	store  task.Store
	client RemoteClient
	logger *zap.Logger
	now    func() time.Time
}

// Option 配置 Router
type Option func(*Router)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router over the local store. client may be nil when only the
// hierarchy queries are needed.
func New(store task.Store, client RemoteClient, opts ...Option) *Router {
	r := &Router{
		store:  store,
		client: client,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "task_router"))
	return r
}

// DelegateTask creates a child of parentID on targetAgent and relays every
// event as it arrives. The parent must be known locally. Relayed events are
// mirrored into the local store so the hierarchy stays queryable; mirroring
// problems are logged and never interrupt the relay.
func (r *Router) DelegateTask(ctx context.Context, parentID, targetAgent string, parts []task.Part, tenantID, userID string) (iter.Seq2[task.Event, error], error) {
	if _, err := r.store.Get(ctx, parentID); err != nil {
		return nil, err
	}
	return r.relay(ctx, targetAgent, a2a.CreateTaskRequest{
		MessageParts: parts,
		TenantID:     tenantID,
		UserID:       userID,
		ParentTaskID: parentID,
	}, true)
}

// CreateTask makes the Router usable wherever a remote client is expected.
// Children of a locally known parent are mirrored as in DelegateTask; any
// other request is passed through untouched.
func (r *Router) CreateTask(ctx context.Context, agentID string, req a2a.CreateTaskRequest, opts ...a2a.CallOption) (iter.Seq2[task.Event, error], error) {
	mirrored := false
	if req.ParentTaskID != "" {
		_, err := r.store.Get(ctx, req.ParentTaskID)
		switch {
		case err == nil:
			mirrored = true
		case types.IsCode(err, types.ErrNotFound):
			// 父任务不在本地，无处挂载
		default:
			return nil, err
		}
	}
	return r.relay(ctx, agentID, req, mirrored, opts...)
}

func (r *Router) relay(ctx context.Context, agentID string, req a2a.CreateTaskRequest, mirrored bool, opts ...a2a.CallOption) (iter.Seq2[task.Event, error], error) {
	if r.client == nil {
		return nil, types.NewError(types.ErrInternalError, "router has no remote client")
	}
	stream, err := r.client.CreateTask(ctx, agentID, req, opts...)
	if err != nil || !mirrored {
		return stream, err
	}

	m := &mirror{
		router:   r,
		parentID: req.ParentTaskID,
		agentID:  agentID,
		parts:    req.MessageParts,
		tenantID: req.TenantID,
		userID:   req.UserID,
	}
	return func(yield func(task.Event, error) bool) {
		for ev, err := range stream {
			if err != nil {
				yield(nil, err)
				return
			}
			m.observe(ctx, ev)
			if !yield(ev, nil) {
				return
			}
		}
	}, nil
}

// GetChildTasks returns the children of parentID in creation order.
func (r *Router) GetChildTasks(ctx context.Context, parentID string) ([]*task.Task, error) {
	return r.store.ListByParent(ctx, parentID)
}

// GetTaskHierarchy returns the task, its parent (when known) and its children.
func (r *Router) GetTaskHierarchy(ctx context.Context, taskID string) (*Hierarchy, error) {
	t, err := r.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	h := &Hierarchy{Task: t}
	if t.ParentTaskID != "" {
		parent, err := r.store.Get(ctx, t.ParentTaskID)
		switch {
		case err == nil:
			h.Parent = parent
		case types.IsCode(err, types.ErrNotFound):
			// 父任务可能在远端
		default:
			return nil, err
		}
	}

	children, err := r.store.ListByParent(ctx, taskID)
	if err != nil {
		return nil, err
	}
	h.Children = children
	return h, nil
}

// AggregateChildResults counts children by outcome. Artifacts are collected
// from completed children only, in child creation order.
func (r *Router) AggregateChildResults(ctx context.Context, parentID string) (*ChildSummary, error) {
	children, err := r.store.ListByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}

	summary := &ChildSummary{Total: len(children), Artifacts: []task.Artifact{}}
	for _, c := range children {
		switch c.State {
		case task.StateCompleted:
			summary.Completed++
			summary.Artifacts = append(summary.Artifacts, c.Artifacts...)
		case task.StateFailed:
			summary.Failed++
		case task.StateCancelled:
			summary.Cancelled++
		case task.StateRejected:
			summary.Rejected++
		default:
			summary.InProgress++
		}
	}
	return summary, nil
}

// mirror 在本地存储中维护远端子任务的影子记录
type mirror struct {
	router   *Router
	parentID string
	agentID  string
	parts    []task.Part
	tenantID string
	userID   string

	current  *task.Task
	disabled bool
}

func (m *mirror) observe(ctx context.Context, ev task.Event) {
	if m.disabled || ev == nil {
		return
	}
	log := m.router.logger.With(
		zap.String("parent_task_id", m.parentID),
		zap.String("agent_id", m.agentID),
	)

	if m.current == nil {
		taskID := ev.Meta().TaskID
		if taskID == "" {
			log.Warn("relayed event has no task id; hierarchy not recorded")
			m.disabled = true
			return
		}
		shadow, ok := m.open(ctx, taskID, log)
		if !ok {
			m.disabled = true
			return
		}
		m.current = shadow
	}

	current := m.current
	if current.State == task.StateSubmitted && impliesWorking(ev) {
		// 远端可能省略 working 状态帧
		working, err := task.ApplyEvent(current, task.NewStatusEvent(current.ID, task.StateWorking, ""))
		if err == nil {
			current = working
		}
	}

	next, err := task.ApplyEvent(current, ev)
	if err != nil {
		log.Warn("mirror apply failed", zap.String("task_id", m.current.ID), zap.Error(err))
		m.disabled = true
		return
	}
	if err := m.router.store.Update(ctx, next); err != nil {
		log.Warn("mirror persist failed", zap.String("task_id", next.ID), zap.Error(err))
		m.disabled = true
		return
	}
	m.current = next
}

// open creates the shadow record. A task that already exists locally is
// owned by an in-process server, which persists its own events.
func (m *mirror) open(ctx context.Context, taskID string, log *zap.Logger) (*task.Task, bool) {
	if _, err := m.router.store.Get(ctx, taskID); err == nil {
		log.Debug("child task already tracked locally", zap.String("task_id", taskID))
		return nil, false
	} else if !types.IsCode(err, types.ErrNotFound) {
		log.Warn("mirror lookup failed", zap.String("task_id", taskID), zap.Error(err))
		return nil, false
	}

	now := m.router.now()
	shadow := &task.Task{
		ID:      taskID,
		AgentID: m.agentID,
		State:   task.StateSubmitted,
		Messages: []task.Message{{
			ID:        uuid.NewString(),
			Role:      task.RoleUser,
			Parts:     m.parts,
			CreatedAt: now,
		}},
		Artifacts:    []task.Artifact{},
		CreatedAt:    now,
		UpdatedAt:    now,
		TenantID:     m.tenantID,
		UserID:       m.userID,
		ParentTaskID: m.parentID,
	}
	if err := m.router.store.Save(ctx, shadow); err != nil {
		log.Warn("mirror save failed", zap.String("task_id", taskID), zap.Error(err))
		return nil, false
	}
	return shadow, true
}

// impliesWorking reports whether ev can only follow a working task.
func impliesWorking(ev task.Event) bool {
	switch e := ev.(type) {
	case *task.StatusEvent:
		return false
	case *task.DoneEvent:
		return !task.StateSubmitted.CanTransitionTo(e.FinalState)
	default:
		return true
	}
}
