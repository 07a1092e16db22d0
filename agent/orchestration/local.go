package orchestration

import (
	"context"
	"iter"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/types"
)

// LocalClient runs delegations against in-process agents through a
// task.Manager, so every child task is created and persisted locally.
// Call options are ignored; the Engine enforces timeouts.
type LocalClient struct {
	manager *task.Manager
}

// NewLocalClient 创建进程内客户端
func NewLocalClient(manager *task.Manager) *LocalClient {
	return &LocalClient{manager: manager}
}

// CreateTask creates the task on the local manager and streams its events.
func (c *LocalClient) CreateTask(ctx context.Context, agentID string, req a2a.CreateTaskRequest, _ ...a2a.CallOption) (iter.Seq2[task.Event, error], error) {
	t, err := c.manager.CreateTask(ctx, task.CreateTaskRequest{
		AgentID:      agentID,
		Parts:        req.MessageParts,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		ParentTaskID: req.ParentTaskID,
	})
	if err != nil {
		return nil, err
	}
	return c.manager.ProcessTask(ctx, t)
}

// HybridClient prefers local agents and falls back to the remote client for
// agents the local registry does not know.
type HybridClient struct {
	local  *LocalClient
	remote Client
}

// NewHybridClient 组合本地与远程客户端；remote 可以为 nil
func NewHybridClient(local *LocalClient, remote Client) *HybridClient {
	return &HybridClient{local: local, remote: remote}
}

// CreateTask 先尝试本地，AGENT_NOT_FOUND 时转发到远端
func (c *HybridClient) CreateTask(ctx context.Context, agentID string, req a2a.CreateTaskRequest, opts ...a2a.CallOption) (iter.Seq2[task.Event, error], error) {
	if c.local != nil {
		seq, err := c.local.CreateTask(ctx, agentID, req, opts...)
		if err == nil || !types.IsCode(err, types.ErrAgentNotFound) || c.remote == nil {
			return seq, err
		}
	}
	if c.remote == nil {
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %s not found", agentID)
	}
	return c.remote.CreateTask(ctx, agentID, req, opts...)
}
