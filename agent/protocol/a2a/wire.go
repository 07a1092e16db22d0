package a2a

import (
	"time"

	"github.com/BaSui01/agentrelay/agent/task"
)

// 路由前缀
const (
	APIPrefix        = "/api/v1"
	ContentTypeSSE   = "text/event-stream"
	ContentTypeJSON  = "application/json"
	HeaderTenantID   = "X-Tenant-ID"
	HeaderAgentChain = "X-Agent-Chain"
)

// CreateTaskRequest is the body of POST /api/v1/agents/{agent_id}/tasks.
type CreateTaskRequest struct {
	MessageParts []task.Part `json:"message_parts"`
	TenantID     string      `json:"tenant_id"`
	UserID       string      `json:"user_id"`
	ParentTaskID string      `json:"parent_task_id,omitempty"`
}

// ErrorResponse 非流式错误响应体
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// envelope 所有事件载荷共有的字段
type envelope struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

type statusPayload struct {
	envelope
	State   task.State `json:"state"`
	Message string     `json:"message,omitempty"`
}

type messagePayload struct {
	envelope
	MessageParts []task.Part `json:"message_parts"`
	IsPartial    bool        `json:"is_partial"`
}

type artifactPayload struct {
	envelope
	Artifact task.Artifact `json:"artifact"`
}

type donePayload struct {
	envelope
	FinalState task.State `json:"final_state"`
}

type errorPayload struct {
	envelope
	ErrorCode    string         `json:"error_code"`
	ErrorMessage string         `json:"error_message"`
	Details      map[string]any `json:"details,omitempty"`
}

func envelopeOf(m task.EventMeta) envelope {
	return envelope{TaskID: m.TaskID, Timestamp: m.Timestamp}
}

func (e envelope) meta() task.EventMeta {
	return task.EventMeta{TaskID: e.TaskID, Timestamp: e.Timestamp}
}
