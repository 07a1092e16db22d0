package ctxkeys

import (
	"context"
	"slices"
)

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey    contextKey = "trace_id"
	tenantIDKey   contextKey = "tenant_id"
	userIDKey     contextKey = "user_id"
	taskIDKey     contextKey = "task_id"
	agentChainKey contextKey = "agent_chain"
)

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return stringValue(ctx, traceIDKey)
}

// WithTenantID 设置租户 ID
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID 获取租户 ID
func TenantID(ctx context.Context) (string, bool) {
	return stringValue(ctx, tenantIDKey)
}

// WithUserID 设置用户 ID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID 获取用户 ID
func UserID(ctx context.Context) (string, bool) {
	return stringValue(ctx, userIDKey)
}

// WithTaskID 设置当前正在处理的任务 ID（子任务以它为父任务）
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskID 获取当前任务 ID
func TaskID(ctx context.Context) (string, bool) {
	return stringValue(ctx, taskIDKey)
}

// WithAgentChain stores a copy of the visited agent ids. Later changes to the
// caller's slice are not observed.
func WithAgentChain(ctx context.Context, chain []string) context.Context {
	return context.WithValue(ctx, agentChainKey, slices.Clone(chain))
}

// AgentChain 返回已访问 Agent 链的副本
func AgentChain(ctx context.Context) []string {
	v, _ := ctx.Value(agentChainKey).([]string)
	return slices.Clone(v)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
