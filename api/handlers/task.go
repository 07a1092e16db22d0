package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/router"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 任务 Handler（服务端协议实现）
// =============================================================================

// TaskHandler serves the agent task endpoint and the task read endpoints.
type TaskHandler struct {
	manager    *task.Manager
	router     *router.Router
	propagator propagation.TextMapPropagator
	logger     *zap.Logger
}

// NewTaskHandler 创建任务处理器；rt 为 nil 时层级相关端点返回 404
func NewTaskHandler(manager *task.Manager, rt *router.Router, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		manager:    manager,
		router:     rt,
		propagator: otel.GetTextMapPropagator(),
		logger:     logger.With(zap.String("component", "task_handler")),
	}
}

// Register 在 mux 上注册全部任务路由
func (h *TaskHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+a2a.APIPrefix+"/agents/{agent_id}/tasks", h.HandleCreateTask)
	mux.HandleFunc("GET "+a2a.APIPrefix+"/tasks/{id}", h.HandleGetTask)
	mux.HandleFunc("GET "+a2a.APIPrefix+"/tasks/{id}/hierarchy", h.HandleGetHierarchy)
	mux.HandleFunc("GET "+a2a.APIPrefix+"/tasks/{id}/children/summary", h.HandleChildSummary)
}

// HandleCreateTask creates a task for the path agent and streams its events
// as server-sent events. Failures before the first frame are JSON errors; a
// stream that errors or ends without a terminal event fails the task and
// closes with an error frame.
func (h *TaskHandler) HandleCreateTask(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")

	var req a2a.CreateTaskRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.TenantID == "" {
		req.TenantID = r.Header.Get(a2a.HeaderTenantID)
	}

	ctx := h.requestContext(r, req)
	t, err := h.manager.CreateTask(ctx, task.CreateTaskRequest{
		AgentID:      agentID,
		Parts:        req.MessageParts,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		ParentTaskID: req.ParentTaskID,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	ctx = ctxkeys.WithTaskID(ctx, t.ID)
	stream, err := h.manager.ProcessTask(ctx, t)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", a2a.ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := a2a.NewEncoder(w)
	_ = enc.Comment("task " + t.ID)

	log := h.logger.With(zap.String("task_id", t.ID), zap.String("agent_id", agentID))
	terminal := false
	for ev, err := range stream {
		if err != nil {
			h.failStream(ctx, enc, t.ID, err, terminal, log)
			return
		}
		if encErr := enc.Encode(ev); encErr != nil {
			// 客户端断开；任务状态已持久化
			log.Debug("client went away", zap.Error(encErr))
			return
		}
		if task.IsTerminalEvent(ev) {
			terminal = true
		}
	}

	if !terminal {
		h.failStream(ctx, enc, t.ID,
			types.Errorf(types.ErrAgentExecution, "agent %s ended the stream without a terminal event", agentID), false, log)
	}
}

// failStream 将任务置为失败；只有落库成功后才写出 error 帧，
// 保证线上帧与存储中的状态一致。已写出终止帧时不再追加。
func (h *TaskHandler) failStream(ctx context.Context, enc *a2a.Encoder, taskID string, cause error, terminalSent bool, log *zap.Logger) {
	code := types.GetErrorCode(cause)
	if code == "" {
		code = types.ErrAgentExecution
	}
	msg := cause.Error()
	if e, ok := types.AsError(cause); ok {
		msg = e.Message
	}

	log.Warn("task stream failed", zap.String("code", string(code)), zap.Error(cause))
	if terminalSent {
		return
	}

	// 请求上下文可能已取消，失败状态仍需落库
	persistCtx := context.WithoutCancel(ctx)
	failed, err := h.manager.FailTask(persistCtx, taskID, string(code), msg)
	if err != nil {
		log.Error("failed to mark task failed", zap.Error(err))
		// 任务已是其他终态时如实告知；否则不写终止帧，对端按流截断处理
		if stored, getErr := h.manager.GetTask(persistCtx, taskID); getErr == nil && stored.IsTerminal() {
			_ = enc.Encode(task.NewDoneEvent(taskID, stored.State))
		}
		return
	}

	ev := task.NewErrorEvent(taskID, string(code), msg)
	if failed.Error != nil {
		ev.Code, ev.Message, ev.Details = failed.Error.Code, failed.Error.Message, failed.Error.Details
	}
	_ = enc.Encode(ev)
}

// HandleGetTask 返回任务快照
func (h *TaskHandler) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.manager.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, t)
}

// HandleGetHierarchy 返回任务、父任务与子任务
func (h *TaskHandler) HandleGetHierarchy(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "hierarchy tracking is disabled", h.logger)
		return
	}
	hierarchy, err := h.router.GetTaskHierarchy(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, hierarchy)
}

// HandleChildSummary 汇总子任务结果
func (h *TaskHandler) HandleChildSummary(w http.ResponseWriter, r *http.Request) {
	if h.router == nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "hierarchy tracking is disabled", h.logger)
		return
	}
	id := r.PathValue("id")
	if _, err := h.manager.GetTask(r.Context(), id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	summary, err := h.router.AggregateChildResults(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, summary)
}

// requestContext carries trace context, tenant, user and the caller's agent
// chain into the task's context.
func (h *TaskHandler) requestContext(r *http.Request, req a2a.CreateTaskRequest) context.Context {
	ctx := r.Context()
	// 中间件已开启 server span 时不再覆盖，远端父节点已记录在该 span 上
	if !trace.SpanContextFromContext(ctx).IsValid() {
		ctx = h.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
	}
	if req.TenantID != "" {
		ctx = ctxkeys.WithTenantID(ctx, req.TenantID)
	}
	if req.UserID != "" {
		ctx = ctxkeys.WithUserID(ctx, req.UserID)
	}
	if raw := r.Header.Get(a2a.HeaderAgentChain); raw != "" {
		var chain []string
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				chain = append(chain, id)
			}
		}
		ctx = ctxkeys.WithAgentChain(ctx, chain)
	}
	return ctx
}
