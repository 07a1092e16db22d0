/*
Package handlers 提供 agentrelay HTTP API 的请求处理器。

# 核心类型

  - TaskHandler   — 服务端协议：POST /api/v1/agents/{agent_id}/tasks 以 SSE
    推送任务事件；另提供任务快照、层级与子任务汇总查询
  - HealthHandler — 存活（/health）与就绪（/ready）检查，就绪检查并发执行
  - Response      — 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter — 捕获状态码与字节数，透传 Flush 以支持 SSE

# 错误处理

WriteError 根据 types.Error 的错误码选择 HTTP 状态码；非 types.Error 的错误
一律作为 INTERNAL_ERROR 返回，不向客户端暴露内部细节。
*/
package handlers
