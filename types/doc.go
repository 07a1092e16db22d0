// Copyright (c) AgentRelay Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentRelay 的全局共享错误体系。

types 是最底层的公共包，不依赖任何内部包。task、protocol、router、
orchestration、subagent、governor 等模块统一使用 Error / ErrorCode
表达失败，调用方通过 IsCode / GetErrorCode 判定错误类别，
HTTP 层通过 HTTPStatusFor 将错误映射为响应状态码。

# 错误分类

  - 查找与校验: NOT_FOUND、AGENT_NOT_FOUND、INVALID_TRANSITION、INVALID_EVENT
  - 委派链路: PROTOCOL_ERROR、TRANSPORT_ERROR、TIMEOUT、CYCLE_DETECTED、
    AGENT_EXECUTION_ERROR
  - 准入控制: RATE_LIMITED、BUDGET_EXCEEDED
*/
package types
