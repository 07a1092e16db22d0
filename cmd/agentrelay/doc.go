/*
Package main 提供 agentrelay 服务端程序入口。

# 概述

cmd/agentrelay 把任务状态机、编排引擎、任务路由与资源治理组装成一个
独立进程：对外提供 Agent 任务端点（HTTP + SSE）、任务查询与层级端点、
健康检查与 Prometheus 指标。配置中声明的扇出 Agent 在本进程内注册，
其委派目标优先在本地查找，其余经 router 转发并在本地留下影子子任务。

委派 Agent 通过 delegate_to_agent 工具调用本地目标，例如：

	orchestration:
	  delegators:
	    - id: planner
	      targets: [writer, critic]
	      timeout: 30s
	      budget:
	        max_llm_calls: 20

请求头 X-Agent-Chain 中已出现的目标会被拒绝（CYCLE_DETECTED）。

# 子命令

  - serve    启动服务
  - migrate  管理 relay_tasks 表的版本化迁移
  - version  显示版本
  - health   请求 /health 并按结果设置退出码

# 中间件

Recovery、RequestID、OTelTracing、RequestLogger、MetricsMiddleware、
TenantRateLimiter（按 X-Tenant-ID 限流，缺省按来源 IP）。
*/
package main
