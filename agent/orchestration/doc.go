/*
包 orchestration 把一个请求分发给多个 Agent，并按策略合并结果。

# 策略

  - parallel: 全部并发，等待全部结束，结果按输入顺序返回
  - sequential: 严格按输入顺序逐个执行；开启 ChainContext 时上一个成功的
    回复会作为文本片段附加给下一个 Agent
  - first_success: 全部并发，第一个成功即返回并取消其余调用；全部失败时
    返回空切片

每次委派先经过 governor 准入（external_api 类别），随后在硬超时内消费事件流。
传输、协议、超时错误都会转换为失败的 DelegationResult，不会中断整个扇出。

# 组件

  - Engine: 编排引擎，支持 Prometheus 观察者与 OpenTelemetry span
  - LocalClient / HybridClient: 进程内执行与本地优先的混合客户端
  - FanOutAgent: 以 task.Agent 形式暴露扇出能力
  - SynthesizeResponses: 将成功的回复按 Agent 标注后合并
*/
package orchestration
