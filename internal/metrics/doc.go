/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、任务生命周期、
准入控制、委派与数据库连接池。

# 核心类型

  - Collector：持有各 Counter、Histogram、Gauge 向量。它同时满足
    task.Observer、governor.Observer 与 orchestration.Observer，
    由 cmd 在装配时注入，各业务包无需依赖 Prometheus。

# 注册

NewCollector 注册到默认 Registerer；NewCollectorWith 接受自定义
Registerer，测试中每个用例使用独立的 prometheus.Registry。
*/
package metrics
