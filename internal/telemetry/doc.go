// Package telemetry 初始化 relay 的 span 导出。
// 启用时经 OTLP gRPC 导出 trace；无论是否启用都安装 W3C 传播器，
// 远程委派时 a2a 客户端据此注入 traceparent。指标走 Prometheus，不经 OTLP。
package telemetry
