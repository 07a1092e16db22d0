// Package server 管理 HTTP 服务器的生命周期：非阻塞启动、
// 监听地址查询、带超时的优雅关闭，以及由 context 驱动的 Run。
// cmd/agentrelay 用它分别承载协议 API 与 /metrics 端口。
package server
