// Package tlsutil 提供集中式 TLS 配置与可复用连接的 HTTP 传输，
// 供远程 Agent 客户端、health 子命令与 Redis 连接使用（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
