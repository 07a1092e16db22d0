// Package config 加载 AgentRelay 的配置：默认值、YAML 文件与
// AGENTRELAY_* 环境变量依次覆盖，加载后统一校验。
//
// Watcher 轮询配置文件，变更时重新加载并回调，serve 用它热更新
// 租户配额。
package config
