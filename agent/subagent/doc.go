// Package subagent 让推理循环把另一个已注册的 Agent 当作工具调用。
//
// 委派链以不可变的 AgentChain 值保存在 context 中；每一跳复制后追加自身 ID，
// 并在任何注册表、准入或网络调用之前检查环路。
package subagent
