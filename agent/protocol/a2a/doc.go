// Package a2a 实现 Agent 间任务委派的线协议：
// POST /api/v1/agents/{agent_id}/tasks 创建任务，响应为 text/event-stream，
// 每帧 "event: <kind>\ndata: <json>\n\n"，kind 为 status|message|artifact|done|error。
//
// Encoder/Decoder 负责帧编解码，HTTPClient 是远程 Agent 客户端。
package a2a
