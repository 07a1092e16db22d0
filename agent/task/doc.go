// Package task 定义任务生命周期模型与事件溯源式的状态变更。
//
// 任务由 Manager 以 submitted 状态创建，此后的每一次变更都是一次 ApplyEvent。
// 终态任务不可变；ParentTaskID 创建后不再改变。Agent 通过 iter.Seq2 产出事件流，
// Manager 在把事件交给调用方之前先应用并持久化。
package task
