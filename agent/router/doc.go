// Package router 记录任务的父子关系并把子任务委派给远程 Agent。
//
// DelegateTask 通过 a2a 客户端创建子任务并逐条转发事件，同时在本地
// 存储中维护影子记录，使 GetTaskHierarchy 与 AggregateChildResults
// 能看到远端子任务的最新状态。
package router
