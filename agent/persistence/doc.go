/*
包 persistence 为任务管理器提供可插拔的任务存储后端。

# 后端

  - MemoryTaskStore: 进程内存储，适用于开发与测试，重启即丢失。
    按配置周期性清理过期的终态任务。
  - RedisTaskStore: 基于 go-redis 的分布式存储。任务以 JSON 保存，
    子任务按父任务 ID 建立有序集合索引；终态任务通过 TTL 过期。
  - GormTaskStore: 基于 gorm 的关系型存储，支持 postgres、mysql、sqlite。
    表结构由 migrations 目录下的版本化迁移创建，也可开启 AutoMigrate。

# 约定

所有后端都实现 TaskStore（即 task.Store 加上 Cleanup、Close、Ping）：

  - Save 对已存在的 ID 返回 ALREADY_EXISTS
  - Get 与 Update 对未知 ID 返回 NOT_FOUND
  - ListByParent 按创建顺序返回子任务，空父 ID 返回空列表

使用 NewTaskStore 根据 StoreConfig.Type 选择后端。
*/
package persistence
