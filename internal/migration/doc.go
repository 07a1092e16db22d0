/*
包 migration 管理 relay_tasks 表的版本化 Schema，基于 golang-migrate，
支持 PostgreSQL、MySQL 与 SQLite。

各方言的 SQL 文件通过 embed.FS 内嵌在 migrations/<dialect>/ 下。
SQL 任务存储（persistence.GormTaskStore）在未开启 auto_migrate 时
依赖这些迁移；serve 启动前调用 EnsureCurrent 检查版本。

  - Migrator / DefaultMigrator：Up、Down、Steps、Goto、Force、Version、
    Status、Info。
  - CLI：migrate 子命令的终端输出层。
  - NewMigratorFromDatabaseConfig：从 config.DatabaseConfig 构建。
*/
package migration
