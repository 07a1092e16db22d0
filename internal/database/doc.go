/*
包 database 为 SQL 任务存储提供 GORM 连接：按驱动名选择方言
（postgres、mysql、纯 Go 的 glebarez sqlite），并由 PoolManager
统一管理连接池参数与后台健康检查。

  - Open / Dialector：按 driver 与 DSN 打开 *gorm.DB，gorm 日志接到 zap。
  - PoolManager：设置连接池上限，定期 Ping，并把打开/空闲连接数
    报告给 StatsObserver（metrics.Collector）。Close 会先停止健康
    检查再关闭连接。
*/
package database
