package persistence

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewTaskStore creates a TaskStore based on the configuration.
// db is only required for StoreTypeSQL.
func NewTaskStore(config StoreConfig, db *gorm.DB, logger *zap.Logger) (TaskStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "task_store"))

	switch config.Type {
	case StoreTypeMemory, "":
		logger.Info("using in-memory task store")
		return NewMemoryTaskStore(config), nil
	case StoreTypeRedis:
		logger.Info("using redis task store",
			zap.String("host", config.Redis.Host),
			zap.Int("port", config.Redis.Port),
			zap.Int("db", config.Redis.DB))
		return NewRedisTaskStore(config)
	case StoreTypeSQL:
		if db == nil {
			return nil, fmt.Errorf("sql task store requires a database connection")
		}
		logger.Info("using sql task store",
			zap.String("dialect", db.Dialector.Name()),
			zap.Bool("auto_migrate", config.AutoMigrate))
		return NewGormTaskStore(db, config)
	default:
		return nil, fmt.Errorf("unsupported task store type: %s", config.Type)
	}
}
