package persistence

import (
	"context"
	"time"

	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/types"
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// CleanupConfig defines cleanup behavior for terminal tasks
type CleanupConfig struct {
	// Enabled determines if automatic cleanup is enabled
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`

	// Interval is how often cleanup runs (default: 1h)
	Interval time.Duration `json:"interval" yaml:"interval" env:"INTERVAL"`

	// TaskRetention is how long terminal tasks are kept (default: 24h).
	// Redis applies it as a key TTL when a task reaches a terminal state.
	TaskRetention time.Duration `json:"task_retention" yaml:"task_retention" env:"TASK_RETENTION"`
}

// DefaultCleanupConfig returns the default cleanup configuration
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:       true,
		Interval:      1 * time.Hour,
		TaskRetention: 24 * time.Hour,
	}
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	Host     string `json:"host" yaml:"host" env:"HOST"`
	Port     int    `json:"port" yaml:"port" env:"PORT"`
	Password string `json:"password" yaml:"password" env:"PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"DB"`
	PoolSize int    `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`
	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`
	// TLS enables the hardened TLS config from internal/tlsutil
	TLS bool `json:"tls" yaml:"tls" env:"TLS"`
}

// StoreConfig is the configuration shared by all task store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`

	// AutoMigrate creates the SQL table through gorm instead of the
	// versioned migrations (only used when Type is "sql")
	AutoMigrate bool `json:"auto_migrate" yaml:"auto_migrate" env:"AUTO_MIGRATE"`

	// Cleanup configuration
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup" env:"CLEANUP"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Redis: RedisStoreConfig{
			Host:      "localhost",
			Port:      6379,
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "agentrelay:",
		},
		Cleanup: DefaultCleanupConfig(),
	}
}

// TaskStore is a task.Store with lifecycle management.
type TaskStore interface {
	task.Store

	// Cleanup removes terminal tasks last updated before now-olderThan
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

func errNotFound(id string) error {
	return types.Errorf(types.ErrNotFound, "task %s not found", id)
}

func errExists(id string) error {
	return types.Errorf(types.ErrAlreadyExists, "task %s already exists", id)
}

func errClosed() error {
	return types.NewError(types.ErrStoreClosed, "store is closed")
}

func validateTask(t *task.Task) error {
	if t == nil || t.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "task must have an id")
	}
	return nil
}
