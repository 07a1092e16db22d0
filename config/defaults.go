// =============================================================================
// 📦 AgentRelay 默认配置
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/orchestration"
	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Database:  DefaultDatabaseConfig(),
		Store:     persistence.DefaultStoreConfig(),
		Client:    a2a.DefaultClientConfig(),
		Governor: GovernorConfig{
			Default: governor.DefaultRateLimitConfig(),
			Tenants: map[string]governor.RateLimitConfig{},
		},
		Orchestration: OrchestrationConfig{
			Engine: orchestration.DefaultEngineConfig(),
		},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:              "postgres",
		Host:                "localhost",
		Port:                5432,
		User:                "agentrelay",
		Password:            "",
		Name:                "agentrelay",
		SSLMode:             "disable",
		MaxOpenConns:        25,
		MaxIdleConns:        5,
		ConnMaxLifetime:     5 * time.Minute,
		ConnMaxIdleTime:     time.Minute,
		HealthCheckInterval: 30 * time.Second,
		SlowQueryThreshold:  200 * time.Millisecond,
		MigrationsTable:     "schema_migrations",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentrelay",
		SampleRate:   0.1,
	}
}
