// =============================================================================
// 📦 AgentRelay 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("relay.yaml").
//	    WithEnvPrefix("AGENTRELAY").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/orchestration"
	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/subagent"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix 环境变量默认前缀
const DefaultEnvPrefix = "AGENTRELAY"

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentRelay 的完整配置结构
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`

	// Store 任务存储后端（memory / redis / sql）
	Store persistence.StoreConfig `yaml:"store" env:"STORE"`

	// Client 远程 Agent 客户端
	Client a2a.ClientConfig `yaml:"client" env:"CLIENT"`

	Governor      GovernorConfig      `yaml:"governor" env:"GOVERNOR"`
	Orchestration OrchestrationConfig `yaml:"orchestration" env:"ORCHESTRATION"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口；0 表示在 HTTP 端口上暴露 /metrics
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时；事件流可能很长，0 表示不限制
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每租户请求限流；RateLimitRPS 为 0 时关闭
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 同时保持的连接上限；0 表示不限制
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DatabaseConfig 数据库配置；仅 store.type 为 sql 时使用
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 时为文件路径
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns        int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns        int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime     time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime     time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
	SlowQueryThreshold  time.Duration `yaml:"slow_query_threshold" env:"SLOW_QUERY_THRESHOLD"`

	// MigrationsTable golang-migrate 版本表
	MigrationsTable string `yaml:"migrations_table" env:"MIGRATIONS_TABLE"`
	// MigrateOnStart serve 启动时执行 migrate up
	MigrateOnStart bool `yaml:"migrate_on_start" env:"MIGRATE_ON_START"`
}

// GovernorConfig 资源治理配置
type GovernorConfig struct {
	// Default 未单独配置的租户使用
	Default governor.RateLimitConfig `yaml:"default" env:"DEFAULT"`
	// Tenants 按租户覆盖；仅能通过 YAML 设置
	Tenants map[string]governor.RateLimitConfig `yaml:"tenants" env:"-"`
}

// OrchestrationConfig 编排配置
type OrchestrationConfig struct {
	Engine orchestration.EngineConfig `yaml:"engine" env:"ENGINE"`
	// FanOut 由本进程托管的扇出 Agent
	FanOut []orchestration.FanOutConfig `yaml:"fan_out" env:"-"`
	// Delegators 经由 delegate_to_agent 工具转交任务的 Agent
	Delegators []subagent.DelegatorConfig `yaml:"delegators" env:"-"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// ConfigPath 返回配置文件路径，未设置时为空
func (l *Loader) ConfigPath() string { return l.configPath }

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量；最后执行 Validate 与自定义验证器
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置；文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv 递归设置结构体字段；只处理带 env tag 的字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		// time.Duration 之外的结构体递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := l.lookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := splitList(value)
			field.Set(reflect.ValueOf(parts).Convert(field.Type()))
		}

	case reflect.Map:
		// key=value,key2=value2
		if field.Type().Key().Kind() == reflect.String && field.Type().Elem().Kind() == reflect.String {
			m := make(map[string]string)
			for _, pair := range splitList(value) {
				k, v, ok := strings.Cut(pair, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return fmt.Errorf("invalid map entry %q, want key=value", pair)
				}
				m[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
			field.Set(reflect.ValueOf(m).Convert(field.Type()))
		}
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, "max_connections must not be negative")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "rate limit must not be negative")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst == 0 {
		errs = append(errs, "rate_limit_burst must be positive when rate_limit_rps is set")
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", c.Log.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be between 0 and 1")
	}

	switch c.Store.Type {
	case persistence.StoreTypeMemory, "":
	case persistence.StoreTypeRedis:
		if c.Store.Redis.Host == "" {
			errs = append(errs, "store.redis.host is required for the redis store")
		}
	case persistence.StoreTypeSQL:
		if c.Database.Driver == "" {
			errs = append(errs, "database.driver is required for the sql store")
		}
		if c.Database.MaxOpenConns <= 0 || c.Database.MaxIdleConns <= 0 {
			errs = append(errs, "database pool sizes must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}

	if c.Client.MaxRetries < 0 || c.Client.Timeout < 0 {
		errs = append(errs, "client timeout and max_retries must not be negative")
	}

	if c.Orchestration.Engine.DefaultTimeout <= 0 {
		errs = append(errs, "orchestration default_timeout must be positive")
	}
	if _, err := orchestration.ParseStrategy(string(c.Orchestration.Engine.DefaultStrategy)); err != nil {
		errs = append(errs, err.Error())
	}
	seen := make(map[string]bool)
	for i, f := range c.Orchestration.FanOut {
		switch {
		case f.ID == "":
			errs = append(errs, fmt.Sprintf("fan_out[%d]: id is required", i))
		case seen[f.ID]:
			errs = append(errs, fmt.Sprintf("fan_out[%d]: duplicate id %q", i, f.ID))
		}
		seen[f.ID] = true
		if len(f.AgentIDs) == 0 {
			errs = append(errs, fmt.Sprintf("fan_out[%d]: agents must not be empty", i))
		}
		for _, id := range f.AgentIDs {
			if id == f.ID {
				errs = append(errs, fmt.Sprintf("fan_out[%d]: %q delegates to itself", i, f.ID))
			}
		}
		if _, err := orchestration.ParseStrategy(string(f.Strategy)); err != nil {
			errs = append(errs, fmt.Sprintf("fan_out[%d]: %v", i, err))
		}
		if f.CallCostUSD < 0 {
			errs = append(errs, fmt.Sprintf("fan_out[%d]: call_cost_usd must not be negative", i))
		}
	}
	for i, d := range c.Orchestration.Delegators {
		switch {
		case d.ID == "":
			errs = append(errs, fmt.Sprintf("delegators[%d]: id is required", i))
		case seen[d.ID]:
			errs = append(errs, fmt.Sprintf("delegators[%d]: duplicate id %q", i, d.ID))
		}
		seen[d.ID] = true
		if len(d.Targets) == 0 {
			errs = append(errs, fmt.Sprintf("delegators[%d]: targets must not be empty", i))
		}
		if slices.Contains(d.Targets, d.ID) {
			errs = append(errs, fmt.Sprintf("delegators[%d]: %q delegates to itself", i, d.ID))
		}
		if d.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("delegators[%d]: timeout must not be negative", i))
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// DSN 返回 gorm 使用的数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
