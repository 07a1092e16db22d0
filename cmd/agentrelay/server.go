package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/orchestration"
	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/router"
	"github.com/BaSui01/agentrelay/agent/subagent"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/api/handlers"
	"github.com/BaSui01/agentrelay/config"
	"github.com/BaSui01/agentrelay/internal/database"
	"github.com/BaSui01/agentrelay/internal/metrics"
	"github.com/BaSui01/agentrelay/internal/migration"
	"github.com/BaSui01/agentrelay/internal/server"
	"github.com/BaSui01/agentrelay/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🖥️ Server：组装任务栈与 HTTP 端点
// =============================================================================

// Server wires the task stack behind the protocol endpoints.
type Server struct {
	cfg    *config.Config
	loader *config.Loader
	logger *zap.Logger

	registry  *prometheus.Registry
	collector *metrics.Collector
	otel      *telemetry.Providers

	pool    *database.PoolManager
	store   persistence.TaskStore
	agents  *task.MapRegistry
	manager *task.Manager
	limiter *governor.RateLimiter
	gov     *governor.Governor
	engine  *orchestration.Engine
	router  *router.Router
	watcher *config.Watcher

	handler        http.Handler
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 中间件后台清理的生命周期
	cancel context.CancelFunc
}

// ServerOption 配置 Server
type ServerOption func(*Server)

// WithConfigLoader 启用配置文件热加载（仅租户配额生效）
func WithConfigLoader(loader *config.Loader) ServerOption {
	return func(s *Server) { s.loader = loader }
}

// WithAgents 在本进程注册额外的 Agent 实现
func WithAgents(agents ...task.Agent) ServerOption {
	return func(s *Server) {
		for _, ag := range agents {
			if err := s.agents.Register(ag); err != nil {
				s.logger.Warn("skipping agent", zap.String("agent_id", ag.ID()), zap.Error(err))
			}
		}
	}
}

// WithMetricsRegistry 使用给定的 Prometheus registry（测试隔离用）
func WithMetricsRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) { s.registry = reg }
}

// NewServer builds every component from cfg. Resources opened here are
// released by Run on exit, or by Close when Run is never called.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (_ *Server, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger,
		agents: task.NewMapRegistry(),
	}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	// 选项可能注册 Agent，需要 registry 与 logger 先就绪
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.collector = metrics.NewCollectorWith("agentrelay", s.registry, logger)

	s.otel, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry unavailable, continuing without export", zap.Error(err))
		s.otel, err = nil, nil
	}

	if err = s.initStore(ctx); err != nil {
		return nil, err
	}

	s.limiter = governor.NewRateLimiter(cfg.Governor.Default, governor.WithLimiterLogger(logger))
	applyTenantQuotas(s.limiter, nil, cfg.Governor)
	s.gov = governor.New(s.limiter, governor.NewCostTracker(),
		governor.WithObserver(s.collector),
		governor.WithLogger(logger),
	)

	s.manager = task.NewManager(s.store, s.agents,
		task.WithLogger(logger),
		task.WithObserver(s.collector),
		// 父任务结束后释放其委派预算
		task.WithTerminalHook(func(t *task.Task) { s.gov.Release(t.ID) }),
	)

	// 远端子任务经 router 转发，本地保留影子记录
	s.router = router.New(s.store, a2a.NewHTTPClient(cfg.Client, logger), router.WithLogger(logger))
	client := orchestration.NewHybridClient(orchestration.NewLocalClient(s.manager), s.router)
	s.engine = orchestration.NewEngine(client, cfg.Orchestration.Engine,
		orchestration.WithGovernor(s.gov),
		orchestration.WithObserver(s.collector),
		orchestration.WithTracerProvider(s.otel.TracerProvider()),
		orchestration.WithLogger(logger),
	)
	for _, fc := range cfg.Orchestration.FanOut {
		if err = s.agents.Register(orchestration.NewFanOutAgent(fc, s.engine)); err != nil {
			return nil, fmt.Errorf("register fan-out agent %s: %w", fc.ID, err)
		}
	}
	for _, dc := range cfg.Orchestration.Delegators {
		if err = s.agents.Register(subagent.NewDelegatorAgent(dc, s.agents, s.manager, s.gov, logger)); err != nil {
			return nil, fmt.Errorf("register delegator agent %s: %w", dc.ID, err)
		}
	}

	if s.loader != nil && s.loader.ConfigPath() != "" {
		s.watcher = config.NewWatcher(s.loader, cfg, config.WithWatcherLogger(logger))
		s.watcher.OnReload(func(oldCfg, newCfg *config.Config) {
			applyTenantQuotas(s.limiter, &oldCfg.Governor, newCfg.Governor)
			logger.Info("governor quotas reloaded", zap.Int("tenants", len(newCfg.Governor.Tenants)))
		})
	}

	mwCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.handler = s.routes(mwCtx)

	s.httpManager = server.NewManager(s.handler, serverConfig("api", cfg.Server.HTTPPort, cfg.Server), logger)
	if cfg.Server.MetricsPort > 0 {
		s.metricsManager = server.NewManager(s.metricsHandler(), serverConfig("metrics", cfg.Server.MetricsPort, cfg.Server), logger)
	}

	logger.Info("server assembled",
		zap.String("store", string(cfg.Store.Type)),
		zap.Strings("agents", s.agents.IDs()),
		zap.Bool("config_reload", s.watcher != nil),
	)
	return s, nil
}

// initStore 打开任务存储；sql 存储需要数据库连接池与最新的 schema
func (s *Server) initStore(ctx context.Context) error {
	db := s.cfg.Database
	if s.cfg.Store.Type != persistence.StoreTypeSQL {
		store, err := persistence.NewTaskStore(s.cfg.Store, nil, s.logger)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		s.store = store
		return nil
	}

	if err := prepareSchema(ctx, db, s.logger); err != nil {
		return err
	}

	gdb, err := database.Open(db.Driver, db.DSN(), db.SlowQueryThreshold, s.logger)
	if err != nil {
		return err
	}
	s.pool, err = database.NewPoolManager(gdb, database.PoolConfig{
		MaxIdleConns:        db.MaxIdleConns,
		MaxOpenConns:        db.MaxOpenConns,
		ConnMaxLifetime:     db.ConnMaxLifetime,
		ConnMaxIdleTime:     db.ConnMaxIdleTime,
		HealthCheckInterval: db.HealthCheckInterval,
	}, s.logger, database.WithStatsObserver(s.collector), database.WithName(db.Name))
	if err != nil {
		if sqlDB, dbErr := gdb.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return fmt.Errorf("init connection pool: %w", err)
	}

	store, err := persistence.NewTaskStore(s.cfg.Store, s.pool.DB(), s.logger)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	s.store = store
	return nil
}

// prepareSchema 按配置执行迁移，或确认 schema 已是最新
func prepareSchema(ctx context.Context, db config.DatabaseConfig, logger *zap.Logger) error {
	m, err := migration.NewMigratorFromDatabaseConfig(db, logger)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer m.Close()

	if db.MigrateOnStart {
		if err := m.Up(ctx); err != nil {
			return fmt.Errorf("migrate on start: %w", err)
		}
		return nil
	}
	if err := m.EnsureCurrent(ctx); err != nil {
		return fmt.Errorf("%w (run `agentrelay migrate up` or set database.migrate_on_start)", err)
	}
	return nil
}

func (s *Server) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	handlers.NewTaskHandler(s.manager, s.router, s.logger).Register(mux)

	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewPingCheck("task_store", s.store.Ping))
	if s.pool != nil {
		health.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	}
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(version(), BuildTime, GitCommit))

	if s.cfg.Server.MetricsPort == 0 {
		mux.Handle("GET /metrics", s.metricsHandler())
	}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		OTelTracing(s.otel.TracerProvider()),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			TenantRateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	return Chain(mux, middlewares...)
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Handler returns the API handler with its middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled or a listener fails, then releases every
// resource.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.httpManager.Run(gctx) })
	if s.metricsManager != nil {
		g.Go(func() error { return s.metricsManager.Run(gctx) })
	}
	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Run(gctx) })
	}
	g.Go(func() error {
		s.sweepLoop(gctx, time.Minute, limiterIdle)
		return nil
	})
	if s.cfg.Store.Type == persistence.StoreTypeSQL && s.cfg.Store.Cleanup.Enabled {
		g.Go(func() error {
			s.cleanupLoop(gctx)
			return nil
		})
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	err := g.Wait()
	return errors.Join(err, s.Close())
}

// limiterIdle 与 HTTP 限流中间件的空闲阈值一致
const limiterIdle = 3 * time.Minute

// sweepLoop 定期清理空闲租户的治理计数
func (s *Server) sweepLoop(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Sweep(idle); n > 0 {
				s.logger.Debug("governor tenants swept", zap.Int("count", n))
			}
		}
	}
}

// cleanupLoop 定期删除过期的终态任务；memory 存储自带循环，redis 依赖 TTL
func (s *Server) cleanupLoop(ctx context.Context) {
	cleanup := s.cfg.Store.Cleanup
	if cleanup.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(cleanup.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.Cleanup(ctx, cleanup.TaskRetention)
			if err != nil {
				s.logger.Warn("task cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired tasks removed", zap.Int("count", n))
			}
		}
	}
}

// Close releases the store, the connection pool and the telemetry exporters.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.pool != nil {
		errs = append(errs, s.pool.Close())
	}
	if s.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, s.otel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func serverConfig(name string, port int, cfg config.ServerConfig) server.Config {
	sc := server.DefaultConfig()
	sc.Name = name
	sc.Addr = ":" + strconv.Itoa(port)
	sc.ReadTimeout = cfg.ReadTimeout
	sc.WriteTimeout = cfg.WriteTimeout
	sc.IdleTimeout = cfg.IdleTimeout
	sc.MaxConnections = cfg.MaxConnections
	if cfg.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = cfg.ShutdownTimeout
	}
	return sc
}

// applyTenantQuotas 把配置中的租户配额写入限流器。prev 中存在而 next 中
// 已删除的租户回落到新的默认配额。
func applyTenantQuotas(limiter *governor.RateLimiter, prev *config.GovernorConfig, next config.GovernorConfig) {
	limiter.SetDefaultConfig(next.Default)
	if prev != nil {
		for tenantID := range prev.Tenants {
			if _, kept := next.Tenants[tenantID]; !kept {
				limiter.ClearTenantConfig(tenantID)
			}
		}
	}
	for tenantID, quota := range next.Tenants {
		limiter.SetTenantConfig(tenantID, quota)
	}
}
