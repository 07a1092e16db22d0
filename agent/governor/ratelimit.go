package governor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CallKind 被限流的调用类别
type CallKind string

const (
	CallLLM         CallKind = "llm"
	CallExternalAPI CallKind = "external_api"
	CallDB          CallKind = "db"
)

// GlobalTenant 空租户 ID 归入的共享桶
const GlobalTenant = "global"

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour
)

// Call describes one unit of work asking for admission.
type Call struct {
	Kind    CallKind
	Tokens  int
	CostUSD float64
}

// RateLimitConfig 每租户配额；0 表示不限制
type RateLimitConfig struct {
	LLMCallsPerMinute         int     `json:"llm_calls_per_minute" yaml:"llm_calls_per_minute" env:"LLM_CALLS_PER_MINUTE"`
	ExternalAPICallsPerMinute int     `json:"external_api_calls_per_minute" yaml:"external_api_calls_per_minute" env:"EXTERNAL_API_CALLS_PER_MINUTE"`
	DBCallsPerMinute          int     `json:"db_calls_per_minute" yaml:"db_calls_per_minute" env:"DB_CALLS_PER_MINUTE"`
	TokensPerMinute           int     `json:"tokens_per_minute" yaml:"tokens_per_minute" env:"TOKENS_PER_MINUTE"`
	TokensPerHour             int     `json:"tokens_per_hour" yaml:"tokens_per_hour" env:"TOKENS_PER_HOUR"`
	CostPerHour               float64 `json:"cost_per_hour" yaml:"cost_per_hour" env:"COST_PER_HOUR"`
	CostPerDay                float64 `json:"cost_per_day" yaml:"cost_per_day" env:"COST_PER_DAY"`
}

// DefaultRateLimitConfig 返回默认配额
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		LLMCallsPerMinute:         60,
		ExternalAPICallsPerMinute: 120,
		DBCallsPerMinute:          600,
		TokensPerMinute:           100000,
		TokensPerHour:             1000000,
		CostPerHour:               10,
		CostPerDay:                100,
	}
}

func (c RateLimitConfig) callLimit(kind CallKind) (int, bool) {
	switch kind {
	case CallLLM:
		return c.LLMCallsPerMinute, true
	case CallExternalAPI:
		return c.ExternalAPICallsPerMinute, true
	case CallDB:
		return c.DBCallsPerMinute, true
	default:
		return 0, false
	}
}

// TenantUsage 租户当前窗口内的用量快照
type TenantUsage struct {
	TenantID         string           `json:"tenant_id"`
	CallsLastMinute  map[CallKind]int `json:"calls_last_minute"`
	TokensLastMinute int              `json:"tokens_last_minute"`
	TokensThisHour   int              `json:"tokens_this_hour"`
	CostThisHour     float64          `json:"cost_this_hour"`
	CostToday        float64          `json:"cost_today"`
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

type tenantState struct {
	lastSeen time.Time

	// 60 秒滑动日志
	calls  map[CallKind][]time.Time
	tokens []tokenEntry

	// 按经过时间重置的固定窗口
	hourStart  time.Time
	hourTokens int
	hourCost   float64
	dayStart   time.Time
	dayCost    float64
}

// RateLimiter enforces per-tenant quotas. Check and consume happen under one
// mutex so concurrent admissions cannot jointly overshoot a ceiling. Counter
// state exists only for tenants that called; Sweep drops it once it is idle
// and holds nothing.
type RateLimiter struct {
	defaults  RateLimitConfig
	overrides map[string]RateLimitConfig
	tenants   map[string]*tenantState
	now       func() time.Time
	logger    *zap.Logger
	mu        sync.Mutex
}

// LimiterOption 配置 RateLimiter
type LimiterOption func(*RateLimiter)

// WithLimiterClock 替换时钟
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(r *RateLimiter) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLimiterLogger 设置日志
func WithLimiterLogger(logger *zap.Logger) LimiterOption {
	return func(r *RateLimiter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRateLimiter 创建限流器；未单独配置的租户使用 defaults
func NewRateLimiter(defaults RateLimitConfig, opts ...LimiterOption) *RateLimiter {
	r := &RateLimiter{
		defaults:  defaults,
		overrides: make(map[string]RateLimitConfig),
		tenants:   make(map[string]*tenantState),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "rate_limiter"))
	return r
}

// SetTenantConfig overrides a tenant's quotas. Counters already consumed are
// kept; the new ceilings apply from the next call.
func (r *RateLimiter) SetTenantConfig(tenantID string, cfg RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[normalizeTenant(tenantID)] = cfg
}

// ClearTenantConfig 删除租户覆盖配置，之后按默认配额计算
func (r *RateLimiter) ClearTenantConfig(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.overrides, normalizeTenant(tenantID))
}

// SetDefaultConfig replaces the quotas of every tenant without an override.
func (r *RateLimiter) SetDefaultConfig(cfg RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = cfg
}

// TenantConfig 返回租户当前生效的配额
func (r *RateLimiter) TenantConfig(tenantID string) RateLimitConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configLocked(normalizeTenant(tenantID))
}

// CheckAndConsume admits the call when every applicable counter has headroom
// and records it in the same step. On rejection nothing is consumed and the
// returned reason names the exhausted quota.
func (r *RateLimiter) CheckAndConsume(tenantID string, call Call) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	st := r.stateLocked(tenantID)
	st.advance(now)
	st.lastSeen = now
	cfg := r.configLocked(normalizeTenant(tenantID))

	limit, known := cfg.callLimit(call.Kind)
	if !known {
		return false, fmt.Sprintf("unknown call kind %q", call.Kind)
	}
	if limit > 0 && len(st.calls[call.Kind])+1 > limit {
		return r.reject(tenantID, call, fmt.Sprintf("%s calls per minute limit reached (%d)", call.Kind, limit))
	}
	if call.Tokens > 0 {
		if cfg.TokensPerMinute > 0 && st.minuteTokens()+call.Tokens > cfg.TokensPerMinute {
			return r.reject(tenantID, call, fmt.Sprintf("tokens per minute limit reached (%d)", cfg.TokensPerMinute))
		}
		if cfg.TokensPerHour > 0 && st.hourTokens+call.Tokens > cfg.TokensPerHour {
			return r.reject(tenantID, call, fmt.Sprintf("tokens per hour limit reached (%d)", cfg.TokensPerHour))
		}
	}
	if call.CostUSD > 0 {
		if cfg.CostPerHour > 0 && st.hourCost+call.CostUSD > cfg.CostPerHour {
			return r.reject(tenantID, call, fmt.Sprintf("cost per hour limit reached ($%.2f)", cfg.CostPerHour))
		}
		if cfg.CostPerDay > 0 && st.dayCost+call.CostUSD > cfg.CostPerDay {
			return r.reject(tenantID, call, fmt.Sprintf("cost per day limit reached ($%.2f)", cfg.CostPerDay))
		}
	}

	st.calls[call.Kind] = append(st.calls[call.Kind], now)
	if call.Tokens > 0 {
		st.tokens = append(st.tokens, tokenEntry{at: now, tokens: call.Tokens})
		st.hourTokens += call.Tokens
	}
	if call.CostUSD > 0 {
		st.hourCost += call.CostUSD
		st.dayCost += call.CostUSD
	}
	return true, ""
}

// Usage 返回租户用量快照；从未调用过的租户返回零值
func (r *RateLimiter) Usage(tenantID string) TenantUsage {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := normalizeTenant(tenantID)
	st, ok := r.tenants[id]
	if !ok {
		return TenantUsage{TenantID: id, CallsLastMinute: map[CallKind]int{}}
	}
	st.advance(r.now())

	calls := make(map[CallKind]int, len(st.calls))
	for kind, log := range st.calls {
		calls[kind] = len(log)
	}
	return TenantUsage{
		TenantID:         id,
		CallsLastMinute:  calls,
		TokensLastMinute: st.minuteTokens(),
		TokensThisHour:   st.hourTokens,
		CostThisHour:     st.hourCost,
		CostToday:        st.dayCost,
	}
}

// Sweep drops the counters of tenants not seen for idle whose windows no
// longer hold any call, token or cost. Overrides are kept. It returns the
// number of tenants dropped.
func (r *RateLimiter) Sweep(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	dropped := 0
	for id, st := range r.tenants {
		if now.Sub(st.lastSeen) < idle {
			continue
		}
		st.advance(now)
		if st.empty() {
			delete(r.tenants, id)
			dropped++
		}
	}
	if dropped > 0 {
		r.logger.Debug("idle tenants swept", zap.Int("count", dropped), zap.Int("remaining", len(r.tenants)))
	}
	return dropped
}

// Tenants 返回当前持有计数状态的租户数
func (r *RateLimiter) Tenants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tenants)
}

func (r *RateLimiter) configLocked(id string) RateLimitConfig {
	if cfg, ok := r.overrides[id]; ok {
		return cfg
	}
	return r.defaults
}

func (r *RateLimiter) reject(tenantID string, call Call, reason string) (bool, string) {
	r.logger.Debug("call rejected",
		zap.String("tenant_id", normalizeTenant(tenantID)),
		zap.String("kind", string(call.Kind)),
		zap.String("reason", reason),
	)
	return false, reason
}

func (r *RateLimiter) stateLocked(tenantID string) *tenantState {
	id := normalizeTenant(tenantID)
	st, ok := r.tenants[id]
	if !ok {
		now := r.now()
		st = &tenantState{
			lastSeen:  now,
			calls:     make(map[CallKind][]time.Time),
			hourStart: now,
			dayStart:  now,
		}
		r.tenants[id] = st
	}
	return st
}

// advance 丢弃 60 秒之外的日志，并在经过 1h/24h 后重置固定窗口
func (st *tenantState) advance(now time.Time) {
	for kind, log := range st.calls {
		st.calls[kind] = pruneTimes(log, now)
	}
	i := 0
	for i < len(st.tokens) && now.Sub(st.tokens[i].at) >= minuteWindow {
		i++
	}
	st.tokens = st.tokens[i:]

	if now.Sub(st.hourStart) >= hourWindow {
		st.hourStart = now
		st.hourTokens = 0
		st.hourCost = 0
	}
	if now.Sub(st.dayStart) >= dayWindow {
		st.dayStart = now
		st.dayCost = 0
	}
}

// empty 在 advance 之后调用
func (st *tenantState) empty() bool {
	for _, log := range st.calls {
		if len(log) > 0 {
			return false
		}
	}
	return len(st.tokens) == 0 && st.hourTokens == 0 && st.hourCost == 0 && st.dayCost == 0
}

func (st *tenantState) minuteTokens() int {
	total := 0
	for _, e := range st.tokens {
		total += e.tokens
	}
	return total
}

func pruneTimes(log []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(log) && now.Sub(log[i]) >= minuteWindow {
		i++
	}
	return log[i:]
}

func normalizeTenant(tenantID string) string {
	if tenantID == "" {
		return GlobalTenant
	}
	return tenantID
}
