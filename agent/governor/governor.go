// Package governor 提供资源治理：租户级限流与任务级成本预算。
//
// Governor 由宿主进程显式构造并注入，不存在全局单例。
package governor

import (
	"context"

	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// Observer 接收准入结果（由 metrics.Collector 实现）
type Observer interface {
	RecordAdmission(kind, outcome string)
}

// Admission 一次准入请求
type Admission struct {
	TenantID string
	TaskID   string
	Call     Call
	// Budget 为空时跳过预算检查
	Budget *TaskBudget
}

// Governor combines the tenant rate limiter and the per-task cost tracker.
// A nil *Governor admits everything.
type Governor struct {
	limiter  *RateLimiter
	costs    *CostTracker
	observer Observer
	logger   *zap.Logger
}

// Option 配置 Governor
type Option func(*Governor)

// WithObserver 设置准入观察者
func WithObserver(o Observer) Option {
	return func(g *Governor) { g.observer = o }
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(g *Governor) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New 创建 Governor；limiter 或 costs 为 nil 时使用默认实例
func New(limiter *RateLimiter, costs *CostTracker, opts ...Option) *Governor {
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRateLimitConfig())
	}
	if costs == nil {
		costs = NewCostTracker()
	}
	g := &Governor{limiter: limiter, costs: costs, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "governor"))
	return g
}

// Limiter 返回限流器
func (g *Governor) Limiter() *RateLimiter { return g.limiter }

// Costs 返回成本跟踪器
func (g *Governor) Costs() *CostTracker { return g.costs }

// Admit checks the task budget (without consuming) and then atomically checks
// and consumes the tenant quota. Refusals are typed errors carrying
// BUDGET_EXCEEDED or RATE_LIMITED; nothing is consumed when admission fails.
func (g *Governor) Admit(ctx context.Context, a Admission) error {
	if g == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Budget != nil && a.TaskID != "" {
		if !g.costs.CheckBudget(a.TaskID, *a.Budget, a.Call.CostUSD, a.Call.Tokens, a.Call.Kind == CallLLM) {
			g.observe(a.Call.Kind, "budget_exceeded")
			g.logger.Info("admission refused: budget exceeded",
				zap.String("task_id", a.TaskID),
				zap.String("kind", string(a.Call.Kind)),
			)
			return types.Errorf(types.ErrBudgetExceeded, "task %s budget exceeded", a.TaskID).
				WithDetail("task_id", a.TaskID).
				WithDetail("remaining", g.costs.GetRemainingBudget(a.TaskID, *a.Budget))
		}
	}

	if ok, reason := g.limiter.CheckAndConsume(a.TenantID, a.Call); !ok {
		g.observe(a.Call.Kind, "rate_limited")
		g.logger.Info("admission refused: rate limited",
			zap.String("tenant_id", normalizeTenant(a.TenantID)),
			zap.String("reason", reason),
		)
		return types.NewError(types.ErrRateLimited, reason).
			WithDetail("tenant_id", normalizeTenant(a.TenantID)).
			WithRetryable(true)
	}

	g.observe(a.Call.Kind, "admitted")
	return nil
}

// Record 记录任务实际用量
func (g *Governor) Record(taskID string, u Usage) {
	if g == nil || taskID == "" {
		return
	}
	g.costs.add(taskID, u)
}

// Release drops the running totals of a finished task.
func (g *Governor) Release(taskID string) {
	if g == nil || taskID == "" {
		return
	}
	g.costs.Reset(taskID)
}

func (g *Governor) observe(kind CallKind, outcome string) {
	if g.observer != nil {
		g.observer.RecordAdmission(string(kind), outcome)
	}
}
