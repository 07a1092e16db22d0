package governor

import (
	"sync"
)

// TaskBudget 任务级预算上限；nil 表示不限制
type TaskBudget struct {
	MaxCostUSD  *float64 `json:"max_cost_usd,omitempty" yaml:"max_cost_usd"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
	MaxLLMCalls *int     `json:"max_llm_calls,omitempty" yaml:"max_llm_calls"`
}

// Ptr 构造预算上限指针
func Ptr[T any](v T) *T {
	return &v
}

// Usage 任务累计用量
type Usage struct {
	CostUSD  float64 `json:"cost_usd"`
	Tokens   int     `json:"tokens"`
	LLMCalls int     `json:"llm_calls"`
}

// RemainingBudget 剩余额度；nil 表示该维度不限制，已超支时为 0
type RemainingBudget struct {
	CostUSD  *float64 `json:"cost_usd,omitempty"`
	Tokens   *int     `json:"tokens,omitempty"`
	LLMCalls *int     `json:"llm_calls,omitempty"`
}

// CostTracker keeps running totals per task. Callers check before doing work
// and record after.
type CostTracker struct {
	usage map[string]Usage
	mu    sync.RWMutex
}

// NewCostTracker 创建成本跟踪器
func NewCostTracker() *CostTracker {
	return &CostTracker{usage: make(map[string]Usage)}
}

// CheckBudget returns false exactly when total+additional exceeds a configured
// ceiling in any dimension.
func (c *CostTracker) CheckBudget(taskID string, budget TaskBudget, addCost float64, addTokens int, isLLMCall bool) bool {
	c.mu.RLock()
	u := c.usage[taskID]
	c.mu.RUnlock()

	if budget.MaxCostUSD != nil && u.CostUSD+addCost > *budget.MaxCostUSD {
		return false
	}
	if budget.MaxTokens != nil && u.Tokens+addTokens > *budget.MaxTokens {
		return false
	}
	if budget.MaxLLMCalls != nil {
		calls := u.LLMCalls
		if isLLMCall {
			calls++
		}
		if calls > *budget.MaxLLMCalls {
			return false
		}
	}
	return true
}

// RecordUsage 累加任务用量
func (c *CostTracker) RecordUsage(taskID string, cost float64, tokens int, isLLMCall bool) {
	u := Usage{CostUSD: cost, Tokens: tokens}
	if isLLMCall {
		u.LLMCalls = 1
	}
	c.add(taskID, u)
}

func (c *CostTracker) add(taskID string, delta Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.usage[taskID]
	u.CostUSD += delta.CostUSD
	u.Tokens += delta.Tokens
	u.LLMCalls += delta.LLMCalls
	c.usage[taskID] = u
}

// Usage 返回任务累计用量
func (c *CostTracker) Usage(taskID string) Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage[taskID]
}

// GetRemainingBudget 返回剩余额度
func (c *CostTracker) GetRemainingBudget(taskID string, budget TaskBudget) RemainingBudget {
	u := c.Usage(taskID)
	var r RemainingBudget
	if budget.MaxCostUSD != nil {
		r.CostUSD = Ptr(max(*budget.MaxCostUSD-u.CostUSD, 0))
	}
	if budget.MaxTokens != nil {
		r.Tokens = Ptr(max(*budget.MaxTokens-u.Tokens, 0))
	}
	if budget.MaxLLMCalls != nil {
		r.LLMCalls = Ptr(max(*budget.MaxLLMCalls-u.LLMCalls, 0))
	}
	return r
}

// Reset 清除任务用量
func (c *CostTracker) Reset(taskID string) {
	c.mu.Lock()
	delete(c.usage, taskID)
	c.mu.Unlock()
}
