package orchestration

import (
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/types"
)

// Strategy 多 Agent 委派策略
type Strategy string

const (
	// StrategyParallel runs all agents concurrently and waits for every one.
	StrategyParallel Strategy = "parallel"
	// StrategySequential runs agents one after another in input order.
	StrategySequential Strategy = "sequential"
	// StrategyFirstSuccess returns the first successful result and cancels the rest.
	StrategyFirstSuccess Strategy = "first_success"
)

// ParseStrategy accepts the strategy names case-insensitively; "-" and "_"
// are interchangeable. Empty input means parallel.
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	switch Strategy(norm) {
	case "", StrategyParallel:
		return StrategyParallel, nil
	case StrategySequential:
		return StrategySequential, nil
	case StrategyFirstSuccess:
		return StrategyFirstSuccess, nil
	default:
		return "", types.Errorf(types.ErrInvalidRequest, "unknown delegation strategy %q", s)
	}
}

// DelegationRequest fans one message out to several agents.
type DelegationRequest struct {
	AgentIDs     []string    `json:"agent_ids"`
	Parts        []task.Part `json:"message_parts"`
	TenantID     string      `json:"tenant_id,omitempty"`
	UserID       string      `json:"user_id"`
	ParentTaskID string      `json:"parent_task_id,omitempty"`
	Strategy     Strategy    `json:"strategy"`
	// Timeout per agent; zero uses the engine default.
	Timeout time.Duration `json:"timeout"`
	// ChainContext 顺序策略下把上一个成功的回复附加给下一个 Agent
	ChainContext bool `json:"chain_context"`
	// Budget caps what the delegations of ParentTaskID may consume in total.
	// nil disables the check.
	Budget *governor.TaskBudget `json:"budget,omitempty"`
	// CallCostUSD 每次委派的固定成本，准入时检查、结束后计入父任务
	CallCostUSD float64 `json:"call_cost_usd,omitempty"`
}

// DelegationResult is the outcome of one agent in a fan-out.
type DelegationResult struct {
	AgentID    string        `json:"agent_id"`
	TaskID     string        `json:"task_id,omitempty"`
	Success    bool          `json:"success"`
	Response   string        `json:"response"`
	Error      string        `json:"error,omitempty"`
	FinalState task.State    `json:"final_state,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	// Usage 子任务通过 usage 产出物报告的用量
	Usage governor.Usage `json:"usage"`
}

// NoResponsesMessage is the synthesis when no agent succeeded.
const NoResponsesMessage = "All sub-agents failed to provide responses."

// SynthesizeResponses labels each successful response with its agent id and
// joins them with a blank line. Failures are left out.
func SynthesizeResponses(results []DelegationResult) string {
	var blocks []string
	for _, r := range results {
		if r.Success {
			blocks = append(blocks, "["+r.AgentID+"]: "+r.Response)
		}
	}
	if len(blocks) == 0 {
		return NoResponsesMessage
	}
	return strings.Join(blocks, "\n\n")
}
