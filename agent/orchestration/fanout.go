package orchestration

import (
	"context"
	"iter"
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/types"
)

// FanOutConfig 描述一个扇出 Agent
type FanOutConfig struct {
	ID           string        `yaml:"id" json:"id"`
	AgentIDs     []string      `yaml:"agents" json:"agents"`
	Strategy     Strategy      `yaml:"strategy" json:"strategy"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	ChainContext bool          `yaml:"chain_context" json:"chain_context"`
	// Budget 单个扇出任务所有委派的总预算
	Budget      *governor.TaskBudget `yaml:"budget" json:"budget,omitempty"`
	CallCostUSD float64              `yaml:"call_cost_usd" json:"call_cost_usd,omitempty"`
}

// FanOutAgent is a task.Agent that hands its task's text to other agents
// through the Engine and answers with the synthesized responses. The
// delegated tasks are children of the fan-out task.
type FanOutAgent struct {
	config FanOutConfig
	engine *Engine
}

// NewFanOutAgent 创建扇出 Agent
func NewFanOutAgent(config FanOutConfig, engine *Engine) *FanOutAgent {
	return &FanOutAgent{config: config, engine: engine}
}

// ID implements task.Agent.
func (a *FanOutAgent) ID() string { return a.config.ID }

// ProcessTask implements task.Agent. It emits one message with the synthesis,
// one artifact holding the per-agent results, then Done(completed). When no
// delegate succeeded it ends with an AGENT_EXECUTION_ERROR instead.
func (a *FanOutAgent) ProcessTask(ctx context.Context, t *task.Task) iter.Seq2[task.Event, error] {
	return func(yield func(task.Event, error) bool) {
		parts := latestUserParts(t)
		if len(parts) == 0 {
			yield(nil, types.Errorf(types.ErrInvalidRequest, "task %s has no user message", t.ID))
			return
		}

		ctx = ctxkeys.WithTaskID(ctx, t.ID)
		results, err := a.engine.Delegate(ctx, DelegationRequest{
			AgentIDs:     a.config.AgentIDs,
			Parts:        parts,
			TenantID:     t.TenantID,
			UserID:       t.UserID,
			ParentTaskID: t.ID,
			Strategy:     a.config.Strategy,
			Timeout:      a.config.Timeout,
			ChainContext: a.config.ChainContext,
			Budget:       a.config.Budget,
			CallCostUSD:  a.config.CallCostUSD,
		})
		if err != nil {
			yield(nil, err)
			return
		}

		synthesis := SynthesizeResponses(results)
		if !yield(task.NewTextMessageEvent(t.ID, synthesis), nil) {
			return
		}
		if !yield(task.NewArtifactEvent(t.ID, resultsArtifact(results)), nil) {
			return
		}

		if succeeded(results) == 0 {
			yield(task.NewErrorEvent(t.ID, string(types.ErrAgentExecution), synthesis), nil)
			return
		}
		yield(task.NewDoneEvent(t.ID, task.StateCompleted), nil)
	}
}

func latestUserParts(t *task.Task) []task.Part {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == task.RoleUser {
			return t.Messages[i].Parts
		}
	}
	return nil
}

func succeeded(results []DelegationResult) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}

func resultsArtifact(results []DelegationResult) task.Artifact {
	rows := make([]any, 0, len(results))
	for _, r := range results {
		row := map[string]any{
			"agent_id":    r.AgentID,
			"task_id":     r.TaskID,
			"success":     r.Success,
			"final_state": string(r.FinalState),
			"duration_ms": r.Duration.Milliseconds(),
		}
		if r.Error != "" {
			row["error"] = r.Error
		}
		rows = append(rows, row)
	}
	return task.Artifact{
		Name:        "delegation-results",
		Description: "per-agent delegation outcomes",
		Parts:       []task.Part{task.DataPart(map[string]any{"results": rows})},
	}
}
