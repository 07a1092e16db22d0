package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// ToolName 工具注册名
const ToolName = "delegate_to_agent"

// Input 工具参数
type Input struct {
	AgentID         string         `json:"agent_id"`
	TaskDescription string         `json:"task_description"`
	Context         map[string]any `json:"context,omitempty"`
}

// Result 子 Agent 的执行结果
type Result struct {
	AgentID    string        `json:"agent_id"`
	TaskID     string        `json:"task_id,omitempty"`
	Success    bool          `json:"success"`
	Output     string        `json:"output"`
	FinalState task.State    `json:"final_state,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	// Usage 子任务报告的用量，已计入父任务
	Usage governor.Usage `json:"usage"`
}

// Tool lets the agent OwnerID call another registered agent in-process.
// Each call runs the child task through Manager under a hard timeout.
type Tool struct {
	OwnerID  string
	Registry task.Registry
	Manager  *task.Manager
	Governor *governor.Governor
	// Budget caps the total the owner's current task may spend on delegations.
	Budget  *governor.TaskBudget
	Timeout time.Duration
	Logger  *zap.Logger
}

// DefaultTimeout 未配置 Timeout 时的子任务超时
const DefaultTimeout = 60 * time.Second

// Name implements the tool registration contract.
func (t *Tool) Name() string { return ToolName }

// Description implements the tool registration contract.
func (t *Tool) Description() string {
	return "Delegate a self-contained task to another registered agent and return its answer. " +
		"Use agent_id to pick the agent; task_description must be understandable without this conversation."
}

// Parameters 返回 JSON Schema
func (t *Tool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"agent_id": {"type": "string", "description": "ID of the agent to delegate to"},
			"task_description": {"type": "string", "description": "The task for the agent"},
			"context": {"type": "object", "description": "Optional structured context"}
		},
		"required": ["agent_id", "task_description"]
	}`)
}

// ExecuteJSON decodes raw tool arguments and calls Execute.
func (t *Tool) ExecuteJSON(ctx context.Context, args json.RawMessage) (*Result, error) {
	var in Input
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid tool arguments").WithCause(err)
	}
	return t.Execute(ctx, in)
}

// Execute delegates in.TaskDescription to in.AgentID.
//
// A target already present in the context's agent chain, or equal to the
// owner, fails with CYCLE_DETECTED before anything else happens. Governor
// refusals are returned as errors. An unknown agent or a timeout yields a
// failed Result with a nil error. A child that ends failed yields its Result
// together with an AGENT_EXECUTION_ERROR carrying the child's error message.
func (t *Tool) Execute(ctx context.Context, in Input) (*Result, error) {
	if in.AgentID == "" || strings.TrimSpace(in.TaskDescription) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "agent_id and task_description are required")
	}

	chain := ChainFromContext(ctx)
	if chain.Contains(in.AgentID) || in.AgentID == t.OwnerID {
		full := chain
		if !chain.Contains(t.OwnerID) {
			full = full.Append(t.OwnerID)
		}
		full = full.Append(in.AgentID)
		return nil, types.Errorf(types.ErrCycleDetected, "delegation cycle detected: %s", full).
			WithDetail("chain", full.IDs())
	}

	started := time.Now()
	childCtx := chain.Append(t.OwnerID).WithContext(ctx)
	parentID, _ := ctxkeys.TaskID(ctx)
	tenantID, _ := ctxkeys.TenantID(ctx)
	userID, _ := ctxkeys.UserID(ctx)

	if err := t.Governor.Admit(childCtx, governor.Admission{
		TenantID: tenantID,
		TaskID:   parentID,
		Call:     governor.Call{Kind: governor.CallExternalAPI},
		Budget:   t.Budget,
	}); err != nil {
		return nil, err
	}

	res := &Result{AgentID: in.AgentID}
	if _, err := t.Registry.Get(in.AgentID); err != nil {
		res.Error = err.Error()
		res.Duration = time.Since(started)
		return res, nil
	}

	parts := []task.Part{task.TextPart(in.TaskDescription)}
	if len(in.Context) > 0 {
		parts = append(parts, task.DataPart(in.Context))
	}
	child, err := t.Manager.CreateTask(childCtx, task.CreateTaskRequest{
		AgentID:      in.AgentID,
		Parts:        parts,
		TenantID:     tenantID,
		UserID:       userID,
		ParentTaskID: parentID,
	})
	if err != nil {
		return nil, err
	}
	res.TaskID = child.ID

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctxkeys.WithTaskID(childCtx, child.ID), timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() { done <- t.run(runCtx, child) }()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = outcome{err: runCtx.Err()}
	}
	res.Duration = time.Since(started)
	res.Output = out.text
	res.FinalState = out.state
	res.Usage = out.usage
	t.Governor.Record(parentID, out.usage)

	if out.err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			res.Error = fmt.Sprintf("agent %s timed out after %s", in.AgentID, timeout)
			t.logger().Warn("sub-agent timed out",
				zap.String("agent_id", in.AgentID),
				zap.String("task_id", child.ID),
				zap.Duration("timeout", timeout))
			return res, nil
		}
		res.Error = out.err.Error()
		return res, nil
	}

	switch out.state {
	case task.StateCompleted:
		res.Success = true
	case task.StateFailed:
		msg := out.failure
		if msg == "" {
			msg = "child task failed"
		}
		res.Error = msg
		return res, types.Errorf(types.ErrAgentExecution, "agent %s failed: %s", in.AgentID, msg).
			WithDetail("task_id", child.ID)
	case "":
		res.Error = fmt.Sprintf("agent %s ended without a terminal event", in.AgentID)
	default:
		res.Error = fmt.Sprintf("agent %s finished in state %s", in.AgentID, out.state)
	}
	return res, nil
}

type outcome struct {
	text    string
	state   task.State
	failure string
	usage   governor.Usage
	err     error
}

// run 消费子任务事件流，累积文本与终态
func (t *Tool) run(ctx context.Context, child *task.Task) outcome {
	var out outcome
	seq, err := t.Manager.ProcessTask(ctx, child)
	if err != nil {
		out.err = err
		return out
	}

	var sb strings.Builder
	for ev, err := range seq {
		if err != nil {
			out.err = err
			break
		}
		switch ev := ev.(type) {
		case *task.MessageEvent:
			sb.WriteString(task.PartsText(ev.Parts))
		case *task.ArtifactEvent:
			if u, ok := governor.UsageFromArtifact(ev.Artifact); ok {
				out.usage = out.usage.Add(u)
			}
		case *task.StatusEvent:
			if ev.State.IsTerminal() {
				out.state = ev.State
				if ev.State == task.StateFailed {
					out.failure = ev.Message
				}
			}
		case *task.ErrorEvent:
			out.state = task.StateFailed
			out.failure = ev.Message
		case *task.DoneEvent:
			out.state = ev.FinalState
		}
	}
	out.text = sb.String()
	return out
}

func (t *Tool) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger.With(zap.String("component", "subagent_tool"), zap.String("owner_id", t.OwnerID))
}
