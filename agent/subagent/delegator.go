package subagent

import (
	"context"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/internal/ctxkeys"
	"github.com/BaSui01/agentrelay/types"
	"go.uber.org/zap"
)

// DelegatorConfig 描述一个经由 delegate_to_agent 工具转交任务的 Agent
type DelegatorConfig struct {
	ID string `yaml:"id" json:"id"`
	// Targets 允许调用的 Agent，第一个为默认目标
	Targets []string             `yaml:"targets" json:"targets"`
	Timeout time.Duration        `yaml:"timeout" json:"timeout"`
	Budget  *governor.TaskBudget `yaml:"budget" json:"budget,omitempty"`
}

// DelegatorAgent hands its task to one of its targets through a Tool owned
// by the delegator. A data part may pick the target with an "agent_id" key;
// its other keys travel to the child as context.
type DelegatorAgent struct {
	config DelegatorConfig
	tool   *Tool
}

// NewDelegatorAgent 创建委派 Agent；registry 与 manager 通常是所在进程的同一套
func NewDelegatorAgent(cfg DelegatorConfig, registry task.Registry, manager *task.Manager, gov *governor.Governor, logger *zap.Logger) *DelegatorAgent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DelegatorAgent{
		config: cfg,
		tool: &Tool{
			OwnerID:  cfg.ID,
			Registry: registry,
			Manager:  manager,
			Governor: gov,
			Budget:   cfg.Budget,
			Timeout:  cfg.Timeout,
			Logger:   logger.With(zap.String("delegator", cfg.ID)),
		},
	}
}

// ID implements task.Agent.
func (a *DelegatorAgent) ID() string { return a.config.ID }

// ProcessTask implements task.Agent. A successful child yields its output as a
// message, its usage as an artifact, then Done(completed). Refusals and child
// failures end the task with an ErrorEvent carrying the error code.
func (a *DelegatorAgent) ProcessTask(ctx context.Context, t *task.Task) iter.Seq2[task.Event, error] {
	return func(yield func(task.Event, error) bool) {
		in, err := a.input(t)
		if err != nil {
			yield(nil, err)
			return
		}

		ctx = ctxkeys.WithTaskID(ctx, t.ID)
		if t.TenantID != "" {
			ctx = ctxkeys.WithTenantID(ctx, t.TenantID)
		}
		if t.UserID != "" {
			ctx = ctxkeys.WithUserID(ctx, t.UserID)
		}
		res, err := a.tool.Execute(ctx, in)
		if err != nil {
			yield(errorEvent(t.ID, err), nil)
			return
		}
		if !res.Success {
			yield(task.NewErrorEvent(t.ID, string(types.ErrAgentExecution), res.Error), nil)
			return
		}

		if res.Output != "" {
			if !yield(task.NewTextMessageEvent(t.ID, res.Output), nil) {
				return
			}
		}
		if res.Usage != (governor.Usage{}) {
			if !yield(task.NewArtifactEvent(t.ID, governor.UsageArtifact(res.Usage)), nil) {
				return
			}
		}
		yield(task.NewDoneEvent(t.ID, task.StateCompleted), nil)
	}
}

func (a *DelegatorAgent) input(t *task.Task) (Input, error) {
	var parts []task.Part
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == task.RoleUser {
			parts = t.Messages[i].Parts
			break
		}
	}

	in := Input{TaskDescription: strings.TrimSpace(task.PartsText(parts))}
	if len(a.config.Targets) > 0 {
		in.AgentID = a.config.Targets[0]
	}
	for _, p := range parts {
		if p.Type != task.PartTypeData {
			continue
		}
		for k, v := range p.Data {
			if k == "agent_id" {
				if id, ok := v.(string); ok && id != "" {
					in.AgentID = id
				}
				continue
			}
			if in.Context == nil {
				in.Context = make(map[string]any)
			}
			in.Context[k] = v
		}
	}

	if in.TaskDescription == "" {
		return Input{}, types.Errorf(types.ErrInvalidRequest, "task %s has no text to delegate", t.ID)
	}
	if !slices.Contains(a.config.Targets, in.AgentID) {
		return Input{}, types.Errorf(types.ErrInvalidRequest, "agent %s may not delegate to %q", a.config.ID, in.AgentID).
			WithDetail("targets", a.config.Targets)
	}
	return in, nil
}

func errorEvent(taskID string, err error) *task.ErrorEvent {
	e, ok := types.AsError(err)
	if !ok {
		return task.NewErrorEvent(taskID, string(types.ErrAgentExecution), err.Error())
	}
	ev := task.NewErrorEvent(taskID, string(e.Code), e.Message)
	ev.Details = e.Details
	return ev
}
