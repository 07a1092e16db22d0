package orchestration

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/BaSui01/agentrelay/agent/orchestration"

// Client creates a task on an agent and streams its events.
// *a2a.HTTPClient, *LocalClient and *HybridClient satisfy it.
type Client interface {
	CreateTask(ctx context.Context, agentID string, req a2a.CreateTaskRequest, opts ...a2a.CallOption) (iter.Seq2[task.Event, error], error)
}

// Observer receives one call per finished delegation.
// outcome is one of success, failure, timeout, refused.
type Observer interface {
	RecordDelegation(strategy, agentID, outcome string, duration time.Duration)
}

// Delegation outcomes reported to the Observer.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
	OutcomeRefused = "refused"
)

// EngineConfig 编排引擎配置
type EngineConfig struct {
	// DefaultTimeout 单个 Agent 的硬超时
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// DefaultStrategy 请求未指定策略时使用
	DefaultStrategy Strategy `yaml:"default_strategy" json:"default_strategy" env:"DEFAULT_STRATEGY"`
}

// DefaultEngineConfig 返回默认配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultTimeout:  120 * time.Second,
		DefaultStrategy: StrategyParallel,
	}
}

// Engine fans delegation requests out to agents and combines the outcomes
// per strategy. Per-agent failures never abort a fan-out; they become failed
// DelegationResults.
type Engine struct {
	client   Client
	governor *governor.Governor
	config   EngineConfig
	observer Observer
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time
}

// Option 配置 Engine
type Option func(*Engine)

// WithGovernor 设置准入控制；nil 表示不限制
func WithGovernor(g *governor.Governor) Option {
	return func(e *Engine) { e.governor = g }
}

// WithObserver 设置委派观察者（通常是 metrics.Collector）
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithTracerProvider 指定 TracerProvider，默认使用全局
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an orchestration engine.
func NewEngine(client Client, config EngineConfig, opts ...Option) *Engine {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultEngineConfig().DefaultTimeout
	}
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = StrategyParallel
	}
	e := &Engine{
		client: client,
		config: config,
		tracer: otel.Tracer(tracerName),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "orchestration"))
	return e
}

// Delegate runs req against every agent in req.AgentIDs.
//
// parallel returns one result per agent in input order. sequential does the
// same but starts agent i+1 only after agent i finished. first_success returns
// the first successful result alone, or an empty slice when every agent failed.
func (e *Engine) Delegate(ctx context.Context, req DelegationRequest) ([]DelegationResult, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = e.config.DefaultStrategy
	}
	strategy, err := ParseStrategy(string(strategy))
	if err != nil {
		return nil, err
	}
	if len(req.Parts) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "delegation has no message parts")
	}
	if len(req.AgentIDs) == 0 {
		return []DelegationResult{}, nil
	}
	req.Strategy = strategy
	if req.Timeout <= 0 {
		req.Timeout = e.config.DefaultTimeout
	}

	e.logger.Debug("delegating",
		zap.String("strategy", string(strategy)),
		zap.Strings("agents", req.AgentIDs),
		zap.String("parent_task_id", req.ParentTaskID),
	)

	switch strategy {
	case StrategySequential:
		return e.sequential(ctx, req), nil
	case StrategyFirstSuccess:
		return e.firstSuccess(ctx, req), nil
	default:
		return e.parallel(ctx, req), nil
	}
}

func (e *Engine) parallel(ctx context.Context, req DelegationRequest) []DelegationResult {
	results := make([]DelegationResult, len(req.AgentIDs))
	var g errgroup.Group
	for i, agentID := range req.AgentIDs {
		g.Go(func() error {
			results[i] = e.execute(ctx, agentID, req.Parts, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Engine) sequential(ctx context.Context, req DelegationRequest) []DelegationResult {
	results := make([]DelegationResult, 0, len(req.AgentIDs))
	var previous *DelegationResult
	for _, agentID := range req.AgentIDs {
		parts := req.Parts
		if req.ChainContext && previous != nil {
			parts = append(append([]task.Part{}, req.Parts...), task.TextPart(
				fmt.Sprintf("Previous agent (%s) response:\n%s", previous.AgentID, previous.Response)))
		}
		res := e.execute(ctx, agentID, parts, req)
		results = append(results, res)
		if res.Success {
			previous = &results[len(results)-1]
		}
	}
	return results
}

func (e *Engine) firstSuccess(ctx context.Context, req DelegationRequest) []DelegationResult {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 缓冲区足够容纳所有结果，落败者不会阻塞
	ch := make(chan DelegationResult, len(req.AgentIDs))
	for _, agentID := range req.AgentIDs {
		go func() {
			ch <- e.execute(raceCtx, agentID, req.Parts, req)
		}()
	}

	for range req.AgentIDs {
		res := <-ch
		if res.Success {
			return []DelegationResult{res}
		}
	}
	return []DelegationResult{}
}

// execute runs one agent under admission control and a hard timeout.
func (e *Engine) execute(ctx context.Context, agentID string, parts []task.Part, req DelegationRequest) DelegationResult {
	started := e.now()
	ctx, span := e.tracer.Start(ctx, "orchestration.delegate", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("delegation.strategy", string(req.Strategy)),
		attribute.String("task.parent_id", req.ParentTaskID),
	))
	defer span.End()

	res, outcome := e.run(ctx, agentID, parts, req)
	res.AgentID = agentID
	res.StartedAt = started
	res.Duration = e.now().Sub(started)

	span.SetAttributes(
		attribute.String("delegation.outcome", outcome),
		attribute.String("task.id", res.TaskID),
		attribute.String("task.final_state", string(res.FinalState)),
	)
	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, res.Error)
	}
	if e.observer != nil {
		e.observer.RecordDelegation(string(req.Strategy), agentID, outcome, res.Duration)
	}
	if !res.Success {
		e.logger.Debug("delegation failed",
			zap.String("agent_id", agentID),
			zap.String("outcome", outcome),
			zap.String("error", res.Error),
		)
	}
	return res
}

// run admits the delegation against the tenant quota and the parent's budget,
// then charges the parent with the call cost plus whatever the child reported.
func (e *Engine) run(ctx context.Context, agentID string, parts []task.Part, req DelegationRequest) (res DelegationResult, outcome string) {
	err := e.governor.Admit(ctx, governor.Admission{
		TenantID: req.TenantID,
		TaskID:   req.ParentTaskID,
		Call:     governor.Call{Kind: governor.CallExternalAPI, CostUSD: req.CallCostUSD},
		Budget:   req.Budget,
	})
	if err != nil {
		return DelegationResult{Error: err.Error()}, OutcomeRefused
	}
	defer func() {
		e.governor.Record(req.ParentTaskID, governor.Usage{CostUSD: req.CallCostUSD}.Add(res.Usage))
	}()

	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	done := make(chan DelegationResult, 1)
	go func() {
		done <- e.consume(callCtx, agentID, parts, req)
	}()

	select {
	case res := <-done:
		if !res.Success && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.Error = timeoutMessage(agentID, req.Timeout)
			return res, OutcomeTimeout
		}
		if res.Success {
			return res, OutcomeSuccess
		}
		return res, OutcomeFailure
	case <-callCtx.Done():
		// 硬超时：不等待仍在运行的流
		if ctx.Err() != nil {
			return DelegationResult{Error: fmt.Sprintf("agent %s cancelled: %v", agentID, ctx.Err())}, OutcomeFailure
		}
		return DelegationResult{Error: timeoutMessage(agentID, req.Timeout)}, OutcomeTimeout
	}
}

// consume drains one agent's event stream into a result.
func (e *Engine) consume(ctx context.Context, agentID string, parts []task.Part, req DelegationRequest) DelegationResult {
	var res DelegationResult
	if e.client == nil {
		res.Error = "orchestration engine has no client"
		return res
	}

	stream, err := e.client.CreateTask(ctx, agentID, a2a.CreateTaskRequest{
		MessageParts: parts,
		TenantID:     req.TenantID,
		UserID:       req.UserID,
		ParentTaskID: req.ParentTaskID,
	}, a2a.WithTimeout(req.Timeout))
	if err != nil {
		res.Error = err.Error()
		return res
	}

	var text responseText
	for ev, err := range stream {
		if err != nil {
			res.Error = err.Error()
			res.Response = text.String()
			return res
		}
		if res.TaskID == "" {
			res.TaskID = ev.Meta().TaskID
		}
		switch ev := ev.(type) {
		case *task.MessageEvent:
			text.add(task.PartsText(ev.Parts), ev.IsPartial)
		case *task.ArtifactEvent:
			if u, ok := governor.UsageFromArtifact(ev.Artifact); ok {
				res.Usage = res.Usage.Add(u)
			}
		case *task.StatusEvent:
			if ev.State.IsTerminal() {
				res.FinalState = ev.State
				if ev.State == task.StateFailed && ev.Message != "" {
					res.Error = ev.Message
				}
			}
		case *task.ErrorEvent:
			res.FinalState = task.StateFailed
			res.Error = fmt.Sprintf("%s: %s", ev.Code, ev.Message)
		case *task.DoneEvent:
			res.FinalState = ev.FinalState
		}
	}

	res.Response = text.String()
	switch {
	case res.FinalState == task.StateCompleted:
		res.Success = true
	case res.FinalState == "":
		res.Error = fmt.Sprintf("agent %s ended without a terminal event", agentID)
	case res.Error == "":
		res.Error = fmt.Sprintf("agent %s finished in state %s", agentID, res.FinalState)
	}
	return res
}

func timeoutMessage(agentID string, d time.Duration) string {
	return fmt.Sprintf("agent %s timed out after %s", agentID, d)
}

// responseText 累积消息文本：流式片段直接拼接，完整消息之间换行
type responseText struct {
	sb          strings.Builder
	lastPartial bool
}

func (r *responseText) add(s string, partial bool) {
	if s == "" {
		return
	}
	if r.sb.Len() > 0 && !r.lastPartial {
		r.sb.WriteByte('\n')
	}
	r.sb.WriteString(s)
	r.lastPartial = partial
}

func (r *responseText) String() string {
	return r.sb.String()
}
