package subagent

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/persistence"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type delegatorFixture struct {
	manager *task.Manager
	store   *persistence.MemoryTaskStore
	gov     *governor.Governor
}

// newDelegatorFixture 注册 delegator 与目标 Agent，返回共用的 Manager
func newDelegatorFixture(t *testing.T, cfg DelegatorConfig, agents ...task.Agent) *delegatorFixture {
	t.Helper()
	storeCfg := persistence.DefaultStoreConfig()
	storeCfg.Cleanup.Enabled = false
	store := persistence.NewMemoryTaskStore(storeCfg)
	t.Cleanup(func() { _ = store.Close() })

	registry := task.NewMapRegistry(agents...)
	gov := governor.New(nil, nil)
	manager := task.NewManager(store, registry, task.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, registry.Register(NewDelegatorAgent(cfg, registry, manager, gov, zaptest.NewLogger(t))))
	return &delegatorFixture{manager: manager, store: store, gov: gov}
}

func (f *delegatorFixture) run(t *testing.T, ctx context.Context, agentID string, parts ...task.Part) (*task.Task, []task.Event) {
	t.Helper()
	created, err := f.manager.CreateTask(ctx, task.CreateTaskRequest{AgentID: agentID, Parts: parts, TenantID: "acme"})
	require.NoError(t, err)
	seq, err := f.manager.ProcessTask(ctx, created)
	require.NoError(t, err)

	var events []task.Event
	for ev, err := range seq {
		require.NoError(t, err)
		events = append(events, ev)
	}
	stored, err := f.manager.GetTask(ctx, created.ID)
	require.NoError(t, err)
	return stored, events
}

func TestDelegatorAgent_DelegatesToDefaultTarget(t *testing.T) {
	f := newDelegatorFixture(t, DelegatorConfig{ID: "planner", Targets: []string{"writer", "critic"}, Timeout: time.Second},
		replying("writer", "drafted"), replying("critic", "looks fine"))

	parent, _ := f.run(t, context.Background(), "planner", task.TextPart("write a haiku"))
	assert.Equal(t, task.StateCompleted, parent.State)
	assert.Equal(t, "drafted", parent.AgentText())

	children, err := f.store.ListByParent(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "writer", children[0].AgentID)
	assert.Equal(t, "acme", children[0].TenantID)
}

func TestDelegatorAgent_DataPartPicksTargetAndContext(t *testing.T) {
	var got map[string]any
	critic := &funcAgent{id: "critic", fn: func(_ context.Context, t *task.Task, yield func(task.Event, error) bool) {
		for _, p := range t.Messages[0].Parts {
			if p.Type == task.PartTypeData {
				got = p.Data
			}
		}
		yield(task.NewDoneEvent(t.ID, task.StateCompleted), nil)
	}}
	f := newDelegatorFixture(t, DelegatorConfig{ID: "planner", Targets: []string{"writer", "critic"}},
		replying("writer", "x"), critic)

	parent, _ := f.run(t, context.Background(), "planner",
		task.TextPart("review this"),
		task.DataPart(map[string]any{"agent_id": "critic", "tone": "strict"}))
	assert.Equal(t, task.StateCompleted, parent.State)
	assert.Equal(t, map[string]any{"tone": "strict"}, got)
}

func TestDelegatorAgent_UnlistedTarget(t *testing.T) {
	f := newDelegatorFixture(t, DelegatorConfig{ID: "planner", Targets: []string{"writer"}}, replying("writer", "x"))

	created, err := f.manager.CreateTask(context.Background(), task.CreateTaskRequest{
		AgentID: "planner",
		Parts:   []task.Part{task.TextPart("go"), task.DataPart(map[string]any{"agent_id": "admin"})},
	})
	require.NoError(t, err)
	seq, err := f.manager.ProcessTask(context.Background(), created)
	require.NoError(t, err)

	var last error
	for _, err := range seq {
		if err != nil {
			last = err
		}
	}
	assert.True(t, types.IsCode(last, types.ErrInvalidRequest), "got %v", last)
	assert.Equal(t, 1, f.store.Len(), "no child created")
}

func TestDelegatorAgent_CycleFromIncomingChain(t *testing.T) {
	f := newDelegatorFixture(t, DelegatorConfig{ID: "planner", Targets: []string{"writer"}}, replying("writer", "x"))

	ctx := NewAgentChain("writer").WithContext(context.Background())
	parent, events := f.run(t, ctx, "planner", task.TextPart("loop"))

	assert.Equal(t, task.StateFailed, parent.State)
	require.NotNil(t, parent.Error)
	assert.Equal(t, string(types.ErrCycleDetected), parent.Error.Code)
	assert.Equal(t, []string{"writer", "planner", "writer"}, parent.Error.Details["chain"])

	last, ok := events[len(events)-1].(*task.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, string(types.ErrCycleDetected), last.Code)
	assert.Equal(t, 1, f.store.Len(), "no child created")
}

func TestDelegatorAgent_ChildFailure(t *testing.T) {
	broken := &funcAgent{id: "writer", fn: func(_ context.Context, t *task.Task, yield func(task.Event, error) bool) {
		yield(task.NewErrorEvent(t.ID, "WRITER_DOWN", "out of ink"), nil)
	}}
	f := newDelegatorFixture(t, DelegatorConfig{ID: "planner", Targets: []string{"writer"}}, broken)

	parent, _ := f.run(t, context.Background(), "planner", task.TextPart("write"))
	assert.Equal(t, task.StateFailed, parent.State)
	require.NotNil(t, parent.Error)
	assert.Equal(t, string(types.ErrAgentExecution), parent.Error.Code)
	assert.Contains(t, parent.Error.Message, "out of ink")
}

func TestDelegatorAgent_ForwardsUsage(t *testing.T) {
	writer := &funcAgent{id: "writer", fn: func(_ context.Context, t *task.Task, yield func(task.Event, error) bool) {
		if !yield(task.NewArtifactEvent(t.ID, governor.UsageArtifact(governor.Usage{Tokens: 40, LLMCalls: 1})), nil) {
			return
		}
		yield(task.NewDoneEvent(t.ID, task.StateCompleted), nil)
	}}
	f := newDelegatorFixture(t, DelegatorConfig{ID: "planner", Targets: []string{"writer"}}, writer)

	parent, _ := f.run(t, context.Background(), "planner", task.TextPart("write"))
	require.Equal(t, task.StateCompleted, parent.State)
	require.Len(t, parent.Artifacts, 1)
	u, ok := governor.UsageFromArtifact(parent.Artifacts[0])
	require.True(t, ok)
	assert.Equal(t, governor.Usage{Tokens: 40, LLMCalls: 1}, u)
	assert.Equal(t, 40, f.gov.Costs().Usage(parent.ID).Tokens)
}
