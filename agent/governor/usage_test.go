package governor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageFromArtifact(t *testing.T) {
	t.Run("in-process report", func(t *testing.T) {
		u, ok := UsageFromArtifact(UsageArtifact(Usage{CostUSD: 0.5, Tokens: 120, LLMCalls: 2}))
		require.True(t, ok)
		assert.Equal(t, Usage{CostUSD: 0.5, Tokens: 120, LLMCalls: 2}, u)
	})

	t.Run("report decoded from the wire", func(t *testing.T) {
		raw, err := json.Marshal(UsageArtifact(Usage{CostUSD: 1.25, Tokens: 7, LLMCalls: 1}))
		require.NoError(t, err)
		var decoded task.Artifact
		require.NoError(t, json.Unmarshal(raw, &decoded))

		u, ok := UsageFromArtifact(decoded)
		require.True(t, ok)
		assert.Equal(t, Usage{CostUSD: 1.25, Tokens: 7, LLMCalls: 1}, u)
	})

	t.Run("several data parts are summed, text ignored", func(t *testing.T) {
		a := task.Artifact{Name: UsageArtifactName, Parts: []task.Part{
			task.DataPart(map[string]any{"tokens": 10}),
			task.TextPart("note"),
			task.DataPart(map[string]any{"tokens": int64(5), "cost_usd": float32(0.5)}),
		}}
		u, ok := UsageFromArtifact(a)
		require.True(t, ok)
		assert.Equal(t, Usage{CostUSD: 0.5, Tokens: 15}, u)
	})

	t.Run("other artifacts are not usage", func(t *testing.T) {
		_, ok := UsageFromArtifact(task.Artifact{Name: "report", Parts: []task.Part{task.DataPart(map[string]any{"tokens": 3})}})
		assert.False(t, ok)
	})
}

func TestGovernor_RecordAndRelease(t *testing.T) {
	g := New(nil, nil)
	budget := &TaskBudget{MaxLLMCalls: Ptr(2)}

	g.Record("task-1", Usage{LLMCalls: 2})
	g.Record("", Usage{LLMCalls: 5})
	assert.Equal(t, Usage{LLMCalls: 2}, g.Costs().Usage("task-1"))

	err := g.Admit(context.Background(), Admission{TaskID: "task-1", Call: Call{Kind: CallLLM}, Budget: budget})
	require.Error(t, err)

	g.Release("task-1")
	assert.Equal(t, Usage{}, g.Costs().Usage("task-1"))
	assert.NoError(t, g.Admit(context.Background(), Admission{TaskID: "task-1", Call: Call{Kind: CallLLM}, Budget: budget}))

	var nilGov *Governor
	nilGov.Record("task-1", Usage{Tokens: 1})
	nilGov.Release("task-1")
}
