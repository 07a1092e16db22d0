package governor

import (
	"context"
	"testing"

	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingObserver struct {
	outcomes []string
}

func (o *countingObserver) RecordAdmission(kind, outcome string) {
	o.outcomes = append(o.outcomes, kind+":"+outcome)
}

func TestGovernor_Admit(t *testing.T) {
	obs := &countingObserver{}
	g := New(NewRateLimiter(RateLimitConfig{ExternalAPICallsPerMinute: 2}), nil,
		WithObserver(obs), WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	call := Call{Kind: CallExternalAPI}
	require.NoError(t, g.Admit(ctx, Admission{TenantID: "acme", Call: call}))
	require.NoError(t, g.Admit(ctx, Admission{TenantID: "acme", Call: call}))

	err := g.Admit(ctx, Admission{TenantID: "acme", Call: call})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRateLimited))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, []string{"external_api:admitted", "external_api:admitted", "external_api:rate_limited"}, obs.outcomes)
}

func TestGovernor_BudgetRefusalDoesNotConsumeQuota(t *testing.T) {
	g := New(NewRateLimiter(RateLimitConfig{LLMCallsPerMinute: 5}), nil)
	ctx := context.Background()
	budget := &TaskBudget{MaxLLMCalls: Ptr(1)}

	g.Record("task-1", Usage{LLMCalls: 1})
	err := g.Admit(ctx, Admission{TenantID: "acme", TaskID: "task-1", Call: Call{Kind: CallLLM}, Budget: budget})
	assert.True(t, types.IsCode(err, types.ErrBudgetExceeded))
	assert.Equal(t, 0, g.Limiter().Usage("acme").CallsLastMinute[CallLLM])

	// 非 LLM 调用不计入 LLM 次数
	require.NoError(t, g.Admit(ctx, Admission{TenantID: "acme", TaskID: "task-1", Call: Call{Kind: CallExternalAPI}, Budget: budget}))
}

func TestGovernor_NilAndCancelled(t *testing.T) {
	var g *Governor
	assert.NoError(t, g.Admit(context.Background(), Admission{}))
	g.Record("x", Usage{Tokens: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, New(nil, nil).Admit(ctx, Admission{Call: Call{Kind: CallLLM}}), context.Canceled)
}
