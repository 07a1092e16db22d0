package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringKeys(t *testing.T) {
	ctx := context.Background()
	_, ok := TenantID(ctx)
	assert.False(t, ok)

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTenantID(ctx, "acme")
	ctx = WithUserID(ctx, "u-1")
	ctx = WithTaskID(ctx, "task-1")

	v, _ := TraceID(ctx)
	assert.Equal(t, "trace-1", v)
	v, _ = TenantID(ctx)
	assert.Equal(t, "acme", v)
	v, _ = UserID(ctx)
	assert.Equal(t, "u-1", v)
	v, _ = TaskID(ctx)
	assert.Equal(t, "task-1", v)

	_, ok = TaskID(WithTaskID(ctx, ""))
	assert.False(t, ok)
}

func TestAgentChain_IsCopied(t *testing.T) {
	chain := []string{"a", "b"}
	ctx := WithAgentChain(context.Background(), chain)

	chain[0] = "mutated"
	got := AgentChain(ctx)
	assert.Equal(t, []string{"a", "b"}, got)

	got[1] = "mutated"
	assert.Equal(t, []string{"a", "b"}, AgentChain(ctx))
	assert.Empty(t, AgentChain(context.Background()))
}
