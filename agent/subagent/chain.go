package subagent

import (
	"context"
	"slices"
	"strings"

	"github.com/BaSui01/agentrelay/internal/ctxkeys"
)

// AgentChain is the ordered list of agents a delegation passed through.
// It is a value: Append returns a new chain and never touches the receiver,
// so concurrent branches each keep their own history.
type AgentChain struct {
	ids []string
}

// NewAgentChain 由 ID 列表构造链（复制输入）
func NewAgentChain(ids ...string) AgentChain {
	return AgentChain{ids: slices.Clone(ids)}
}

// ChainFromContext 读取 ctx 中的委派链
func ChainFromContext(ctx context.Context) AgentChain {
	return AgentChain{ids: ctxkeys.AgentChain(ctx)}
}

// WithContext 把链写入 ctx
func (c AgentChain) WithContext(ctx context.Context) context.Context {
	return ctxkeys.WithAgentChain(ctx, c.ids)
}

// Append returns a copy of c with id added at the end.
func (c AgentChain) Append(id string) AgentChain {
	ids := make([]string, len(c.ids), len(c.ids)+1)
	copy(ids, c.ids)
	return AgentChain{ids: append(ids, id)}
}

// Contains 判断 id 是否已在链中
func (c AgentChain) Contains(id string) bool {
	return slices.Contains(c.ids, id)
}

// IDs 返回链的副本
func (c AgentChain) IDs() []string {
	return slices.Clone(c.ids)
}

// Len 链长度
func (c AgentChain) Len() int {
	return len(c.ids)
}

func (c AgentChain) String() string {
	return strings.Join(c.ids, " -> ")
}
