package orchestration

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/agentrelay/agent/governor"
	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/types"
)

// fakeAgent 描述一个脚本化的远端 Agent
type fakeAgent struct {
	delay     time.Duration
	reply     string
	final     task.State
	failWith  error // CreateTask 直接返回的错误
	ignoreCtx bool  // 模拟不响应取消的 Agent
	noDone    bool
	usage     *governor.Usage // 结束前上报用量
}

type fakeClient struct {
	agents map[string]*fakeAgent

	mu        sync.Mutex
	calls     []string
	requests  map[string]a2a.CreateTaskRequest
	cancelled map[string]bool

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakeClient(agents map[string]*fakeAgent) *fakeClient {
	return &fakeClient{
		agents:    agents,
		requests:  make(map[string]a2a.CreateTaskRequest),
		cancelled: make(map[string]bool),
	}
}

func succeedAfter(d time.Duration, reply string) *fakeAgent {
	return &fakeAgent{delay: d, reply: reply, final: task.StateCompleted}
}

func failAfter(d time.Duration) *fakeAgent {
	return &fakeAgent{delay: d, reply: "partial thoughts", final: task.StateFailed}
}

func (f *fakeClient) CreateTask(ctx context.Context, agentID string, req a2a.CreateTaskRequest, _ ...a2a.CallOption) (iter.Seq2[task.Event, error], error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	f.requests[agentID] = req
	f.mu.Unlock()

	ag, ok := f.agents[agentID]
	if !ok {
		return nil, types.Errorf(types.ErrAgentNotFound, "agent %s not found", agentID)
	}
	if ag.failWith != nil {
		return nil, ag.failWith
	}

	id := "task-" + agentID
	return func(yield func(task.Event, error) bool) {
		n := f.active.Add(1)
		defer f.active.Add(-1)
		for {
			m := f.maxActive.Load()
			if n <= m || f.maxActive.CompareAndSwap(m, n) {
				break
			}
		}

		if !yield(task.NewStatusEvent(id, task.StateWorking, ""), nil) {
			return
		}
		if ag.ignoreCtx {
			time.Sleep(ag.delay)
		} else {
			select {
			case <-time.After(ag.delay):
			case <-ctx.Done():
				f.mu.Lock()
				f.cancelled[agentID] = true
				f.mu.Unlock()
				yield(nil, types.NewError(types.ErrTransport, "stream aborted").WithCause(ctx.Err()))
				return
			}
		}
		if ag.reply != "" {
			if !yield(task.NewTextMessageEvent(id, ag.reply), nil) {
				return
			}
		}
		if ag.usage != nil {
			if !yield(task.NewArtifactEvent(id, governor.UsageArtifact(*ag.usage)), nil) {
				return
			}
		}
		if ag.noDone {
			return
		}
		if ag.final == task.StateFailed {
			yield(task.NewErrorEvent(id, "AGENT_BROKE", "agent "+agentID+" broke"), nil)
			return
		}
		yield(task.NewDoneEvent(id, ag.final), nil)
	}, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) wasCancelled(agentID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[agentID]
}

type delegationRecord struct {
	strategy, agentID, outcome string
}

type recordingObserver struct {
	mu      sync.Mutex
	records []delegationRecord
}

func (o *recordingObserver) RecordDelegation(strategy, agentID, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, delegationRecord{strategy, agentID, outcome})
}

func (o *recordingObserver) outcomes() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]string)
	for _, r := range o.records {
		out[r.agentID] = r.outcome
	}
	return out
}

func textParts(s string) []task.Part {
	return []task.Part{task.TextPart(s)}
}

func a2aRequest(text string) a2a.CreateTaskRequest {
	return a2a.CreateTaskRequest{MessageParts: textParts(text)}
}
