package task

import (
	"testing"
	"time"

	"github.com/BaSui01/agentrelay/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTask(state State) *Task {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Task{
		ID:        "task-1",
		AgentID:   "agent-a",
		State:     state,
		Messages:  []Message{{ID: "m0", Role: RoleUser, Parts: []Part{TextPart("hi")}, CreatedAt: now}},
		Artifacts: []Artifact{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestApplyEvent_DoesNotMutateInput(t *testing.T) {
	orig := newTask(StateWorking)
	next, err := ApplyEvent(orig, NewTextMessageEvent(orig.ID, "hello"))
	require.NoError(t, err)
	assert.Len(t, orig.Messages, 1)
	assert.Len(t, next.Messages, 2)
	assert.Equal(t, RoleAgent, next.Messages[1].Role)
	assert.Equal(t, "hello", next.Messages[1].Text())
}

func TestApplyEvent_Events(t *testing.T) {
	t.Run("artifact appended with id", func(t *testing.T) {
		next, err := ApplyEvent(newTask(StateWorking), NewArtifactEvent("task-1", Artifact{Name: "report", Parts: []Part{TextPart("r")}}))
		require.NoError(t, err)
		require.Len(t, next.Artifacts, 1)
		assert.NotEmpty(t, next.Artifacts[0].ID)
	})

	t.Run("done failed gets synthetic error", func(t *testing.T) {
		next, err := ApplyEvent(newTask(StateWorking), NewDoneEvent("task-1", StateFailed))
		require.NoError(t, err)
		assert.Equal(t, StateFailed, next.State)
		require.NotNil(t, next.Error)
		assert.Equal(t, SyntheticErrorCode, next.Error.Code)
	})

	t.Run("error event carries code", func(t *testing.T) {
		next, err := ApplyEvent(newTask(StateWorking), NewErrorEvent("task-1", "BOOM", "exploded"))
		require.NoError(t, err)
		assert.Equal(t, StateFailed, next.State)
		assert.Equal(t, &TaskError{Code: "BOOM", Message: "exploded"}, next.Error)
	})

	t.Run("done with non-terminal state", func(t *testing.T) {
		_, err := ApplyEvent(newTask(StateWorking), NewDoneEvent("task-1", StateWorking))
		assert.True(t, types.IsCode(err, types.ErrInvalidEvent))
	})

	t.Run("illegal status transition", func(t *testing.T) {
		_, err := ApplyEvent(newTask(StateSubmitted), NewStatusEvent("task-1", StateCompleted, ""))
		assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	})

	t.Run("leaving failed clears error", func(t *testing.T) {
		next, err := ApplyEvent(newTask(StateInputRequired), NewStatusEvent("task-1", StateWorking, ""))
		require.NoError(t, err)
		assert.Nil(t, next.Error)
	})

	t.Run("mismatched task id", func(t *testing.T) {
		_, err := ApplyEvent(newTask(StateWorking), NewTextMessageEvent("other", "x"))
		assert.True(t, types.IsCode(err, types.ErrInvalidEvent))
	})

	t.Run("empty message", func(t *testing.T) {
		_, err := ApplyEvent(newTask(StateWorking), NewMessageEvent("task-1", nil, false))
		assert.True(t, types.IsCode(err, types.ErrInvalidEvent))
	})
}

func TestApplyEvent_FailureFromAnyOpenState(t *testing.T) {
	for _, s := range []State{StateSubmitted, StateWorking, StateInputRequired, StateAuthRequired} {
		next, err := ApplyEvent(newTask(s), NewErrorEvent("task-1", "BOOM", "gave up"))
		require.NoError(t, err, s)
		assert.Equal(t, StateFailed, next.State, s)
		assert.Equal(t, "BOOM", next.Error.Code, s)

		next, err = ApplyEvent(newTask(s), NewDoneEvent("task-1", StateFailed))
		require.NoError(t, err, s)
		assert.Equal(t, StateFailed, next.State, s)
		assert.Equal(t, SyntheticErrorCode, next.Error.Code, s)
	}

	// 其余终态仍受状态表约束
	_, err := ApplyEvent(newTask(StateInputRequired), NewDoneEvent("task-1", StateCompleted))
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))

	for _, s := range []State{StateCompleted, StateCancelled, StateRejected} {
		_, err := ApplyEvent(newTask(s), NewErrorEvent("task-1", "BOOM", "late"))
		assert.True(t, types.IsCode(err, types.ErrInvalidTransition), s)
	}
}

func TestApplyEvent_TerminalTaskImmutable(t *testing.T) {
	for _, s := range TerminalStates() {
		done := newTask(s)
		_, err := ApplyEvent(done, NewTextMessageEvent(done.ID, "late"))
		assert.True(t, types.IsCode(err, types.ErrInvalidTransition), s)
		_, err = ApplyEvent(done, NewArtifactEvent(done.ID, Artifact{Name: "late"}))
		assert.True(t, types.IsCode(err, types.ErrInvalidTransition), s)
		_, err = ApplyEvent(done, NewStatusEvent(done.ID, StateWorking, ""))
		assert.True(t, types.IsCode(err, types.ErrInvalidTransition), s)
	}
}

func genEvent(taskID string) *rapid.Generator[Event] {
	return rapid.Custom(func(rt *rapid.T) Event {
		states := AllStates()
		terminal := TerminalStates()
		switch rapid.IntRange(0, 4).Draw(rt, "kind") {
		case 0:
			return NewStatusEvent(taskID, rapid.SampledFrom(states).Draw(rt, "state"), "")
		case 1:
			return NewTextMessageEvent(taskID, rapid.StringN(1, 10, -1).Draw(rt, "text"))
		case 2:
			return NewArtifactEvent(taskID, Artifact{Name: rapid.StringN(1, 8, -1).Draw(rt, "name")})
		case 3:
			return NewDoneEvent(taskID, rapid.SampledFrom(terminal).Draw(rt, "final"))
		default:
			return NewErrorEvent(taskID, "E", rapid.String().Draw(rt, "msg"))
		}
	})
}

func failsTask(ev Event) bool {
	switch e := ev.(type) {
	case *ErrorEvent:
		return true
	case *DoneEvent:
		return e.FinalState == StateFailed
	}
	return false
}

// 任意事件序列折叠后：Error 非空当且仅当 failed；消息和产物只增不减
func TestProperty_ApplyEvent_Invariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		current := newTask(rapid.SampledFrom([]State{StateSubmitted, StateWorking}).Draw(rt, "start"))
		events := rapid.SliceOfN(genEvent(current.ID), 1, 30).Draw(rt, "events")

		for _, ev := range events {
			before := current
			next, err := ApplyEvent(current, ev)
			if err != nil {
				require.True(rt, types.IsCode(err, types.ErrInvalidTransition) || types.IsCode(err, types.ErrInvalidEvent), err.Error())
				continue
			}
			if before.State.IsTerminal() {
				require.Equal(rt, before.State, next.State, "terminal tasks never change state")
			} else if next.State != before.State && !failsTask(ev) {
				require.True(rt, before.State.CanTransitionTo(next.State))
			}
			require.GreaterOrEqual(rt, len(next.Messages), len(before.Messages))
			require.GreaterOrEqual(rt, len(next.Artifacts), len(before.Artifacts))
			require.Equal(rt, next.State == StateFailed, next.Error != nil)
			current = next
		}
	})
}

// 对终态任务重复应用同一终态事件不产生变化
func TestProperty_ApplyEvent_TerminalIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		final := rapid.SampledFrom(TerminalStates()).Draw(rt, "final")
		start := newTask(StateWorking)
		if final == StateRejected {
			start = newTask(StateSubmitted)
		}

		var ev Event = NewDoneEvent(start.ID, final)
		if final == StateFailed && rapid.Bool().Draw(rt, "useError") {
			ev = NewErrorEvent(start.ID, "E", "m")
		}

		once, err := ApplyEvent(start, ev)
		require.NoError(rt, err)
		twice, err := ApplyEvent(once, ev)
		require.NoError(rt, err)
		require.Equal(rt, once, twice)
	})
}
