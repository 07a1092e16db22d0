package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_TransitionTable(t *testing.T) {
	tests := []struct {
		from State
		to   []State
	}{
		{StateSubmitted, []State{StateWorking, StateRejected, StateCancelled}},
		{StateWorking, []State{StateInputRequired, StateAuthRequired, StateCompleted, StateFailed, StateCancelled}},
		{StateInputRequired, []State{StateWorking, StateCancelled}},
		{StateAuthRequired, []State{StateWorking, StateCancelled}},
	}
	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			assert.ElementsMatch(t, tt.to, tt.from.NextStates())
			for _, target := range AllStates() {
				want := false
				for _, allowed := range tt.to {
					if allowed == target {
						want = true
					}
				}
				assert.Equal(t, want, tt.from.CanTransitionTo(target), "%s -> %s", tt.from, target)
			}
		})
	}
}

func TestState_TerminalHaveNoExits(t *testing.T) {
	for _, s := range TerminalStates() {
		assert.True(t, s.IsTerminal())
		assert.Empty(t, s.NextStates())
		for _, target := range AllStates() {
			assert.False(t, s.CanTransitionTo(target))
		}
	}
	assert.False(t, StateWorking.IsTerminal())
	assert.False(t, State("paused").IsValid())
}
