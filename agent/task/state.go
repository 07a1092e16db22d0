package task

// State 任务生命周期状态
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input_required"
	StateAuthRequired  State = "auth_required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
	StateRejected      State = "rejected"
)

// transitions 非终态的合法出边；终态没有出边
var transitions = map[State][]State{
	StateSubmitted:     {StateWorking, StateRejected, StateCancelled},
	StateWorking:       {StateInputRequired, StateAuthRequired, StateCompleted, StateFailed, StateCancelled},
	StateInputRequired: {StateWorking, StateCancelled},
	StateAuthRequired:  {StateWorking, StateCancelled},
}

// AllStates 返回全部状态（按生命周期顺序）
func AllStates() []State {
	return []State{
		StateSubmitted, StateWorking, StateInputRequired, StateAuthRequired,
		StateCompleted, StateFailed, StateCancelled, StateRejected,
	}
}

// IsValid 判断是否为已知状态
func (s State) IsValid() bool {
	switch s {
	case StateSubmitted, StateWorking, StateInputRequired, StateAuthRequired,
		StateCompleted, StateFailed, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for completed, failed, cancelled and rejected.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}

// CanTransitionTo 判断 s -> target 是否在转换表中
func (s State) CanTransitionTo(target State) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// NextStates 返回 s 的合法后继状态副本
func (s State) NextStates() []State {
	next := transitions[s]
	out := make([]State, len(next))
	copy(out, next)
	return out
}

// TerminalStates 返回终态集合
func TerminalStates() []State {
	return []State{StateCompleted, StateFailed, StateCancelled, StateRejected}
}
