package task

import (
	"time"

	"github.com/BaSui01/agentrelay/types"
	"github.com/google/uuid"
)

const (
	// SyntheticErrorCode 用于 Done(failed) / Status(failed) 这类不携带错误详情的失败
	SyntheticErrorCode = "TASK_FAILED"
	// SyntheticErrorMessage 默认失败描述
	SyntheticErrorMessage = "task failed without error details"
)

// ApplyEvent folds one event into a copy of t and returns the copy; t is never
// modified. Status events and non-failed Done events are checked against the
// transition table. Error and Done(failed) fail any non-terminal task.
// Re-applying an event whose target state equals the current terminal state
// returns an unchanged copy, so Done/Error are idempotent. Any other mutation of
// a terminal task is rejected with INVALID_TRANSITION.
func ApplyEvent(t *Task, ev Event) (*Task, error) {
	if t == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "cannot apply event to nil task")
	}
	if ev == nil {
		return nil, types.NewError(types.ErrInvalidEvent, "nil event")
	}
	if id := ev.Meta().TaskID; id != "" && id != t.ID {
		return nil, types.Errorf(types.ErrInvalidEvent, "event for task %s applied to task %s", id, t.ID)
	}

	next := t.Clone()
	at := eventTime(ev)
	changed := false

	switch e := ev.(type) {
	case *StatusEvent:
		if !e.State.IsValid() {
			return nil, types.Errorf(types.ErrInvalidEvent, "unknown state %q", e.State)
		}
		moved, err := transition(next, e.State)
		if err != nil {
			return nil, err
		}
		if moved && e.State == StateFailed {
			next.Error = syntheticError(e.Message)
		}
		changed = moved

	case *MessageEvent:
		if err := ensureMutable(next); err != nil {
			return nil, err
		}
		if len(e.Parts) == 0 {
			return nil, types.NewError(types.ErrInvalidEvent, "message event has no parts")
		}
		next.Messages = append(next.Messages, Message{
			ID:        uuid.NewString(),
			Role:      RoleAgent,
			Parts:     cloneParts(e.Parts),
			CreatedAt: at,
		})
		changed = true

	case *ArtifactEvent:
		if err := ensureMutable(next); err != nil {
			return nil, err
		}
		artifact := cloneArtifact(e.Artifact)
		if artifact.ID == "" {
			artifact.ID = uuid.NewString()
		}
		next.Artifacts = append(next.Artifacts, artifact)
		changed = true

	case *DoneEvent:
		if !e.FinalState.IsTerminal() {
			return nil, types.Errorf(types.ErrInvalidEvent, "done event with non-terminal state %q", e.FinalState)
		}
		move := transition
		if e.FinalState == StateFailed {
			move = fail
		}
		moved, err := move(next, e.FinalState)
		if err != nil {
			return nil, err
		}
		if moved && e.FinalState == StateFailed {
			next.Error = syntheticError("")
		}
		changed = moved

	case *ErrorEvent:
		moved, err := fail(next, StateFailed)
		if err != nil {
			return nil, err
		}
		if moved {
			next.Error = &TaskError{Code: e.Code, Message: e.Message, Details: cloneMap(e.Details)}
			if next.Error.Code == "" {
				next.Error.Code = SyntheticErrorCode
			}
		}
		changed = moved

	default:
		// 未知事件类型不产生任何变更
		return next, nil
	}

	if changed {
		next.UpdatedAt = at
	}
	return next, nil
}

// CanTransition 判断任务当前状态能否转换到 target
func CanTransition(t *Task, target State) bool {
	return t != nil && t.State.CanTransitionTo(target)
}

// transition moves next to target. It reports false without error when next is
// already in target.
func transition(next *Task, target State) (bool, error) {
	if next.State == target {
		return false, nil
	}
	if next.State.IsTerminal() {
		return false, types.Errorf(types.ErrInvalidTransition,
			"task %s is terminal (%s), cannot move to %s", next.ID, next.State, target)
	}
	if !next.State.CanTransitionTo(target) {
		return false, types.Errorf(types.ErrInvalidTransition,
			"task %s cannot move from %s to %s", next.ID, next.State, target)
	}
	next.State = target
	if target != StateFailed {
		next.Error = nil
	}
	return true, nil
}

// fail moves any non-terminal task to failed, bypassing the table: an agent may
// fail while submitted or while waiting for input.
func fail(next *Task, _ State) (bool, error) {
	if next.State == StateFailed {
		return false, nil
	}
	if err := ensureMutable(next); err != nil {
		return false, err
	}
	next.State = StateFailed
	return true, nil
}

func ensureMutable(t *Task) error {
	if t.State.IsTerminal() {
		return types.Errorf(types.ErrInvalidTransition, "task %s is terminal (%s) and immutable", t.ID, t.State)
	}
	return nil
}

func syntheticError(message string) *TaskError {
	if message == "" {
		message = SyntheticErrorMessage
	}
	return &TaskError{Code: SyntheticErrorCode, Message: message}
}

func eventTime(ev Event) time.Time {
	if ts := ev.Meta().Timestamp; !ts.IsZero() {
		return ts
	}
	return time.Now().UTC()
}
