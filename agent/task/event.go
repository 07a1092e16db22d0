package task

import "time"

// EventKind 事件类型，与 SSE 帧的 event 字段一一对应
type EventKind string

const (
	EventKindStatus   EventKind = "status"
	EventKindMessage  EventKind = "message"
	EventKindArtifact EventKind = "artifact"
	EventKindDone     EventKind = "done"
	EventKindError    EventKind = "error"
)

// EventKinds 返回全部事件类型
func EventKinds() []EventKind {
	return []EventKind{EventKindStatus, EventKindMessage, EventKindArtifact, EventKindDone, EventKindError}
}

// EventMeta is carried by every event.
type EventMeta struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta 返回事件元数据
func (m EventMeta) Meta() EventMeta { return m }

// Event is the closed set of observable task progress units:
// *StatusEvent, *MessageEvent, *ArtifactEvent, *DoneEvent and *ErrorEvent.
// The unexported marker keeps the set closed to this package.
type Event interface {
	Kind() EventKind
	Meta() EventMeta
	isEvent()
}

// StatusEvent 状态变更
type StatusEvent struct {
	EventMeta
	State   State
	Message string
}

// MessageEvent agent 输出的消息
type MessageEvent struct {
	EventMeta
	Parts     []Part
	IsPartial bool
}

// ArtifactEvent 新产出物
type ArtifactEvent struct {
	EventMeta
	Artifact Artifact
}

// DoneEvent 终止事件；FinalState 必须是终态
type DoneEvent struct {
	EventMeta
	FinalState State
}

// ErrorEvent 执行失败
type ErrorEvent struct {
	EventMeta
	Code    string
	Message string
	Details map[string]any
}

func (*StatusEvent) Kind() EventKind   { return EventKindStatus }
func (*MessageEvent) Kind() EventKind  { return EventKindMessage }
func (*ArtifactEvent) Kind() EventKind { return EventKindArtifact }
func (*DoneEvent) Kind() EventKind     { return EventKindDone }
func (*ErrorEvent) Kind() EventKind    { return EventKindError }

func (*StatusEvent) isEvent()   {}
func (*MessageEvent) isEvent()  {}
func (*ArtifactEvent) isEvent() {}
func (*DoneEvent) isEvent()     {}
func (*ErrorEvent) isEvent()    {}

// IsTerminalEvent reports whether ev ends a task stream.
func IsTerminalEvent(ev Event) bool {
	switch e := ev.(type) {
	case *DoneEvent, *ErrorEvent:
		return true
	case *StatusEvent:
		return e.State.IsTerminal()
	default:
		return false
	}
}

// NewStatusEvent 构造状态事件
func NewStatusEvent(taskID string, state State, message string) *StatusEvent {
	return &StatusEvent{EventMeta: newMeta(taskID), State: state, Message: message}
}

// NewMessageEvent 构造消息事件
func NewMessageEvent(taskID string, parts []Part, partial bool) *MessageEvent {
	return &MessageEvent{EventMeta: newMeta(taskID), Parts: parts, IsPartial: partial}
}

// NewTextMessageEvent 构造单文本片段的完整消息事件
func NewTextMessageEvent(taskID, text string) *MessageEvent {
	return NewMessageEvent(taskID, []Part{TextPart(text)}, false)
}

// NewArtifactEvent 构造产出物事件
func NewArtifactEvent(taskID string, artifact Artifact) *ArtifactEvent {
	return &ArtifactEvent{EventMeta: newMeta(taskID), Artifact: artifact}
}

// NewDoneEvent 构造终止事件
func NewDoneEvent(taskID string, final State) *DoneEvent {
	return &DoneEvent{EventMeta: newMeta(taskID), FinalState: final}
}

// NewErrorEvent 构造错误事件
func NewErrorEvent(taskID, code, message string) *ErrorEvent {
	return &ErrorEvent{EventMeta: newMeta(taskID), Code: code, Message: message}
}

func newMeta(taskID string) EventMeta {
	return EventMeta{TaskID: taskID, Timestamp: time.Now().UTC()}
}
