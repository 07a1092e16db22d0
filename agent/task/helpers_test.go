package task

import (
	"context"
	"iter"
	"sync"

	"github.com/BaSui01/agentrelay/types"
)

// memStore 测试用最小 Store
type memStore struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string
	updates int
	failOn  int // 第 N 次 Update 失败（0 表示不失败）
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*Task)}
}

func (s *memStore) Save(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return types.Errorf(types.ErrAlreadyExists, "task %s exists", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "task %s not found", id)
	}
	return t.Clone(), nil
}

func (s *memStore) Update(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.failOn > 0 && s.updates == s.failOn {
		return types.NewError(types.ErrStoreClosed, "store unavailable")
	}
	if _, ok := s.tasks[t.ID]; !ok {
		return types.Errorf(types.ErrNotFound, "task %s not found", t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *memStore) ListByParent(_ context.Context, parentID string) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, id := range s.order {
		if t := s.tasks[id]; t.ParentTaskID == parentID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// scriptedAgent 按脚本产出事件
type scriptedAgent struct {
	id     string
	script func(t *Task) []Event
	err    error
	seen   []*Task
	mu     sync.Mutex
}

func (a *scriptedAgent) ID() string { return a.id }

func (a *scriptedAgent) ProcessTask(_ context.Context, t *Task) iter.Seq2[Event, error] {
	a.mu.Lock()
	a.seen = append(a.seen, t.Clone())
	a.mu.Unlock()
	return func(yield func(Event, error) bool) {
		for _, ev := range a.script(t) {
			if !yield(ev, nil) {
				return
			}
		}
		if a.err != nil {
			yield(nil, a.err)
		}
	}
}

func completingAgent(id, reply string) *scriptedAgent {
	return &scriptedAgent{id: id, script: func(t *Task) []Event {
		return []Event{
			NewTextMessageEvent(t.ID, reply),
			NewDoneEvent(t.ID, StateCompleted),
		}
	}}
}

type recordingObserver struct {
	mu          sync.Mutex
	events      []string
	transitions []string
}

func (o *recordingObserver) RecordTaskEvent(_ string, kind string) {
	o.mu.Lock()
	o.events = append(o.events, kind)
	o.mu.Unlock()
}

func (o *recordingObserver) RecordTaskTransition(_ string, from, to string) {
	o.mu.Lock()
	o.transitions = append(o.transitions, from+"->"+to)
	o.mu.Unlock()
}
