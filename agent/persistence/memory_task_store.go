package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/agentrelay/agent/task"
)

// MemoryTaskStore is an in-memory implementation of TaskStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryTaskStore struct {
	tasks  map[string]*task.Task
	order  []string // 创建顺序
	mu     sync.RWMutex
	closed bool
	config StoreConfig
	now    func() time.Time
	stop   chan struct{}
}

// NewMemoryTaskStore creates a new in-memory task store
func NewMemoryTaskStore(config StoreConfig) *MemoryTaskStore {
	store := &MemoryTaskStore{
		tasks:  make(map[string]*task.Task),
		config: config,
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	if config.Cleanup.Enabled && config.Cleanup.Interval > 0 {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store
}

// Close closes the store
func (s *MemoryTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryTaskStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed()
	}
	return nil
}

// Save stores a new task
func (s *MemoryTaskStore) Save(ctx context.Context, t *task.Task) error {
	if err := validateTask(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed()
	}
	if _, ok := s.tasks[t.ID]; ok {
		return errExists(t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	return nil
}

// Get retrieves a task by ID
func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed()
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, errNotFound(id)
	}
	return t.Clone(), nil
}

// Update replaces an existing task
func (s *MemoryTaskStore) Update(ctx context.Context, t *task.Task) error {
	if err := validateTask(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed()
	}
	if _, ok := s.tasks[t.ID]; !ok {
		return errNotFound(t.ID)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// ListByParent returns the children of parentID in creation order
func (s *MemoryTaskStore) ListByParent(ctx context.Context, parentID string) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed()
	}
	result := make([]*task.Task, 0)
	for _, id := range s.order {
		if t := s.tasks[id]; t.ParentTaskID == parentID && parentID != "" {
			result = append(result, t.Clone())
		}
	}
	return result, nil
}

// Cleanup removes terminal tasks older than the specified duration
func (s *MemoryTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed()
	}

	cutoff := s.now().Add(-olderThan)
	kept := s.order[:0]
	count := 0
	for _, id := range s.order {
		t := s.tasks[id]
		if t.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			delete(s.tasks, id)
			count++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return count, nil
}

// Len 返回任务数量
func (s *MemoryTaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// cleanupLoop runs periodic cleanup
func (s *MemoryTaskStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), s.config.Cleanup.TaskRetention)
		}
	}
}

var _ TaskStore = (*MemoryTaskStore)(nil)
