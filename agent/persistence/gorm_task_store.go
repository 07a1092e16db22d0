package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentrelay/agent/task"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// taskRecord is the relational row for a task. The full task lives in
// Payload; the other columns exist for lookups and cleanup.
type taskRecord struct {
	ID           string    `gorm:"primaryKey;size:64"`
	AgentID      string    `gorm:"size:255;not null"`
	ParentTaskID string    `gorm:"size:64;index:idx_relay_tasks_parent"`
	TenantID     string    `gorm:"size:255"`
	UserID       string    `gorm:"size:255"`
	State        string    `gorm:"size:32;not null;index:idx_relay_tasks_state"`
	Payload      string    `gorm:"type:text;not null"`
	CreatedNanos int64     `gorm:"not null;index:idx_relay_tasks_parent"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (taskRecord) TableName() string { return "relay_tasks" }

func newTaskRecord(t *task.Task) (*taskRecord, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return &taskRecord{
		ID:           t.ID,
		AgentID:      t.AgentID,
		ParentTaskID: t.ParentTaskID,
		TenantID:     t.TenantID,
		UserID:       t.UserID,
		State:        string(t.State),
		Payload:      string(payload),
		CreatedNanos: t.CreatedAt.UnixNano(),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}, nil
}

// GormTaskStore persists tasks in a SQL database through gorm.
// Works with postgres, mysql and sqlite dialectors.
type GormTaskStore struct {
	db     *gorm.DB
	config StoreConfig
	now    func() time.Time
}

// NewGormTaskStore creates a SQL task store. With config.AutoMigrate the
// table is created through gorm; otherwise the versioned migrations must
// have been applied.
func NewGormTaskStore(db *gorm.DB, config StoreConfig) (*GormTaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if config.AutoMigrate {
		if err := db.AutoMigrate(&taskRecord{}); err != nil {
			return nil, fmt.Errorf("failed to migrate relay_tasks: %w", err)
		}
	}
	return &GormTaskStore{db: db, config: config, now: time.Now}, nil
}

// Close is a no-op; the *gorm.DB belongs to the caller.
func (s *GormTaskStore) Close() error { return nil }

// Ping checks if the store is healthy
func (s *GormTaskStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Save inserts a new task; an existing ID is left untouched
func (s *GormTaskStore) Save(ctx context.Context, t *task.Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	rec, err := newTaskRecord(t)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return fmt.Errorf("failed to save task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errExists(t.ID)
	}
	return nil
}

// Get retrieves a task by ID
func (s *GormTaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	var rec taskRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return decodeTask([]byte(rec.Payload))
}

// Update replaces an existing task
func (s *GormTaskStore) Update(ctx context.Context, t *task.Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	rec, err := newTaskRecord(t)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&taskRecord{}).
		Where("id = ?", t.ID).
		Updates(map[string]any{
			"state":      rec.State,
			"payload":    rec.Payload,
			"updated_at": rec.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errNotFound(t.ID)
	}
	return nil
}

// ListByParent returns the children of parentID in creation order
func (s *GormTaskStore) ListByParent(ctx context.Context, parentID string) ([]*task.Task, error) {
	result := make([]*task.Task, 0)
	if parentID == "" {
		return result, nil
	}

	var recs []taskRecord
	err := s.db.WithContext(ctx).
		Where("parent_task_id = ?", parentID).
		Order("created_nanos ASC").Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	for _, rec := range recs {
		t, err := decodeTask([]byte(rec.Payload))
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

// Cleanup deletes terminal tasks last updated before now-olderThan
func (s *GormTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", terminalStateNames(), cutoff).
		Delete(&taskRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to cleanup tasks: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func terminalStateNames() []string {
	var names []string
	for _, s := range task.AllStates() {
		if s.IsTerminal() {
			names = append(names, string(s))
		}
	}
	return names
}

var _ TaskStore = (*GormTaskStore)(nil)
