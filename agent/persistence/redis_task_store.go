package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BaSui01/agentrelay/agent/task"
	"github.com/BaSui01/agentrelay/internal/tlsutil"
	"github.com/redis/go-redis/v9"
)

// RedisTaskStore is a Redis-based implementation of TaskStore.
// Suitable for distributed production deployments.
// Tasks are JSON strings; children are indexed per parent in a sorted set
// scored by a monotonically increasing sequence so creation order survives
// identical timestamps.
type RedisTaskStore struct {
	client    redis.UniversalClient
	keyPrefix string
	config    StoreConfig
	ownClient bool
}

// NewRedisTaskStore connects to Redis and creates a task store
func NewRedisTaskStore(config StoreConfig) (*RedisTaskStore, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	}
	if config.Redis.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := NewRedisTaskStoreWithClient(client, config)
	store.ownClient = true
	return store, nil
}

// NewRedisTaskStoreWithClient wraps an existing client; Close leaves it open.
func NewRedisTaskStoreWithClient(client redis.UniversalClient, config StoreConfig) *RedisTaskStore {
	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentrelay:"
	}
	return &RedisTaskStore{
		client:    client,
		keyPrefix: keyPrefix + "task:",
		config:    config,
	}
}

// Close closes the store
func (s *RedisTaskStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks if the store is healthy
func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisTaskStore) taskKey(taskID string) string {
	return s.keyPrefix + "data:" + taskID
}

func (s *RedisTaskStore) childrenKey(parentID string) string {
	return s.keyPrefix + "children:" + parentID
}

func (s *RedisTaskStore) seqKey() string {
	return s.keyPrefix + "seq"
}

// Save stores a new task; SETNX guarantees an existing ID is never overwritten
func (s *RedisTaskStore) Save(ctx context.Context, t *task.Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.taskKey(t.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	if !ok {
		return errExists(t.ID)
	}

	if t.ParentTaskID != "" {
		seq, err := s.client.Incr(ctx, s.seqKey()).Result()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		err = s.client.ZAdd(ctx, s.childrenKey(t.ParentTaskID), redis.Z{Score: float64(seq), Member: t.ID}).Err()
		if err != nil {
			return fmt.Errorf("failed to index child task: %w", err)
		}
	}
	return nil
}

// Get retrieves a task by ID
func (s *RedisTaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return decodeTask(data)
}

// Update replaces an existing task. Terminal tasks get the retention TTL.
func (s *RedisTaskStore) Update(ctx context.Context, t *task.Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	var ttl time.Duration
	if t.IsTerminal() && s.config.Cleanup.Enabled && s.config.Cleanup.TaskRetention > 0 {
		ttl = s.config.Cleanup.TaskRetention
	}

	ok, err := s.client.SetXX(ctx, s.taskKey(t.ID), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if !ok {
		return errNotFound(t.ID)
	}
	return nil
}

// ListByParent returns the children of parentID in creation order. Children
// whose keys expired are skipped and pruned from the index.
func (s *RedisTaskStore) ListByParent(ctx context.Context, parentID string) ([]*task.Task, error) {
	result := make([]*task.Task, 0)
	if parentID == "" {
		return result, nil
	}

	ids, err := s.client.ZRange(ctx, s.childrenKey(parentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load children: %w", err)
	}

	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		t, err := decodeTask([]byte(str))
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.childrenKey(parentID), stale...).Err()
	}
	return result, nil
}

// Cleanup is a no-op for Redis; terminal tasks expire through their TTL.
func (s *RedisTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, nil
}

// Stats 返回已分配的子任务序号（近似子任务总数）
func (s *RedisTaskStore) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := s.client.Get(ctx, s.seqKey()).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]int64{"child_tasks": 0}, nil
	}
	if err != nil {
		return nil, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"child_tasks": n}, nil
}

func decodeTask(data []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &t, nil
}

var _ TaskStore = (*RedisTaskStore)(nil)
