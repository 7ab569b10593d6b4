package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
)

const activeKey = "tasks:active"

func statusKey(taskID string) string { return "task:status:" + taskID }
func metaKey(taskID string) string   { return "task:meta:" + taskID }
func runKey(runID string) string     { return "run:" + runID }
func versionKey(runID string) string { return "run:version:" + runID }

// createScript inserts a task only if its status key is absent.
// KEYS: status, meta, active. ARGV: status, meta json, created score, ttl ms,
// active flag, task id.
var createScript = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 1 then
		return 0
	end
	local ttl = tonumber(ARGV[4])
	if ttl > 0 then
		redis.call("set", KEYS[1], ARGV[1], "px", ttl)
		redis.call("set", KEYS[2], ARGV[2], "px", ttl)
	else
		redis.call("set", KEYS[1], ARGV[1])
		redis.call("set", KEYS[2], ARGV[2])
	end
	if ARGV[5] == "1" then
		redis.call("zadd", KEYS[3], ARGV[3], ARGV[6])
	end
	return 1
`)

// swapScript writes status and meta only while the status still equals the
// expected value. KEYS: status, meta, active. ARGV: expected, next, meta json,
// terminal flag, task id.
var swapScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call("set", KEYS[1], ARGV[2], "keepttl")
	redis.call("set", KEYS[2], ARGV[3], "keepttl")
	if ARGV[4] == "1" then
		redis.call("zrem", KEYS[3], ARGV[5])
	end
	return 1
`)

// updateRunScript compares the stored version before writing. The reply is
// {outcome, version}: outcome 1 means written, 0 a version mismatch carrying
// the stored version, -1 a missing run.
// KEYS: run, version. ARGV: expected version, run json.
var updateRunScript = redis.NewScript(`
	local v = redis.call("get", KEYS[2])
	if not v then
		return {-1, 0}
	end
	if tonumber(v) ~= tonumber(ARGV[1]) then
		return {0, tonumber(v)}
	end
	redis.call("set", KEYS[1], ARGV[2])
	return {1, redis.call("incr", KEYS[2])}
`)

const (
	runMissing  = -1
	runMismatch = 0
	runWritten  = 1
)

// StoreConfig configures the Redis-backed task store.
type StoreConfig struct {
	// Retention expires task keys after the given duration; zero keeps them.
	Retention time.Duration
}

// StateStore persists tasks and runs in Redis. Status transitions are atomic
// compare-and-set operations executed as Lua scripts.
type StateStore struct {
	client    *redis.Client
	retention time.Duration
}

var _ store.Store = (*StateStore)(nil)

// NewStateStore creates a Redis-backed store.
func NewStateStore(client *redis.Client, cfg StoreConfig) *StateStore {
	return &StateStore{client: client, retention: cfg.Retention}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *StateStore) Durable() bool { return true }

func (s *StateStore) Close() error { return nil }

func (s *StateStore) Create(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	active := "0"
	if !task.Status.IsTerminal() {
		active = "1"
	}
	ok, err := createScript.Run(ctx, s.client,
		[]string{statusKey(task.ID), metaKey(task.ID), activeKey},
		string(task.Status), data, task.CreatedAt.UnixNano(), s.retention.Milliseconds(), active, task.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis create task %s: %w", task.ID, err)
	}
	if ok == 0 {
		return &domain.DuplicateTaskError{TaskID: task.ID}
	}
	return nil
}

func (s *StateStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	data, err := s.client.Get(ctx, metaKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, fmt.Errorf("redis get meta for %s: %w", id, err)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task meta: %w", err)
	}
	return &task, nil
}

func (s *StateStore) Transition(ctx context.Context, id string, expected, next domain.Status, patch domain.Patch) (*domain.Task, bool, error) {
	return store.Transition(ctx, id, expected, next, patch, s.Get, s.swap)
}

func (s *StateStore) swap(ctx context.Context, updated *domain.Task, expected domain.Status) (bool, error) {
	data, err := json.Marshal(updated)
	if err != nil {
		return false, fmt.Errorf("marshal task %s: %w", updated.ID, err)
	}
	terminal := "0"
	if updated.Status.IsTerminal() {
		terminal = "1"
	}
	ok, err := swapScript.Run(ctx, s.client,
		[]string{statusKey(updated.ID), metaKey(updated.ID), activeKey},
		string(expected), string(updated.Status), data, terminal, updated.ID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis transition %s: %w", updated.ID, err)
	}
	return ok == 1, nil
}

// ListActive returns non-terminal tasks ordered by creation time.
func (s *StateStore) ListActive(ctx context.Context, limit int) ([]*domain.Task, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRange(ctx, activeKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list active: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = metaKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget active: %w", err)
	}

	tasks := make([]*domain.Task, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Expired meta; drop the dangling index entry.
			s.client.ZRem(ctx, activeKey, ids[i])
			continue
		}
		var t domain.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", ids[i], err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

func (s *StateStore) CreateRun(ctx context.Context, run *domain.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}
	ok, err := s.client.SetNX(ctx, versionKey(run.ID), run.Version, 0).Result()
	if err != nil {
		return fmt.Errorf("redis create run %s: %w", run.ID, err)
	}
	if !ok {
		return &domain.ConflictError{ID: run.ID, Expected: "absent", Actual: "exists"}
	}
	if err := s.client.Set(ctx, runKey(run.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis create run %s: %w", run.ID, err)
	}
	return nil
}

func (s *StateStore) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	data, err := s.client.Get(ctx, runKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.RunNotFoundError{RunID: id}
		}
		return nil, fmt.Errorf("redis get run %s: %w", id, err)
	}
	var run domain.WorkflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", id, err)
	}
	return &run, nil
}

func (s *StateStore) UpdateRun(ctx context.Context, run *domain.WorkflowRun, expectedVersion int64) error {
	prev := run.Version
	run.Version = expectedVersion + 1
	data, err := json.Marshal(run)
	if err != nil {
		run.Version = prev
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}
	reply, err := updateRunScript.Run(ctx, s.client,
		[]string{runKey(run.ID), versionKey(run.ID)},
		expectedVersion, data,
	).Int64Slice()
	if err == nil && len(reply) != 2 {
		err = fmt.Errorf("unexpected script reply %v", reply)
	}
	if err != nil {
		run.Version = prev
		return fmt.Errorf("redis update run %s: %w", run.ID, err)
	}
	switch reply[0] {
	case runMissing:
		run.Version = prev
		return &domain.RunNotFoundError{RunID: run.ID}
	case runMismatch:
		run.Version = prev
		return store.VersionConflict(run.ID, expectedVersion, reply[1])
	case runWritten:
		run.Version = reply[1]
		return nil
	}
	run.Version = prev
	return fmt.Errorf("redis update run %s: unknown outcome %d", run.ID, reply[0])
}
