// Package memory is the in-process task and run store used when no durable
// backend is configured. Records are lost on restart.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger *slog.Logger
}

func (c *RepositoryConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	c.Logger = c.Logger.With(slog.String("svc", "store.memory"))
}

// Repository is an in-memory implementation of store.Store.
type Repository struct {
	mu     sync.RWMutex
	tasks  map[string]*domain.Task
	runs   map[string]*domain.WorkflowRun
	logger *slog.Logger
}

var _ store.Store = (*Repository)(nil)

// NewRepository creates an empty memory repository.
func NewRepository(cfg RepositoryConfig) *Repository {
	cfg.defaults()
	return &Repository{
		tasks:  make(map[string]*domain.Task),
		runs:   make(map[string]*domain.WorkflowRun),
		logger: cfg.Logger,
	}
}

func (r *Repository) Durable() bool { return false }

func (r *Repository) Close() error { return nil }

func (r *Repository) Create(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; ok {
		return &domain.DuplicateTaskError{TaskID: task.ID}
	}
	r.tasks[task.ID] = task.Clone()
	r.logger.Debug("task created", slog.String("task_id", task.ID), slog.String("status", string(task.Status)))
	return nil
}

func (r *Repository) Get(_ context.Context, id string) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

// Transition holds the write lock for the whole check-and-set, so concurrent
// callers for the same task are serialised.
func (r *Repository) Transition(_ context.Context, id string, expected, next domain.Status, patch domain.Patch) (*domain.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.tasks[id]
	if !ok {
		return nil, false, &domain.TaskNotFoundError{TaskID: id}
	}
	if err := domain.CheckPrecondition(cur, expected, next); err != nil {
		if errors.Is(err, domain.ErrNoop) {
			return cur.Clone(), false, nil
		}
		return nil, false, err
	}
	updated, err := domain.Apply(cur, next, patch)
	if err != nil {
		return nil, false, err
	}
	r.tasks[id] = updated
	return updated.Clone(), true, nil
}

// ListActive returns non-terminal tasks, oldest first.
func (r *Repository) ListActive(_ context.Context, limit int) ([]*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Task
	for _, t := range r.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) CreateRun(_ context.Context, run *domain.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[run.ID]; ok {
		return &domain.ConflictError{ID: run.ID, Expected: "absent", Actual: "exists"}
	}
	r.runs[run.ID] = run.Clone()
	return nil
}

func (r *Repository) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[id]
	if !ok {
		return nil, &domain.RunNotFoundError{RunID: id}
	}
	return run.Clone(), nil
}

func (r *Repository) UpdateRun(_ context.Context, run *domain.WorkflowRun, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.runs[run.ID]
	if !ok {
		return &domain.RunNotFoundError{RunID: run.ID}
	}
	if cur.Version != expectedVersion {
		return store.VersionConflict(run.ID, expectedVersion, cur.Version)
	}
	run.Version = expectedVersion + 1
	r.runs[run.ID] = run.Clone()
	return nil
}
