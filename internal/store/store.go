// Package store defines the task and workflow-run persistence contracts shared
// by the memory, Redis and PostgreSQL backends.
package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
)

// TaskStore owns task records. Transition is the only mutation path after
// Create.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	// Transition atomically moves the task from expected to next. applied is
	// false when the same terminal status is re-applied (a no-op success).
	// A *domain.ConflictError is returned when the stored status differs
	// from expected.
	Transition(ctx context.Context, id string, expected, next domain.Status, patch domain.Patch) (task *domain.Task, applied bool, err error)
	ListActive(ctx context.Context, limit int) ([]*domain.Task, error)
	// Durable reports whether records survive a process restart.
	Durable() bool
}

// RunStore owns workflow run records, versioned for optimistic concurrency.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error)
	// UpdateRun writes run if the stored version equals expectedVersion and
	// bumps run.Version on success.
	UpdateRun(ctx context.Context, run *domain.WorkflowRun, expectedVersion int64) error
}

// Store is a backend providing both.
type Store interface {
	TaskStore
	RunStore
	Close() error
}

// GetFunc loads the current task.
type GetFunc func(ctx context.Context, id string) (*domain.Task, error)

// SwapFunc writes updated only if the stored status still equals expected.
// It reports false when the precondition no longer held.
type SwapFunc func(ctx context.Context, updated *domain.Task, expected domain.Status) (bool, error)

// Transition runs the read, check, apply and compare-and-set cycle for
// backends that can only swap atomically. A lost swap is reported as a
// *domain.ConflictError carrying the status that won.
func Transition(ctx context.Context, id string, expected, next domain.Status, patch domain.Patch, get GetFunc, swap SwapFunc) (*domain.Task, bool, error) {
	cur, err := get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if err := domain.CheckPrecondition(cur, expected, next); err != nil {
		if errors.Is(err, domain.ErrNoop) {
			return cur, false, nil
		}
		return nil, false, err
	}

	updated, err := domain.Apply(cur, next, patch)
	if err != nil {
		return nil, false, err
	}
	ok, err := swap(ctx, updated, expected)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return updated, true, nil
	}

	actual := "unknown"
	if cur, err := get(ctx, id); err == nil {
		actual = string(cur.Status)
	}
	return nil, false, &domain.ConflictError{ID: id, Expected: string(expected), Actual: actual}
}

// IsConflict reports whether err is a lost compare-and-set.
func IsConflict(err error) bool {
	var ce *domain.ConflictError
	return errors.As(err, &ce)
}

// VersionConflict builds the error returned when a run's optimistic version
// check fails.
func VersionConflict(runID string, expected, actual int64) error {
	return &domain.ConflictError{
		ID:       runID,
		Expected: "version " + strconv.FormatInt(expected, 10),
		Actual:   "version " + strconv.FormatInt(actual, 10),
	}
}
