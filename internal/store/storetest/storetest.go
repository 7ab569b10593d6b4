// Package storetest holds behaviour checks every store.Store backend must pass.
// Backend packages call Run from their own tests with a factory returning an
// empty store.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// PendingTask returns a generation task waiting for submission.
func PendingTask(id string, created time.Time) *domain.Task {
	return &domain.Task{
		ID:        id,
		Kind:      domain.KindGeneration,
		Model:     "mystic",
		Status:    domain.StatusPending,
		InputRef:  "a cat",
		Deadline:  created.Add(10 * time.Minute),
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// Run executes the task and run checks against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Tasks", func(t *testing.T) { runTasks(t, newStore) })
	t.Run("Runs", func(t *testing.T) { runRuns(t, newStore) })
}

func runTasks(t *testing.T, newStore Factory) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	done := domain.Patch{OutputRef: "https://cdn/out.png", At: now.Add(time.Minute)}

	tests := map[string]func(ctx context.Context, t *testing.T, s store.Store){
		"Creating a duplicate ID should fail": func(ctx context.Context, t *testing.T, s store.Store) {
			require.NoError(t, s.Create(ctx, PendingTask("t1", now)))
			var dup *domain.DuplicateTaskError
			assert.ErrorAs(t, s.Create(ctx, PendingTask("t1", now)), &dup)
		},
		"Stale transition conflicts": func(ctx context.Context, t *testing.T, s store.Store) {
			require.NoError(t, s.Create(ctx, PendingTask("t1", now)))
			_, applied, err := s.Transition(ctx, "t1", domain.StatusPending, domain.StatusCompleted, done)
			require.NoError(t, err)
			assert.True(t, applied)

			_, _, err = s.Transition(ctx, "t1", domain.StatusPending, domain.StatusFailed,
				domain.Patch{Error: &domain.Failure{Reason: domain.ReasonTimeout}})
			assert.True(t, store.IsConflict(err))

			got, err := s.Get(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCompleted, got.Status)
		},
		"Concurrent transitions apply once": func(ctx context.Context, t *testing.T, s store.Store) {
			require.NoError(t, s.Create(ctx, PendingTask("t1", now)))

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				applied int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := s.Transition(ctx, "t1", domain.StatusPending, domain.StatusCompleted, done)
					if err != nil {
						assert.True(t, store.IsConflict(err))
						return
					}
					if ok {
						mu.Lock()
						applied++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, applied)
		},
	}

	for name, actions := range tests {
		t.Run(name, func(t *testing.T) {
			actions(context.Background(), t, newStore(t))
		})
	}
}

func runRuns(t *testing.T, newStore Factory) {
	newRun := func(id string) *domain.WorkflowRun {
		return &domain.WorkflowRun{ID: id, TemplateID: "professional_headshot", Status: domain.StatusPending}
	}

	tests := map[string]func(ctx context.Context, t *testing.T, s store.Store){
		"Update bumps the version": func(ctx context.Context, t *testing.T, s store.Store) {
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))
			got, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			got.CurrentStep = 1
			require.NoError(t, s.UpdateRun(ctx, got, 0))
			assert.Equal(t, int64(1), got.Version)

			again, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), again.Version)
			assert.Equal(t, 1, again.CurrentStep)
		},
		"Second writer from the same version conflicts": func(ctx context.Context, t *testing.T, s store.Store) {
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))
			a, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			b, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)

			a.Status = domain.StatusCancelled
			require.NoError(t, s.UpdateRun(ctx, a, 0))

			b.CurrentStep = 1
			err = s.UpdateRun(ctx, b, 0)
			require.True(t, store.IsConflict(err), "stale write must conflict, got %v", err)
			assert.Equal(t, int64(0), b.Version, "a rejected write leaves the caller's version untouched")

			stored, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusCancelled, stored.Status)
			assert.Equal(t, 0, stored.CurrentStep)
			assert.Equal(t, int64(1), stored.Version)
		},
		"Concurrent writers from one version: exactly one wins": func(ctx context.Context, t *testing.T, s store.Store) {
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))

			const n = 8
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins []int
			)
			for i := 0; i < n; i++ {
				run, err := s.GetRun(ctx, "r1")
				require.NoError(t, err)
				run.CurrentStep = i + 1
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.UpdateRun(ctx, run, 0)
					if err != nil {
						assert.True(t, store.IsConflict(err), "unexpected error %v", err)
						return
					}
					mu.Lock()
					wins = append(wins, run.CurrentStep)
					mu.Unlock()
				}()
			}
			wg.Wait()
			require.Len(t, wins, 1)

			stored, err := s.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, wins[0], stored.CurrentStep)
			assert.Equal(t, int64(1), stored.Version)
		},
		"Updating a missing run fails": func(ctx context.Context, t *testing.T, s store.Store) {
			run := newRun("ghost")
			err := s.UpdateRun(ctx, run, 0)
			var nf *domain.RunNotFoundError
			assert.ErrorAs(t, err, &nf)

			_, err = s.GetRun(ctx, "ghost")
			assert.ErrorAs(t, err, &nf)
		},
		"Creating a run twice fails": func(ctx context.Context, t *testing.T, s store.Store) {
			require.NoError(t, s.CreateRun(ctx, newRun("r1")))
			assert.Error(t, s.CreateRun(ctx, newRun("r1")))
		},
	}

	for name, actions := range tests {
		t.Run(name, func(t *testing.T) {
			actions(context.Background(), t, newStore(t))
		})
	}
}
