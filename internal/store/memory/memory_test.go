package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store/memory"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store/storetest"
)

func pendingTask(id string, created time.Time) *domain.Task {
	return &domain.Task{
		ID:        id,
		Kind:      domain.KindGeneration,
		Model:     "mystic",
		Status:    domain.StatusPending,
		InputRef:  "a cat",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestRepositoryTasks(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	done := domain.Patch{OutputRef: "https://cdn/out.png", At: now.Add(time.Minute)}

	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, repo *memory.Repository)
	}{
		"Creating and getting a task should work": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.Create(ctx, pendingTask("t1", now)))
				got, err := repo.Get(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, domain.StatusPending, got.Status)
				assert.Equal(t, "mystic", got.Model)
			},
		},
		"Creating a duplicate ID should fail": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.Create(ctx, pendingTask("t1", now)))
				err := repo.Create(ctx, pendingTask("t1", now))
				var dup *domain.DuplicateTaskError
				assert.ErrorAs(t, err, &dup)
			},
		},
		"Getting a missing task should fail with not found": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				_, err := repo.Get(ctx, "nope")
				var nf *domain.TaskNotFoundError
				assert.ErrorAs(t, err, &nf)
			},
		},
		"Transition with a matching precondition applies": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.Create(ctx, pendingTask("t1", now)))
				got, applied, err := repo.Transition(ctx, "t1", domain.StatusPending, domain.StatusCompleted, done)
				require.NoError(t, err)
				assert.True(t, applied)
				assert.Equal(t, "https://cdn/out.png", got.OutputRef)
				require.NotNil(t, got.CompletedAt)
				assert.NoError(t, got.CheckInvariants())
			},
		},
		"Re-applying the same terminal status is a no-op": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.Create(ctx, pendingTask("t1", now)))
				_, _, err := repo.Transition(ctx, "t1", domain.StatusPending, domain.StatusCompleted, done)
				require.NoError(t, err)

				got, applied, err := repo.Transition(ctx, "t1", domain.StatusCompleted, domain.StatusCompleted,
					domain.Patch{OutputRef: "https://cdn/other.png"})
				require.NoError(t, err)
				assert.False(t, applied)
				assert.Equal(t, "https://cdn/out.png", got.OutputRef)
			},
		},
		"Transition with a stale precondition conflicts": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.Create(ctx, pendingTask("t1", now)))
				_, _, err := repo.Transition(ctx, "t1", domain.StatusPending, domain.StatusCompleted, done)
				require.NoError(t, err)

				_, _, err = repo.Transition(ctx, "t1", domain.StatusPending, domain.StatusFailed,
					domain.Patch{Error: &domain.Failure{Reason: domain.ReasonTimeout}})
				assert.True(t, store.IsConflict(err))
			},
		},
		"Returned tasks are copies": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.Create(ctx, pendingTask("t1", now)))
				got, err := repo.Get(ctx, "t1")
				require.NoError(t, err)
				got.Status = domain.StatusCancelled

				again, err := repo.Get(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, domain.StatusPending, again.Status)
			},
		},
		"ListActive skips terminal tasks and orders by age": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.Create(ctx, pendingTask("new", now.Add(time.Minute))))
				require.NoError(t, repo.Create(ctx, pendingTask("old", now)))
				require.NoError(t, repo.Create(ctx, pendingTask("done", now)))
				_, _, err := repo.Transition(ctx, "done", domain.StatusPending, domain.StatusCompleted, done)
				require.NoError(t, err)

				active, err := repo.ListActive(ctx, 10)
				require.NoError(t, err)
				require.Len(t, active, 2)
				assert.Equal(t, "old", active[0].ID)
				assert.Equal(t, "new", active[1].ID)

				limited, err := repo.ListActive(ctx, 1)
				require.NoError(t, err)
				assert.Len(t, limited, 1)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo := memory.NewRepository(memory.RepositoryConfig{})
			test.actions(context.Background(), t, repo)
		})
	}
}

func TestRepositoryRuns(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository(memory.RepositoryConfig{})

	run := &domain.WorkflowRun{ID: "r1", TemplateID: "professional_headshot", Status: domain.StatusPending}
	require.NoError(t, repo.CreateRun(ctx, run))

	got, err := repo.GetRun(ctx, "r1")
	require.NoError(t, err)
	got.CurrentStep = 1
	require.NoError(t, repo.UpdateRun(ctx, got, 0))
	assert.Equal(t, int64(1), got.Version)

	stale, err := repo.GetRun(ctx, "r1")
	require.NoError(t, err)
	err = repo.UpdateRun(ctx, stale, 0)
	assert.True(t, store.IsConflict(err))

	_, err = repo.GetRun(ctx, "missing")
	var nf *domain.RunNotFoundError
	assert.ErrorAs(t, err, &nf)
	assert.False(t, repo.Durable())
}

func TestRepositoryConcurrentTransition(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, repo.Create(ctx, pendingTask("t1", time.Now())))

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := repo.Transition(ctx, "t1", domain.StatusPending, domain.StatusCompleted,
				domain.Patch{OutputRef: "https://cdn/out.png"})
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
}

func TestRepositoryConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store {
		return memory.NewRepository(memory.RepositoryConfig{})
	})
}
