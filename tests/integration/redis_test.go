//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	redisstore "github.com/bader1919/freepik-ai-orchestrator/internal/redis"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store/storetest"
)

// newRedisClient returns a client connected to the test container and flushes
// the database on test cleanup so tests don't interfere with each other.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

func pendingTask(id string, created time.Time) *domain.Task {
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

func TestRedis_CreateGet_RoundTrip(t *testing.T) {
	s := redisstore.NewStateStore(newRedisClient(t), redisstore.StoreConfig{})
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.Create(ctx, pendingTask("fp-1", now)))

	got, err := s.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, "mystic", got.Model)
	assert.True(t, now.Equal(got.CreatedAt))

	var dup *domain.DuplicateTaskError
	assert.ErrorAs(t, s.Create(ctx, pendingTask("fp-1", now)), &dup)
}

func TestRedis_Get_NotFound(t *testing.T) {
	s := redisstore.NewStateStore(newRedisClient(t), redisstore.StoreConfig{})

	_, err := s.Get(context.Background(), "does-not-exist")
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "does-not-exist", notFound.TaskID)
}

func TestRedis_TransitionLifecycle(t *testing.T) {
	s := redisstore.NewStateStore(newRedisClient(t), redisstore.StoreConfig{})
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.Create(ctx, pendingTask("fp-1", now)))

	_, applied, err := s.Transition(ctx, "fp-1", domain.StatusPending, domain.StatusProcessing, domain.Patch{At: now})
	require.NoError(t, err)
	assert.True(t, applied)

	done, applied, err := s.Transition(ctx, "fp-1", domain.StatusProcessing, domain.StatusCompleted,
		domain.Patch{OutputRef: "https://cdn/out.png", At: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "https://cdn/out.png", done.OutputRef)
	require.NotNil(t, done.CompletedAt)

	again, applied, err := s.Transition(ctx, "fp-1", domain.StatusCompleted, domain.StatusCompleted,
		domain.Patch{OutputRef: "https://cdn/other.png"})
	require.NoError(t, err)
	assert.False(t, applied, "re-applying the terminal status is a no-op")
	assert.Equal(t, "https://cdn/out.png", again.OutputRef)

	_, _, err = s.Transition(ctx, "fp-1", domain.StatusPending, domain.StatusFailed,
		domain.Patch{Error: &domain.Failure{Reason: domain.ReasonTimeout}})
	assert.True(t, store.IsConflict(err))

	active, err := s.ListActive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRedis_ConcurrentTransitionAppliesOnce(t *testing.T) {
	s := redisstore.NewStateStore(newRedisClient(t), redisstore.StoreConfig{})
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pendingTask("fp-race", time.Now().UTC())))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.Transition(ctx, "fp-race", domain.StatusPending, domain.StatusCompleted,
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

func TestRedis_RunVersioning(t *testing.T) {
	s := redisstore.NewStateStore(newRedisClient(t), redisstore.StoreConfig{})
	ctx := context.Background()

	run := &domain.WorkflowRun{ID: "run-1", TemplateID: "professional_headshot", Status: domain.StatusPending}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	got.CurrentStep = 1
	require.NoError(t, s.UpdateRun(ctx, got, 0))
	assert.Equal(t, int64(1), got.Version)

	stale, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, store.IsConflict(s.UpdateRun(ctx, stale, 0)))

	_, err = s.GetRun(ctx, "missing")
	var nf *domain.RunNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestRedis_Leader(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()
	a := redisstore.NewLeader(client, "test:leader", "a", 5*time.Second)
	b := redisstore.NewLeader(client, "test:leader", "b", 5*time.Second)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lease is held by a")

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_RateLimiter(t *testing.T) {
	limiter := redisstore.NewRateLimiter(newRedisClient(t), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, string(domain.KindGeneration))
		require.NoError(t, err)
		assert.True(t, ok, "event %d", i)
	}
	ok, err := limiter.Allow(ctx, string(domain.KindGeneration))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(ctx, string(domain.KindUpscale))
	require.NoError(t, err)
	assert.True(t, ok, "keys are limited independently")
}

func TestRedis_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return redisstore.NewStateStore(newRedisClient(t), redisstore.StoreConfig{})
	})
}
