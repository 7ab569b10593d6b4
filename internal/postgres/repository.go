package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
)

const uniqueViolation = "23505"

const taskColumns = `id, kind, model, status, input_ref, params, output_ref, error,
		       synchronous, run_id, step_index, created_at, updated_at, deadline, completed_at`

// Repository is the durable PostgreSQL task and run store.
type Repository struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Repository)(nil)

// NewRepository wraps a pgxpool with the store.Store interface.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *Repository) Durable() bool { return true }

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

func (r *Repository) Create(ctx context.Context, task *domain.Task) error {
	params, err := task.ParamsJSON()
	if err != nil {
		return fmt.Errorf("marshal params for task %s: %w", task.ID, err)
	}
	failure, err := failureJSON(task.Error)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, kind, model, status, input_ref, params, output_ref, error,
			 synchronous, run_id, step_index, created_at, updated_at, deadline, completed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		task.ID, string(task.Kind), task.Model, string(task.Status), task.InputRef, params,
		nullString(task.OutputRef), failure, task.Synchronous, nullString(task.RunID), task.StepIndex,
		task.CreatedAt, task.UpdatedAt, nullTime(task.Deadline), task.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &domain.DuplicateTaskError{TaskID: task.ID}
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, err
}

// Transition applies the state machine in Go and commits it with an UPDATE
// guarded by the expected status.
func (r *Repository) Transition(ctx context.Context, id string, expected, next domain.Status, patch domain.Patch) (*domain.Task, bool, error) {
	return store.Transition(ctx, id, expected, next, patch, r.Get, r.swap)
}

func (r *Repository) swap(ctx context.Context, updated *domain.Task, expected domain.Status) (bool, error) {
	failure, err := failureJSON(updated.Error)
	if err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status = $1, output_ref = $2, error = $3, updated_at = $4, completed_at = $5
		WHERE id = $6 AND status = $7
	`,
		string(updated.Status), nullString(updated.OutputRef), failure,
		updated.UpdatedAt, updated.CompletedAt, updated.ID, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("transition task %s: %w", updated.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListActive(ctx context.Context, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status IN ('PENDING', 'PROCESSING')
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *Repository) CreateRun(ctx context.Context, run *domain.WorkflowRun) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO workflow_runs (id, template_id, status, body, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.TemplateID, string(run.Status), body, run.Version, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &domain.ConflictError{ID: run.ID, Expected: "absent", Actual: "exists"}
		}
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	var body []byte
	var version int64
	err := r.pool.QueryRow(ctx, `SELECT body, version FROM workflow_runs WHERE id = $1`, id).Scan(&body, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.RunNotFoundError{RunID: id}
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	var run domain.WorkflowRun
	if err := json.Unmarshal(body, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", id, err)
	}
	run.Version = version
	return &run, nil
}

func (r *Repository) UpdateRun(ctx context.Context, run *domain.WorkflowRun, expectedVersion int64) error {
	prev := run.Version
	run.Version = expectedVersion + 1
	body, err := json.Marshal(run)
	if err != nil {
		run.Version = prev
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $1, body = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
	`, string(run.Status), body, run.UpdatedAt, run.ID, expectedVersion)
	if err != nil {
		run.Version = prev
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	run.Version = prev
	var actual int64
	err = r.pool.QueryRow(ctx, `SELECT version FROM workflow_runs WHERE id = $1`, run.ID).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return &domain.RunNotFoundError{RunID: run.ID}
	}
	if err != nil {
		return fmt.Errorf("read run version %s: %w", run.ID, err)
	}
	return store.VersionConflict(run.ID, expectedVersion, actual)
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task             domain.Task
		kind, status     string
		params, failure  []byte
		outputRef, runID *string
		deadline         *time.Time
	)
	err := row.Scan(
		&task.ID, &kind, &task.Model, &status, &task.InputRef, &params, &outputRef, &failure,
		&task.Synchronous, &runID, &task.StepIndex, &task.CreatedAt, &task.UpdatedAt, &deadline, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Kind = domain.Kind(kind)
	task.Status = domain.Status(status)
	if outputRef != nil {
		task.OutputRef = *outputRef
	}
	if runID != nil {
		task.RunID = *runID
	}
	if deadline != nil {
		task.Deadline = *deadline
	}
	if len(params) > 0 && string(params) != "{}" {
		if err := json.Unmarshal(params, &task.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params for task %s: %w", task.ID, err)
		}
	}
	if len(failure) > 0 {
		task.Error = &domain.Failure{}
		if err := json.Unmarshal(failure, task.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error for task %s: %w", task.ID, err)
		}
	}
	return &task, nil
}

func failureJSON(f *domain.Failure) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal failure: %w", err)
	}
	return b, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
