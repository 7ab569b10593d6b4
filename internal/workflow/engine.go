// Package workflow plans and executes multi-step runs. Each run is driven
// forward one step at a time: a step is submitted only after the previous
// step's task has COMPLETED, and a FAILED or CANCELLED step ends the run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/telemetry"
)

// Gateway is the part of the provider client the engine drives.
type Gateway interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmissionResult, error)
	Cancel(ctx context.Context, taskID string, kind domain.Kind, model string) error
}

const (
	maxRunUpdateAttempts = 8
	maxCancelAttempts    = 3
)

// errStale means the run no longer points at the step being acted on.
var errStale = errors.New("run has moved on")

// Engine is safe for concurrent use.
type Engine struct {
	tasks     store.TaskStore
	runs      store.RunStore
	gateway   Gateway
	catalog   *Catalog
	events    EventPublisher
	logger    *slog.Logger
	maxWait   time.Duration
	now       func() time.Time
	newTaskID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents publishes run lifecycle events.
func WithEvents(p EventPublisher) Option { return func(e *Engine) { e.events = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMaxWait sets how long an async task may wait for a completion signal.
func WithMaxWait(d time.Duration) Option { return func(e *Engine) { e.maxWait = d } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine wires the engine to its store, gateway and template catalog.
func NewEngine(tasks store.TaskStore, runs store.RunStore, gw Gateway, catalog *Catalog, opts ...Option) *Engine {
	e := &Engine{
		tasks:     tasks,
		runs:      runs,
		gateway:   gw,
		catalog:   catalog,
		events:    NopPublisher{},
		logger:    slog.Default(),
		maxWait:   10 * time.Minute,
		now:       func() time.Time { return time.Now().UTC() },
		newTaskID: func() string { return ulid.Make().String() },
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With(slog.String("component", "workflow"))
	return e
}

// Durable reports whether runs and tasks survive a restart. False means the
// engine is tracking state in memory only.
func (e *Engine) Durable() bool { return e.tasks.Durable() }

// Start expands the template and submits its first step. Validation errors
// are returned before any provider call is made. A provider failure on the
// first step does not fail Start; it is recorded on the run. A store failure
// while submitting fails the run and is returned.
func (e *Engine) Start(ctx context.Context, templateID, input string) (string, error) {
	t, err := e.catalog.Get(templateID)
	if err != nil {
		return "", err
	}
	return e.start(ctx, t, input)
}

// StartRecommended runs an ad-hoc template built from a recommendation. The
// recommendation's enhanced prompt, when present, replaces input.
func (e *Engine) StartRecommended(ctx context.Context, rec domain.Recommendation, input string) (string, error) {
	t := PlanRecommendation(rec)
	if err := ValidateTemplate(t); err != nil {
		return "", err
	}
	if rec.EnhancedPrompt != "" {
		input = rec.EnhancedPrompt
	}
	return e.start(ctx, t, input)
}

func (e *Engine) start(ctx context.Context, t domain.Template, input string) (string, error) {
	ctx, span := otel.Tracer("workflow").Start(ctx, "workflow.start")
	defer span.End()
	span.SetAttributes(attribute.String("template.id", t.ID))

	if err := validateInput(t.Steps, input); err != nil {
		span.SetStatus(codes.Error, "invalid input")
		return "", err
	}

	now := e.now()
	run := &domain.WorkflowRun{
		ID:         uuid.NewString(),
		TemplateID: t.ID,
		Steps:      t.Steps,
		Input:      input,
		Status:     domain.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("create run: %w", err)
	}
	span.SetAttributes(attribute.String("run.id", run.ID))

	telemetry.RunsStartedTotal.WithLabelValues(t.ID).Inc()
	telemetry.RunsInFlight.Inc()
	e.publish(ctx, domain.RunEvent{Type: domain.EventRunStarted, RunID: run.ID, TemplateID: t.ID, Status: run.Status})
	e.logger.Info("run started",
		slog.String("run_id", run.ID),
		slog.String("template_id", t.ID),
		slog.Int("steps", len(t.Steps)),
	)

	if err := e.drive(ctx, run.ID, 0); err != nil {
		span.RecordError(err)
		e.abort(ctx, run.ID, err)
		return run.ID, err
	}
	return run.ID, nil
}

// TaskSettled advances the run owning task. It is called by the reconciler
// after a task reaches a terminal status; repeated or stale notifications are
// ignored.
func (e *Engine) TaskSettled(ctx context.Context, task *domain.Task) error {
	if task.RunID == "" {
		return nil
	}
	ctx, span := otel.Tracer("workflow").Start(ctx, "workflow.task_settled")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", task.RunID),
		attribute.String("task.id", task.ID),
		attribute.Int("step.index", task.StepIndex),
	)

	next, err := e.advance(ctx, task)
	if err != nil {
		span.RecordError(err)
		e.abort(ctx, task.RunID, err)
		return err
	}
	if next < 0 {
		return nil
	}
	if err := e.drive(ctx, task.RunID, next); err != nil {
		span.RecordError(err)
		e.abort(ctx, task.RunID, err)
		return err
	}
	return nil
}

// abort fails a run whose current step could not be driven forward for a
// reason other than a provider rejection, such as a store write that kept
// failing.
func (e *Engine) abort(ctx context.Context, runID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	run, err := e.updateRun(ctx, runID, func(r *domain.WorkflowRun) error {
		if r.Status.IsTerminal() {
			return errStale
		}
		now := e.now()
		f := &domain.StepFailure{Index: r.CurrentStep, TaskID: r.CurrentTaskID(), Error: submissionFailure(cause)}
		if r.CurrentStep < len(r.Steps) {
			f.Kind = r.Steps[r.CurrentStep].Kind
		}
		r.Failure = f
		r.Status = domain.StatusFailed
		r.UpdatedAt = now
		r.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errStale) {
		return
	}
	if err != nil {
		e.logger.Error("could not fail stuck run",
			slog.String("run_id", runID),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	e.finish(ctx, run)
}

// drive submits step and keeps advancing for as long as steps settle at
// submission time (synchronous results and rejected submissions).
func (e *Engine) drive(ctx context.Context, runID string, step int) error {
	for step >= 0 {
		task, err := e.submitStep(ctx, runID, step)
		if err != nil || task == nil || !task.Status.IsTerminal() {
			return err
		}
		if step, err = e.advance(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) submitStep(ctx context.Context, runID string, i int) (*domain.Task, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() || run.CurrentStep != i || i >= len(run.Steps) {
		return nil, nil
	}

	spec := run.Steps[i]
	req := domain.SubmitRequest{Kind: spec.Kind, Model: spec.Model, Input: stepInput(run, i), Params: spec.Params}
	log := e.logger.With(
		slog.String("run_id", runID),
		slog.Int("step", i),
		slog.String("kind", string(spec.Kind)),
	)

	var task *domain.Task
	res, subErr := e.gateway.Submit(ctx, req)
	if subErr != nil {
		log.Warn("step submission failed", slog.String("error", subErr.Error()))
		task, err = e.rejectTask(ctx, run.ID, i, req, subErr)
	} else {
		task, err = e.createTask(ctx, run.ID, i, req, res)
	}
	if err != nil {
		return nil, err
	}

	_, err = e.updateRun(ctx, runID, func(r *domain.WorkflowRun) error {
		if r.Status.IsTerminal() || r.CurrentStep != i {
			return errStale
		}
		r.TaskIDs = setAt(r.TaskIDs, i, task.ID)
		r.Status = domain.StatusProcessing
		r.UpdatedAt = e.now()
		return nil
	})
	if errors.Is(err, errStale) {
		log.Info("run ended while step was submitted, cancelling task", slog.String("task_id", task.ID))
		e.cancelTask(ctx, task, log)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record step %d of run %s: %w", i, runID, err)
	}

	log.Info("step submitted",
		slog.String("task_id", task.ID),
		slog.Bool("synchronous", task.Synchronous),
		slog.String("status", string(task.Status)),
	)
	e.publish(ctx, domain.RunEvent{
		Type: domain.EventStepSubmitted, RunID: runID, TemplateID: run.TemplateID,
		Status: domain.StatusProcessing, StepIndex: i, TaskID: task.ID,
	})

	if task.Status.IsTerminal() {
		return task, nil
	}
	// A completion may have been ingested before the run pointed at this task,
	// in which case its notification was ignored as stale.
	return e.tasks.Get(ctx, task.ID)
}

func (e *Engine) createTask(ctx context.Context, runID string, i int, req domain.SubmitRequest, res *domain.SubmissionResult) (*domain.Task, error) {
	task, err := domain.NewTask(req, res, e.now(), e.maxWait)
	if err != nil {
		return nil, err
	}
	task.RunID, task.StepIndex = runID, i
	if err := e.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task %s: %w", task.ID, err)
	}

	telemetry.TasksCreatedTotal.WithLabelValues(string(task.Kind), strconv.FormatBool(task.Synchronous)).Inc()
	if task.Status.IsTerminal() {
		telemetry.TasksSettledTotal.WithLabelValues(string(task.Kind), string(task.Status)).Inc()
	}
	return task, nil
}

// rejectTask records a step whose submission never reached the provider, or
// was refused by it, as a task that is created and immediately FAILED.
func (e *Engine) rejectTask(ctx context.Context, runID string, i int, req domain.SubmitRequest, cause error) (*domain.Task, error) {
	now := e.now()
	task := &domain.Task{
		ID:        e.newTaskID(),
		Kind:      req.Kind,
		Model:     req.Model,
		Status:    domain.StatusPending,
		InputRef:  req.Input,
		Params:    req.Params,
		RunID:     runID,
		StepIndex: i,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task %s: %w", task.ID, err)
	}
	telemetry.TasksCreatedTotal.WithLabelValues(string(task.Kind), "false").Inc()

	failed, _, err := e.tasks.Transition(ctx, task.ID, domain.StatusPending, domain.StatusFailed,
		domain.Patch{Error: submissionFailure(cause), At: now})
	if err != nil {
		return nil, fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	telemetry.TasksSettledTotal.WithLabelValues(string(task.Kind), string(domain.StatusFailed)).Inc()
	return failed, nil
}

// advance applies a settled task to its run and returns the index of the next
// step to submit, or -1.
func (e *Engine) advance(ctx context.Context, task *domain.Task) (int, error) {
	next, finished := -1, false
	run, err := e.updateRun(ctx, task.RunID, func(r *domain.WorkflowRun) error {
		next, finished = -1, false
		if r.Status.IsTerminal() || r.CurrentStep != task.StepIndex || r.CurrentTaskID() != task.ID {
			return errStale
		}
		now := e.now()
		r.UpdatedAt = now

		switch task.Status {
		case domain.StatusCompleted:
			r.Outputs = setAt(r.Outputs, task.StepIndex, task.OutputRef)
			if task.StepIndex+1 < len(r.Steps) {
				r.CurrentStep++
				next = r.CurrentStep
				return nil
			}
			r.OutputRef = task.OutputRef
		case domain.StatusFailed, domain.StatusCancelled:
			r.Failure = &domain.StepFailure{Index: task.StepIndex, Kind: task.Kind, TaskID: task.ID, Error: task.Error}
		default:
			return errStale
		}
		r.Status = task.Status
		r.CompletedAt = &now
		finished = true
		return nil
	})
	if errors.Is(err, errStale) {
		e.logger.Debug("stale task notification ignored",
			slog.String("run_id", task.RunID), slog.String("task_id", task.ID))
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("advance run %s: %w", task.RunID, err)
	}
	if finished {
		e.finish(ctx, run)
	}
	return next, nil
}

func (e *Engine) finish(ctx context.Context, run *domain.WorkflowRun) {
	telemetry.RunsFinishedTotal.WithLabelValues(run.TemplateID, string(run.Status)).Inc()
	telemetry.RunsInFlight.Dec()

	ev := domain.RunEvent{
		RunID: run.ID, TemplateID: run.TemplateID, Status: run.Status,
		StepIndex: run.CurrentStep, TaskID: run.CurrentTaskID(), OutputRef: run.OutputRef, Failure: run.Failure,
	}
	attrs := []any{slog.String("run_id", run.ID), slog.String("status", string(run.Status))}
	switch run.Status {
	case domain.StatusCompleted:
		ev.Type = domain.EventRunCompleted
		e.logger.Info("run completed", append(attrs, slog.String("output_ref", run.OutputRef))...)
	case domain.StatusFailed:
		ev.Type = domain.EventRunFailed
		e.logger.Warn("run failed", append(attrs, slog.Int("step", run.CurrentStep), slog.String("error", run.Failure.Error.String()))...)
	default:
		ev.Type = domain.EventRunCancelled
		e.logger.Info("run cancelled", attrs...)
	}
	e.publish(ctx, ev)
}

// CancelRun stops a run: the run is marked CANCELLED first so no further step
// is submitted, then the current task is cancelled at the provider (best
// effort) and in the store. Outputs of completed steps are kept. Cancelling a
// run that already ended is a no-op.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	ctx, span := otel.Tracer("workflow").Start(ctx, "workflow.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	run, err := e.updateRun(ctx, runID, func(r *domain.WorkflowRun) error {
		if r.Status.IsTerminal() {
			return errStale
		}
		now := e.now()
		r.Status = domain.StatusCancelled
		r.UpdatedAt = now
		r.CompletedAt = &now
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	e.finish(ctx, run)

	if id := run.CurrentTaskID(); id != "" {
		task, err := e.tasks.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("load task %s: %w", id, err)
		}
		e.cancelTask(ctx, task, e.logger.With(slog.String("run_id", runID)))
	}
	return nil
}

func (e *Engine) cancelTask(ctx context.Context, task *domain.Task, log *slog.Logger) {
	log = log.With(slog.String("task_id", task.ID))
	if task.Status.IsTerminal() {
		return
	}
	if !task.Synchronous {
		if err := e.gateway.Cancel(ctx, task.ID, task.Kind, task.Model); err != nil {
			log.Warn("provider cancel failed", slog.String("error", err.Error()))
		}
	}

	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		_, applied, err := e.tasks.Transition(ctx, task.ID, task.Status, domain.StatusCancelled, domain.Patch{At: e.now()})
		if err == nil {
			if applied {
				telemetry.TasksSettledTotal.WithLabelValues(string(task.Kind), string(domain.StatusCancelled)).Inc()
			}
			return
		}
		if !store.IsConflict(err) {
			log.Error("cancel task", slog.String("error", err.Error()))
			return
		}
		if task, err = e.tasks.Get(ctx, task.ID); err != nil || task.Status.IsTerminal() {
			return
		}
	}
}

// updateRun applies mutate to the latest run and writes it back under the
// run's version, retrying when another writer got there first. An error from
// mutate aborts without writing.
func (e *Engine) updateRun(ctx context.Context, runID string, mutate func(*domain.WorkflowRun) error) (*domain.WorkflowRun, error) {
	var lastErr error
	for attempt := 0; attempt < maxRunUpdateAttempts; attempt++ {
		run, err := e.runs.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if err := mutate(run); err != nil {
			return run, err
		}
		err = e.runs.UpdateRun(ctx, run, run.Version)
		if err == nil {
			return run, nil
		}
		if !store.IsConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("run %s: gave up after %d attempts: %w", runID, maxRunUpdateAttempts, lastErr)
}

func (e *Engine) publish(ctx context.Context, ev domain.RunEvent) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if err := e.events.PublishRunEvent(ctx, ev); err != nil {
		e.logger.Warn("publish run event failed",
			slog.String("run_id", ev.RunID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// StepView is one step of a run as reported to callers.
type StepView struct {
	Index     int             `json:"index"`
	Kind      domain.Kind     `json:"kind"`
	Model     string          `json:"model,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Status    domain.Status   `json:"status,omitempty"`
	OutputRef string          `json:"output_ref,omitempty"`
	Error     *domain.Failure `json:"error,omitempty"`
}

// RunSnapshot is a read-only view of a run and its steps.
type RunSnapshot struct {
	Run     *domain.WorkflowRun `json:"run"`
	Steps   []StepView          `json:"steps"`
	Current *StepView           `json:"current_step,omitempty"`
	Durable bool                `json:"durable"`
}

// GetRun returns the run together with the status and output of every step
// submitted so far.
func (e *Engine) GetRun(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	snap := &RunSnapshot{Run: run, Steps: make([]StepView, len(run.Steps)), Durable: e.Durable()}
	for i, spec := range run.Steps {
		v := StepView{Index: i, Kind: spec.Kind, Model: spec.Model}
		if i < len(run.TaskIDs) {
			task, err := e.tasks.Get(ctx, run.TaskIDs[i])
			if err != nil {
				return nil, fmt.Errorf("load task for step %d: %w", i, err)
			}
			v.TaskID = task.ID
			v.Status = task.Status
			v.OutputRef = task.OutputRef
			v.Error = task.Error
		}
		snap.Steps[i] = v
	}
	if run.CurrentStep < len(snap.Steps) {
		snap.Current = &snap.Steps[run.CurrentStep]
	}
	return snap, nil
}

// GetTask returns a single task.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	return e.tasks.Get(ctx, taskID)
}

// TemplateSummary describes a template for listing.
type TemplateSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	StepCount   int      `json:"steps_count"`
	Estimate    Estimate `json:"estimate"`
}

// ListTemplates returns every known template with its estimate.
func (e *Engine) ListTemplates() []TemplateSummary {
	templates := e.catalog.List()
	out := make([]TemplateSummary, len(templates))
	for i, t := range templates {
		out[i] = TemplateSummary{
			ID:          t.ID,
			Name:        t.Name,
			Description: t.Description,
			StepCount:   len(t.Steps),
			Estimate:    EstimateTemplate(t),
		}
	}
	return out
}

// Estimate previews the cost and duration of a template without running it.
func (e *Engine) Estimate(templateID string) (Estimate, error) {
	t, err := e.catalog.Get(templateID)
	if err != nil {
		return Estimate{}, err
	}
	return EstimateTemplate(t), nil
}

func stepInput(run *domain.WorkflowRun, i int) string {
	src := run.Steps[i].Source(i)
	if src == domain.InitialInput {
		return run.Input
	}
	if src < len(run.Outputs) {
		return run.Outputs[src]
	}
	return ""
}

func setAt(s []string, i int, v string) []string {
	for len(s) <= i {
		s = append(s, "")
	}
	s[i] = v
	return s
}

func submissionFailure(err error) *domain.Failure {
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		reason := domain.ReasonSubmissionError
		if pe.StatusCode != 0 && !pe.Retryable() {
			reason = domain.ReasonProviderRejected
		}
		return &domain.Failure{Reason: reason, Message: err.Error(), StatusCode: pe.StatusCode}
	}
	return &domain.Failure{Reason: domain.ReasonSubmissionError, Message: err.Error()}
}
