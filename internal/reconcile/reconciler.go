// Package reconcile is the single entry point for completion signals. Webhook
// deliveries, poll results and timeouts all flow through Ingest, which
// deduplicates them and advances the task with a conditional transition.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/telemetry"
)

// Outcome describes what Ingest did with a signal.
type Outcome string

const (
	// Applied means the signal moved the task.
	Applied Outcome = "applied"
	// Duplicate means the signal repeated a delivery or a status already held.
	Duplicate Outcome = "duplicate"
	// Conflict means another signal won the race for this task.
	Conflict Outcome = "conflict"
	// Dropped means the signal was for a task or environment we do not own.
	Dropped Outcome = "dropped"
	// Ignored means the signal carried nothing actionable yet.
	Ignored Outcome = "ignored"
)

// Listener is told once about every task that reaches a terminal status
// through the reconciler.
type Listener interface {
	TaskSettled(ctx context.Context, task *domain.Task) error
}

// Poller fetches a task's result when a completion signal arrives without one.
type Poller interface {
	Poll(ctx context.Context, taskID string, kind domain.Kind, model string) (*domain.PollResult, error)
}

const defaultDedupSize = 10_000

// Reconciler is safe for concurrent use.
type Reconciler struct {
	tasks    store.TaskStore
	poller   Poller
	listener Listener
	env      string
	seen     *lru.Cache[string, struct{}]
	logger   *slog.Logger
	now      func() time.Time
}

type options struct {
	poller    Poller
	listener  Listener
	env       string
	dedupSize int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Reconciler.
type Option func(*options)

func WithPoller(p Poller) Option            { return func(o *options) { o.poller = p } }
func WithListener(l Listener) Option        { return func(o *options) { o.listener = l } }
func WithEnvironment(env string) Option     { return func(o *options) { o.env = env } }
func WithDedupSize(n int) Option            { return func(o *options) { o.dedupSize = n } }
func WithLogger(l *slog.Logger) Option      { return func(o *options) { o.logger = l } }
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New creates a Reconciler over the task store.
func New(tasks store.TaskStore, opts ...Option) (*Reconciler, error) {
	o := options{
		dedupSize: defaultDedupSize,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.dedupSize <= 0 {
		o.dedupSize = defaultDedupSize
	}
	seen, err := lru.New[string, struct{}](o.dedupSize)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &Reconciler{
		tasks:    tasks,
		poller:   o.poller,
		listener: o.listener,
		env:      o.env,
		seen:     seen,
		logger:   o.logger.With(slog.String("component", "reconciler")),
		now:      o.now,
	}, nil
}

// Ingest applies one completion signal. Races and repeats are absorbed and
// reported through the Outcome; only store and listener failures are errors.
func (r *Reconciler) Ingest(ctx context.Context, sig domain.Signal) (Outcome, error) {
	ctx, span := otel.Tracer("reconciler").Start(ctx, "reconciler.ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", sig.TaskID),
		attribute.String("signal.source", string(sig.Source)),
		attribute.String("signal.status", string(sig.Status)),
	)

	outcome, err := r.ingest(ctx, sig)
	if err != nil {
		span.RecordError(err)
		return outcome, err
	}
	span.SetAttributes(attribute.String("signal.outcome", string(outcome)))
	telemetry.SignalsTotal.WithLabelValues(string(sig.Source), string(outcome)).Inc()
	if sig.DeliveryID != "" && outcome != Ignored {
		r.seen.Add(dedupKey(sig), struct{}{})
	}
	return outcome, nil
}

func (r *Reconciler) ingest(ctx context.Context, sig domain.Signal) (Outcome, error) {
	log := r.logger.With(
		slog.String("task_id", sig.TaskID),
		slog.String("source", string(sig.Source)),
		slog.String("status", string(sig.Status)),
	)

	if sig.DeliveryID != "" && r.seen.Contains(dedupKey(sig)) {
		log.Debug("duplicate delivery absorbed",
			slog.String("error", (&domain.DuplicateSignalError{TaskID: sig.TaskID, DeliveryID: sig.DeliveryID}).Error()))
		return Duplicate, nil
	}
	if r.env != "" && sig.Correlation.Env != "" && sig.Correlation.Env != r.env {
		log.Warn("signal for another environment dropped", slog.String("env", sig.Correlation.Env))
		return Dropped, nil
	}

	task, err := r.tasks.Get(ctx, sig.TaskID)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			log.Warn("signal for unknown task dropped")
			return Dropped, nil
		}
		return "", fmt.Errorf("load task %s: %w", sig.TaskID, err)
	}
	if kind := kindConflict(sig, task); kind != "" {
		log.Warn("signal kind does not match task, dropped",
			slog.String("signal_kind", string(kind)), slog.String("task_kind", string(task.Kind)))
		return Dropped, nil
	}

	var patch domain.Patch
	switch sig.Status {
	case domain.StatusPending:
		return Ignored, nil
	case domain.StatusProcessing:
		if task.Status != domain.StatusPending {
			return Ignored, nil
		}
	case domain.StatusCompleted:
		patch.OutputRef = sig.OutputRef
		if patch.OutputRef == "" && !task.Status.IsTerminal() {
			patch.OutputRef = r.fetchOutput(ctx, task, log)
			if patch.OutputRef == "" {
				log.Info("completion without output, leaving task for the poller")
				return Ignored, nil
			}
		}
	case domain.StatusFailed:
		patch.Error = sig.Error
		if patch.Error == nil {
			patch.Error = &domain.Failure{Reason: domain.ReasonProviderFailed, Message: "provider reported failure"}
		}
	case domain.StatusCancelled:
	default:
		return Ignored, nil
	}
	patch.At = r.now()

	updated, applied, err := r.tasks.Transition(ctx, task.ID, task.Status, sig.Status, patch)
	if err != nil {
		var ce *domain.ConflictError
		var ie *domain.InvalidTransitionError
		switch {
		case errors.As(err, &ce):
			log.Debug("concurrent signal won the race", slog.String("error", err.Error()))
			return Conflict, nil
		case errors.As(err, &ie):
			log.Info("late signal for settled task absorbed", slog.String("error", err.Error()))
			return Conflict, nil
		}
		return "", fmt.Errorf("transition task %s: %w", task.ID, err)
	}
	if !applied {
		return Duplicate, nil
	}

	log.Info("task transitioned", slog.String("from", string(task.Status)))
	if !updated.Status.IsTerminal() {
		return Applied, nil
	}

	telemetry.TasksSettledTotal.WithLabelValues(string(updated.Kind), string(updated.Status)).Inc()
	telemetry.TaskWaitSeconds.WithLabelValues(string(updated.Kind)).Observe(patch.At.Sub(updated.CreatedAt).Seconds())
	if r.listener != nil {
		if err := r.listener.TaskSettled(ctx, updated); err != nil {
			return Applied, fmt.Errorf("advance after task %s: %w", updated.ID, err)
		}
	}
	return Applied, nil
}

func (r *Reconciler) fetchOutput(ctx context.Context, task *domain.Task, log *slog.Logger) string {
	if r.poller == nil {
		return ""
	}
	res, err := r.poller.Poll(ctx, task.ID, task.Kind, task.Model)
	if err != nil {
		log.Warn("fetching output for completion failed", slog.String("error", err.Error()))
		return ""
	}
	if res.Status != domain.StatusCompleted {
		return ""
	}
	return res.OutputRef
}

func dedupKey(sig domain.Signal) string {
	return sig.TaskID + "|" + sig.DeliveryID
}

// kindConflict returns the kind a signal claims that differs from the task's,
// or "" when every claim matches or none is made.
func kindConflict(sig domain.Signal, task *domain.Task) domain.Kind {
	for _, k := range []domain.Kind{sig.KindHint, sig.Correlation.Kind} {
		if k != "" && k != task.Kind {
			return k
		}
	}
	return ""
}
