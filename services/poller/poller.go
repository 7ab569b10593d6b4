// Package poller recovers tasks whose completion webhook never arrived and
// fails tasks that have waited past their deadline.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/reconcile"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/telemetry"
)

const (
	defaultSchedule    = "@every 15s"
	defaultPollAfter   = 30 * time.Second
	defaultConcurrency = 8
	defaultBatchSize   = 500
)

// StatusSource answers status queries for provider tasks.
type StatusSource interface {
	Poll(ctx context.Context, taskID string, kind domain.Kind, model string) (*domain.PollResult, error)
}

// Ingester applies completion signals.
type Ingester interface {
	Ingest(ctx context.Context, sig domain.Signal) (reconcile.Outcome, error)
}

// Elector decides which instance runs the sweep.
type Elector interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config controls sweep cadence and fan-out.
type Config struct {
	// Schedule is a cron spec, e.g. "@every 15s" or "*/1 * * * *".
	Schedule string
	// PollAfter is how long a task may wait for its webhook before the
	// provider is asked directly.
	PollAfter   time.Duration
	Concurrency int
	BatchSize   int
}

func (c *Config) defaults() {
	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
	if c.PollAfter <= 0 {
		c.PollAfter = defaultPollAfter
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Checked  int
	Polled   int
	TimedOut int
	Applied  int
}

// Poller is safe for concurrent use; overlapping sweeps are harmless because
// every change goes through the reconciler's conditional transition.
type Poller struct {
	tasks    store.TaskStore
	provider StatusSource
	sink     Ingester
	leader   Elector
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithLeader restricts sweeps to the instance holding the lease.
func WithLeader(e Elector) Option            { return func(p *Poller) { p.leader = e } }
func WithLogger(l *slog.Logger) Option       { return func(p *Poller) { p.logger = l } }
func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }

func New(tasks store.TaskStore, provider StatusSource, sink Ingester, cfg Config, opts ...Option) *Poller {
	cfg.defaults()
	p := &Poller{
		tasks:    tasks,
		provider: provider,
		sink:     sink,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range opts {
		fn(p)
	}
	p.logger = p.logger.With(slog.String("component", "poller"))
	return p
}

// Run sweeps once immediately and then on the configured schedule. It blocks
// until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(p.cfg.Schedule, func() { p.tick(ctx) }); err != nil {
		return fmt.Errorf("poll schedule %q: %w", p.cfg.Schedule, err)
	}

	p.tick(ctx)
	c.Start()
	p.logger.Info("poller started", slog.String("schedule", p.cfg.Schedule), slog.Duration("poll_after", p.cfg.PollAfter))

	<-ctx.Done()
	<-c.Stop().Done()

	if p.leader != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.leader.Release(releaseCtx); err != nil {
			p.logger.Warn("releasing leadership", slog.String("error", err.Error()))
		}
	}
	p.logger.Info("poller stopped")
	return nil
}

func (p *Poller) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	leader := true
	if p.leader != nil {
		ok, err := p.leader.Acquire(ctx)
		if err != nil {
			p.logger.Error("leader election", slog.String("error", err.Error()))
		}
		leader = ok
	}
	telemetry.PollerSweepsTotal.WithLabelValues(strconv.FormatBool(leader)).Inc()
	if !leader {
		return
	}

	res, err := p.Sweep(ctx)
	if err != nil {
		p.logger.Error("sweep failed", slog.String("error", err.Error()))
		return
	}
	if res.Polled > 0 || res.TimedOut > 0 {
		p.logger.Info("sweep finished",
			slog.Int("checked", res.Checked),
			slog.Int("polled", res.Polled),
			slog.Int("timed_out", res.TimedOut),
			slog.Int("applied", res.Applied),
		)
	}
}

// Sweep checks every non-terminal task once: overdue tasks are failed with a
// timeout signal, tasks older than PollAfter are polled.
func (p *Poller) Sweep(ctx context.Context) (SweepResult, error) {
	active, err := p.tasks.ListActive(ctx, p.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list active tasks: %w", err)
	}

	var polled, timedOut, applied atomic.Int64
	now := p.now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, task := range active {
		g.Go(func() error {
			var (
				out reconcile.Outcome
				err error
			)
			switch {
			case task.Overdue(now):
				out, err = p.timeout(gctx, task, now)
				if out == reconcile.Applied {
					timedOut.Add(1)
					telemetry.PollerTimeoutsTotal.Inc()
				}
			case !task.Synchronous && now.Sub(task.CreatedAt) >= p.cfg.PollAfter:
				polled.Add(1)
				out, err = p.poll(gctx, task)
			default:
				return nil
			}
			if err != nil {
				p.logger.Warn("task check failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
				return nil
			}
			if out == reconcile.Applied {
				applied.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return SweepResult{
		Checked:  len(active),
		Polled:   int(polled.Load()),
		TimedOut: int(timedOut.Load()),
		Applied:  int(applied.Load()),
	}, ctx.Err()
}

func (p *Poller) timeout(ctx context.Context, task *domain.Task, now time.Time) (reconcile.Outcome, error) {
	terr := &domain.TimeoutError{TaskID: task.ID, Waited: now.Sub(task.CreatedAt)}
	p.logger.Warn("task exceeded its maximum wait", slog.String("task_id", task.ID), slog.String("run_id", task.RunID))
	return p.sink.Ingest(ctx, domain.Signal{
		TaskID:     task.ID,
		KindHint:   task.Kind,
		Status:     domain.StatusFailed,
		Error:      &domain.Failure{Reason: domain.ReasonTimeout, Message: terr.Error()},
		Source:     domain.SourceTimeout,
		ReceivedAt: now,
	})
}

func (p *Poller) poll(ctx context.Context, task *domain.Task) (reconcile.Outcome, error) {
	res, err := p.provider.Poll(ctx, task.ID, task.Kind, task.Model)
	if err != nil {
		return "", fmt.Errorf("poll provider: %w", err)
	}
	if res.Status == domain.StatusPending || res.Status == task.Status {
		return reconcile.Ignored, nil
	}

	sig := domain.Signal{
		TaskID:     task.ID,
		KindHint:   task.Kind,
		Status:     res.Status,
		OutputRef:  res.OutputRef,
		Source:     domain.SourcePoll,
		ReceivedAt: p.now(),
	}
	if res.Status == domain.StatusFailed {
		msg := res.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		sig.Error = &domain.Failure{Reason: domain.ReasonProviderFailed, Message: msg}
	}
	return p.sink.Ingest(ctx, sig)
}
