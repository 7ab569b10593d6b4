// Package relay feeds completion signals from the Kafka signal bus into the
// reconciler, so webhook receivers and the engine can run as separate
// instances.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/kafka"
	"github.com/bader1919/freepik-ai-orchestrator/internal/reconcile"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/telemetry"
)

// Ingester applies completion signals.
type Ingester interface {
	Ingest(ctx context.Context, sig domain.Signal) (reconcile.Outcome, error)
}

// Relay consumes signals.completion and hands each signal to the reconciler.
type Relay struct {
	consumer kafka.Consumer
	producer kafka.Producer
	sink     Ingester
	logger   *slog.Logger
}

func New(consumer kafka.Consumer, producer kafka.Producer, sink Ingester, logger *slog.Logger) *Relay {
	return &Relay{
		consumer: consumer,
		producer: producer,
		sink:     sink,
		logger:   logger.With(slog.String("component", "relay")),
	}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	return r.consumer.Subscribe(ctx, r.handle)
}

func (r *Relay) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("relay").Start(ctx, "relay.handle")
	defer span.End()

	sig, err := kafka.DecodeSignal(msg.Value)
	if err != nil {
		r.logger.Error("malformed signal, sending to DLQ",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed signal")
		telemetry.RelayDLQTotal.Inc()
		return r.toDLQ(ctx, msg)
	}
	span.SetAttributes(
		attribute.String("task.id", sig.TaskID),
		attribute.String("signal.source", string(sig.Source)),
	)

	outcome, err := r.sink.Ingest(ctx, sig)
	if err != nil {
		// Leave the offset uncommitted; the signal is replayed and the
		// reconciler absorbs whatever part of it already took effect.
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")
		return fmt.Errorf("ingest signal for task %s: %w", sig.TaskID, err)
	}

	r.logger.Debug("signal relayed",
		slog.String("task_id", sig.TaskID),
		slog.String("outcome", string(outcome)),
	)
	return nil
}

func (r *Relay) toDLQ(ctx context.Context, msg kafka.Message) error {
	if err := r.producer.Publish(ctx, kafka.TopicSignalsDLQ, string(msg.Key), msg.Value); err != nil {
		r.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		return err
	}
	return nil
}
