package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Producer writes to the signal bus and the run event stream. The key is the
// ordering unit: a task id for completion signals, a run id for run events.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type busProducer struct {
	w   *kafka.Writer
	now func() time.Time
}

// NewProducer returns a Producer writing to brokers. Keys are hashed to a
// partition, so a run's lifecycle events are consumed in the order the engine
// emitted them and a late webhook for a task cannot overtake an earlier one.
func NewProducer(brokers []string) Producer {
	return &busProducer{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			MaxAttempts:            5,
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           10 * time.Second,
			ReadTimeout:            10 * time.Second,
			AllowAutoTopicCreation: true,
		},
		now: time.Now,
	}
}

// Publish writes one record. The caller's trace context travels in the
// record headers so the relay's ingest span joins the webhook's trace.
func (p *busProducer) Publish(ctx context.Context, topic, key string, value []byte) error {
	var trace HeaderCarrier
	otel.GetTextMapPropagator().Inject(ctx, &trace)

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: trace,
		Time:    p.now(),
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s (key %q): %w", topic, key, err)
	}
	return nil
}

func (p *busProducer) Close() error { return p.w.Close() }
