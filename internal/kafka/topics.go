package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
)

// Topic names.
const (
	TopicSignals    = "signals.completion"
	TopicSignalsDLQ = "signals.dlq"
	TopicRunEvents  = "runs.events"
)

// SignalPublisher puts completion signals on the signal bus, keyed by task ID.
type SignalPublisher struct {
	producer Producer
	topic    string
}

func NewSignalPublisher(p Producer) *SignalPublisher {
	return &SignalPublisher{producer: p, topic: TopicSignals}
}

// WithTopic returns a publisher writing to topic instead of TopicSignals.
func (p *SignalPublisher) WithTopic(topic string) *SignalPublisher {
	return &SignalPublisher{producer: p.producer, topic: topic}
}

func (p *SignalPublisher) PublishSignal(ctx context.Context, sig domain.Signal) error {
	raw, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal for task %s: %w", sig.TaskID, err)
	}
	return p.producer.Publish(ctx, p.topic, sig.TaskID, raw)
}

// DecodeSignal parses a signal read from the bus. A signal without a task ID
// or with an unknown status is malformed.
func DecodeSignal(value []byte) (domain.Signal, error) {
	var sig domain.Signal
	if err := json.Unmarshal(value, &sig); err != nil {
		return domain.Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	if strings.TrimSpace(sig.TaskID) == "" {
		return domain.Signal{}, fmt.Errorf("decode signal: missing task_id")
	}
	if !sig.Status.Valid() {
		return domain.Signal{}, fmt.Errorf("decode signal: unknown status %q", sig.Status)
	}
	return sig, nil
}

// RunEventPublisher streams workflow lifecycle events, keyed by run ID.
type RunEventPublisher struct {
	producer Producer
	topic    string
}

func NewRunEventPublisher(p Producer) *RunEventPublisher {
	return &RunEventPublisher{producer: p, topic: TopicRunEvents}
}

func (p *RunEventPublisher) PublishRunEvent(ctx context.Context, ev domain.RunEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event for run %s: %w", ev.Type, ev.RunID, err)
	}
	return p.producer.Publish(ctx, p.topic, ev.RunID, raw)
}
