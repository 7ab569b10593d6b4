package workflow

import (
	"context"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
)

// EventPublisher receives run lifecycle events. Publishing is best-effort;
// a failure is logged and never changes the run.
type EventPublisher interface {
	PublishRunEvent(ctx context.Context, ev domain.RunEvent) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) PublishRunEvent(context.Context, domain.RunEvent) error { return nil }
