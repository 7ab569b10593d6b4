package domain

import "time"

// SignalSource tells where a completion signal came from.
type SignalSource string

const (
	SourceWebhook SignalSource = "webhook"
	SourcePoll    SignalSource = "poll"
	SourceTimeout SignalSource = "timeout"
	SourceCancel  SignalSource = "cancel"
)

// Correlation is the token attached to every async submission's callback URL.
type Correlation struct {
	Model string `json:"source"`
	Kind  Kind   `json:"type"`
	Env   string `json:"env"`
}

// Signal asserts that a task reached (or progressed toward) a terminal state.
type Signal struct {
	TaskID      string       `json:"task_id"`
	KindHint    Kind         `json:"kind_hint,omitempty"`
	Status      Status       `json:"status"`
	OutputRef   string       `json:"output_ref,omitempty"`
	Error       *Failure     `json:"error,omitempty"`
	Correlation Correlation  `json:"correlation"`
	Source      SignalSource `json:"source"`
	// DeliveryID identifies one delivery attempt, e.g. the webhook-id header.
	// Empty IDs are never treated as duplicates.
	DeliveryID string    `json:"delivery_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
