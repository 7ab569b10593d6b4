package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Kind is the provider operation a task performs.
type Kind string

const (
	KindGeneration       Kind = "generation"
	KindUpscale          Kind = "upscale"
	KindRelight          Kind = "relight"
	KindRemoveBackground Kind = "remove_background"
	KindStyleTransfer    Kind = "style_transfer"
	KindVariants         Kind = "variants"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{
	KindGeneration, KindUpscale, KindRelight,
	KindRemoveBackground, KindStyleTransfer, KindVariants,
}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// FailureReason tells apart the ways a task can end up FAILED.
type FailureReason string

const (
	ReasonProviderRejected FailureReason = "provider_rejected"
	ReasonProviderFailed   FailureReason = "provider_failed"
	ReasonTimeout          FailureReason = "timeout"
	ReasonSubmissionError  FailureReason = "submission_error"
)

// Failure is the error detail recorded on a FAILED task.
type Failure struct {
	Reason     FailureReason `json:"reason"`
	Message    string        `json:"message"`
	StatusCode int           `json:"status_code,omitempty"`
}

func (f *Failure) String() string {
	if f == nil {
		return ""
	}
	return string(f.Reason) + ": " + f.Message
}

// Task is one unit of provider work.
type Task struct {
	ID          string         `json:"task_id"`
	Kind        Kind           `json:"kind"`
	Model       string         `json:"model"`
	Status      Status         `json:"status"`
	InputRef    string         `json:"input_ref"`
	Params      map[string]any `json:"params,omitempty"`
	OutputRef   string         `json:"output_ref,omitempty"`
	Error       *Failure       `json:"error,omitempty"`
	Synchronous bool           `json:"synchronous"`
	RunID       string         `json:"run_id,omitempty"`
	StepIndex   int            `json:"step_index"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Deadline    time.Time      `json:"deadline"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so stores never hand out shared pointers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Params != nil {
		c.Params = make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Overdue reports whether the task has waited past its deadline without
// reaching a terminal state.
func (t *Task) Overdue(now time.Time) bool {
	return !t.Status.IsTerminal() && !t.Deadline.IsZero() && now.After(t.Deadline)
}

// SubmitRequest is what the executor asks the provider gateway to run.
type SubmitRequest struct {
	Kind   Kind
	Model  string
	Input  string
	Params map[string]any
}

// SubmissionResult normalises the provider's two response shapes. When
// Synchronous is true the result is already available in InlineOutput and no
// completion signal will follow.
type SubmissionResult struct {
	TaskID       string `json:"task_id"`
	Synchronous  bool   `json:"synchronous"`
	InlineOutput string `json:"inline_output,omitempty"`
}

// PollResult is the provider's answer to a status query.
type PollResult struct {
	Status    Status `json:"status"`
	OutputRef string `json:"output_ref,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ParamsJSON marshals the task params, returning "{}" for nil params.
func (t *Task) ParamsJSON() ([]byte, error) {
	if t.Params == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t.Params)
}
