package domain

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// RunNotFoundError is returned when a workflow run ID does not exist.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("workflow run not found: %s", e.RunID)
}

// TemplateNotFoundError is returned when no template is registered under an ID.
type TemplateNotFoundError struct {
	TemplateID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("workflow template not found: %s", e.TemplateID)
}

// DuplicateTaskError is returned by Create when the task ID is already taken.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s already exists", e.TaskID)
}

// ConflictError is returned when a conditional write loses a race: the stored
// status (or run version) no longer matches what the caller expected.
type ConflictError struct {
	ID       string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: expected %s, found %s", e.ID, e.Expected, e.Actual)
}

// InvalidTransitionError is returned when the state machine forbids a move.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// ProviderError wraps a non-success outcome from the provider API. Body holds
// the response body verbatim. StatusCode is 0 for transport failures.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("provider %s: status %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *ProviderError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooEarly,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	}
	return false
}

// RateLimitExceededError is returned when submissions of a kind exceed the
// configured rate.
type RateLimitExceededError struct {
	Kind  Kind
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for kind %q: limit is %d", e.Kind, e.Limit)
}

// Retryable is always true; the limiter window moves on.
func (e *RateLimitExceededError) Retryable() bool { return true }

// UnknownKindError is returned when no provider operation is registered for a kind.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("no operation registered for kind %q", e.Kind)
}

// DuplicateSignalError marks a completion signal that was already ingested.
type DuplicateSignalError struct {
	TaskID     string
	DeliveryID string
}

func (e *DuplicateSignalError) Error() string {
	return fmt.Sprintf("duplicate signal %s for task %s", e.DeliveryID, e.TaskID)
}

// TimeoutError records that no completion signal arrived in time. It is turned
// into a FAILED task, never returned to callers of the engine.
type TimeoutError struct {
	TaskID string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s: no completion signal after %s", e.TaskID, e.Waited.Round(time.Second))
}

// ValidationError is returned when a template or start request is malformed.
type ValidationError struct {
	Subject  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Subject, strings.Join(e.Problems, "; "))
}
