package domain

import (
	"errors"
	"fmt"
	"time"
)

// Patch carries the fields a transition may set.
type Patch struct {
	OutputRef string
	Error     *Failure
	At        time.Time
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply returns a copy of t moved to next with the patch applied. Output is
// kept only on COMPLETED, the failure only on FAILED, and CompletedAt is set
// exactly when next is terminal.
func Apply(t *Task, next Status, p Patch) (*Task, error) {
	if !CanTransition(t.Status, next) {
		return nil, &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: next}
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}

	out := t.Clone()
	out.Status = next
	out.UpdatedAt = p.At
	out.OutputRef = ""
	out.Error = nil
	out.CompletedAt = nil

	switch next {
	case StatusCompleted:
		if p.OutputRef == "" {
			return nil, fmt.Errorf("task %s: completing requires an output reference", t.ID)
		}
		out.OutputRef = p.OutputRef
	case StatusFailed:
		if p.Error == nil {
			return nil, fmt.Errorf("task %s: failing requires an error", t.ID)
		}
		f := *p.Error
		out.Error = &f
	}
	if next.IsTerminal() {
		at := p.At
		out.CompletedAt = &at
	}
	return out, nil
}

// ErrNoop signals that a transition re-applies the terminal status a task
// already has. Stores treat it as success without writing.
var ErrNoop = errors.New("transition is a no-op")

// CheckPrecondition classifies a conditional transition against the stored
// task: nil means apply, ErrNoop means the same terminal status is being
// re-applied, and a *ConflictError or *InvalidTransitionError means reject.
func CheckPrecondition(cur *Task, expected, next Status) error {
	if cur.Status.IsTerminal() && cur.Status == next && expected == cur.Status {
		return ErrNoop
	}
	if cur.Status != expected {
		return &ConflictError{ID: cur.ID, Expected: string(expected), Actual: string(cur.Status)}
	}
	if !CanTransition(cur.Status, next) {
		return &InvalidTransitionError{TaskID: cur.ID, From: cur.Status, To: next}
	}
	return nil
}

// CheckInvariants verifies the field invariants that must hold in every state.
func (t *Task) CheckInvariants() error {
	if (t.OutputRef != "") != (t.Status == StatusCompleted) {
		return fmt.Errorf("task %s: output_ref set=%t with status %s", t.ID, t.OutputRef != "", t.Status)
	}
	if (t.Error != nil) != (t.Status == StatusFailed) {
		return fmt.Errorf("task %s: error set=%t with status %s", t.ID, t.Error != nil, t.Status)
	}
	if (t.CompletedAt != nil) != t.Status.IsTerminal() {
		return fmt.Errorf("task %s: completed_at set=%t with status %s", t.ID, t.CompletedAt != nil, t.Status)
	}
	return nil
}

// NewTask builds the record for a freshly submitted step. A synchronous
// submission is moved PENDING -> COMPLETED before it is ever stored.
func NewTask(req SubmitRequest, res *SubmissionResult, now time.Time, maxWait time.Duration) (*Task, error) {
	t := &Task{
		ID:          res.TaskID,
		Kind:        req.Kind,
		Model:       req.Model,
		Status:      StatusPending,
		InputRef:    req.Input,
		Params:      req.Params,
		Synchronous: res.Synchronous,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if maxWait > 0 {
		t.Deadline = now.Add(maxWait)
	}
	if !res.Synchronous {
		return t, nil
	}
	return Apply(t, StatusCompleted, Patch{OutputRef: res.InlineOutput, At: now})
}
