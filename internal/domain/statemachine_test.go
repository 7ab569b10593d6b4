package domain_test

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
)

var allStatuses = []domain.Status{
	domain.StatusPending, domain.StatusProcessing,
	domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
}

func patchFor(next domain.Status, at time.Time) domain.Patch {
	p := domain.Patch{At: at}
	switch next {
	case domain.StatusCompleted:
		p.OutputRef = "https://cdn.example/out.png"
	case domain.StatusFailed:
		p.Error = &domain.Failure{Reason: domain.ReasonProviderFailed, Message: "boom"}
	}
	return p
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]domain.Status]bool{
		{domain.StatusPending, domain.StatusProcessing}:   true,
		{domain.StatusPending, domain.StatusCompleted}:    true,
		{domain.StatusPending, domain.StatusFailed}:       true,
		{domain.StatusPending, domain.StatusCancelled}:    true,
		{domain.StatusProcessing, domain.StatusCompleted}: true,
		{domain.StatusProcessing, domain.StatusFailed}:    true,
		{domain.StatusProcessing, domain.StatusCancelled}: true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]domain.Status{from, to}]
			if got := domain.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %t, want %t", from, to, got, want)
			}
		}
	}
}

func TestApply_RequiresOutputAndError(t *testing.T) {
	task := &domain.Task{ID: "t", Status: domain.StatusPending}
	if _, err := domain.Apply(task, domain.StatusCompleted, domain.Patch{}); err == nil {
		t.Error("completing without output should fail")
	}
	if _, err := domain.Apply(task, domain.StatusFailed, domain.Patch{}); err == nil {
		t.Error("failing without error should fail")
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	task := &domain.Task{ID: "t", Status: domain.StatusPending}
	out, err := domain.Apply(task, domain.StatusCompleted, patchFor(domain.StatusCompleted, time.Now()))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if task.Status != domain.StatusPending || task.OutputRef != "" {
		t.Error("Apply mutated its input")
	}
	if out.CompletedAt == nil {
		t.Error("terminal task must have completed_at")
	}
}

func TestCheckPrecondition(t *testing.T) {
	tests := []struct {
		name     string
		cur      domain.Status
		expected domain.Status
		next     domain.Status
		check    func(error) bool
	}{
		{"apply", domain.StatusPending, domain.StatusPending, domain.StatusCompleted, func(err error) bool { return err == nil }},
		{"noop same terminal", domain.StatusCompleted, domain.StatusCompleted, domain.StatusCompleted, func(err error) bool { return errors.Is(err, domain.ErrNoop) }},
		{"conflict", domain.StatusCompleted, domain.StatusPending, domain.StatusCompleted, func(err error) bool {
			var ce *domain.ConflictError
			return errors.As(err, &ce)
		}},
		{"invalid out of terminal", domain.StatusFailed, domain.StatusFailed, domain.StatusCompleted, func(err error) bool {
			var ie *domain.InvalidTransitionError
			return errors.As(err, &ie)
		}},
		{"invalid backwards", domain.StatusProcessing, domain.StatusProcessing, domain.StatusPending, func(err error) bool {
			var ie *domain.InvalidTransitionError
			return errors.As(err, &ie)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := domain.CheckPrecondition(&domain.Task{ID: "t", Status: tt.cur}, tt.expected, tt.next)
			if !tt.check(err) {
				t.Errorf("unexpected result: %v", err)
			}
		})
	}
}

// TestInvariants_RandomSequences drives tasks through random transition
// attempts and checks the field invariants after every accepted step.
func TestInvariants_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for run := 0; run < 500; run++ {
		task := &domain.Task{ID: "t", Status: domain.StatusPending, CreatedAt: start, UpdatedAt: start}
		for step := 0; step < 8; step++ {
			next := allStatuses[rng.Intn(len(allStatuses))]
			at := start.Add(time.Duration(step+1) * time.Second)
			out, err := domain.Apply(task, next, patchFor(next, at))
			if err != nil {
				if domain.CanTransition(task.Status, next) {
					t.Fatalf("run %d: allowed transition %s -> %s rejected: %v", run, task.Status, next, err)
				}
				continue
			}
			if task.Status.IsTerminal() {
				t.Fatalf("run %d: left terminal status %s", run, task.Status)
			}
			task = out
			if err := task.CheckInvariants(); err != nil {
				t.Fatalf("run %d step %d: %v", run, step, err)
			}
		}
	}
}

func TestNewTask_SynchronousIsCompleted(t *testing.T) {
	now := time.Now().UTC()
	req := domain.SubmitRequest{Kind: domain.KindRemoveBackground, Input: "https://img/in.png"}
	task, err := domain.NewTask(req, &domain.SubmissionResult{TaskID: "local", Synchronous: true, InlineOutput: "https://img/out.png"}, now, time.Minute)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if task.Status != domain.StatusCompleted || task.OutputRef != "https://img/out.png" {
		t.Errorf("synchronous task = %s/%q, want COMPLETED with inline output", task.Status, task.OutputRef)
	}
	if err := task.CheckInvariants(); err != nil {
		t.Error(err)
	}

	async, err := domain.NewTask(req, &domain.SubmissionResult{TaskID: "p-1"}, now, time.Minute)
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	if async.Status != domain.StatusPending || !async.Deadline.Equal(now.Add(time.Minute)) {
		t.Errorf("async task = %s deadline %s", async.Status, async.Deadline)
	}
}
