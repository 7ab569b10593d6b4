package domain

import "time"

// StepSpec describes one step of a workflow template.
type StepSpec struct {
	Kind   Kind           `json:"kind" yaml:"kind"`
	Model  string         `json:"model,omitempty" yaml:"model,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// InputFrom names the step whose output feeds this one. Nil means the
	// previous step (or the initial input for step 0); InitialInput means the
	// run's initial input.
	InputFrom *int `json:"input_from,omitempty" yaml:"input_from,omitempty"`
}

// InitialInput is the InputFrom value that selects the run's initial input.
const InitialInput = -1

// Source returns the index of the step feeding step i, or InitialInput.
func (s StepSpec) Source(i int) int {
	if s.InputFrom != nil {
		return *s.InputFrom
	}
	if i == 0 {
		return InitialInput
	}
	return i - 1
}

// Clone returns a copy with its own Params map.
func (s StepSpec) Clone() StepSpec {
	c := s
	if s.Params != nil {
		c.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	if s.InputFrom != nil {
		v := *s.InputFrom
		c.InputFrom = &v
	}
	return c
}

// Template is a named, immutable sequence of steps.
type Template struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []StepSpec `json:"steps" yaml:"steps"`
}

// RunStatus mirrors the task statuses; a run is COMPLETED only when every
// step is.
type RunStatus = Status

// StepFailure identifies the step that halted a run.
type StepFailure struct {
	Index  int      `json:"step_index"`
	Kind   Kind     `json:"kind"`
	TaskID string   `json:"task_id"`
	Error  *Failure `json:"error,omitempty"`
}

// WorkflowRun is a live execution of a template.
type WorkflowRun struct {
	ID          string       `json:"run_id"`
	TemplateID  string       `json:"template_id"`
	Steps       []StepSpec   `json:"steps"`
	Input       string       `json:"input"`
	TaskIDs     []string     `json:"task_ids"`
	Outputs     []string     `json:"outputs"`
	Status      RunStatus    `json:"status"`
	CurrentStep int          `json:"current_step_index"`
	OutputRef   string       `json:"output_ref,omitempty"`
	Failure     *StepFailure `json:"failure,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Version     int64        `json:"version"`
}

// Clone returns a deep copy of the run.
func (r *WorkflowRun) Clone() *WorkflowRun {
	if r == nil {
		return nil
	}
	c := *r
	c.Steps = make([]StepSpec, len(r.Steps))
	for i, s := range r.Steps {
		c.Steps[i] = s.Clone()
	}
	c.TaskIDs = append([]string(nil), r.TaskIDs...)
	c.Outputs = append([]string(nil), r.Outputs...)
	if r.Failure != nil {
		f := *r.Failure
		if r.Failure.Error != nil {
			e := *r.Failure.Error
			f.Error = &e
		}
		c.Failure = &f
	}
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// CurrentTaskID returns the task of the current step, or "" if none exists yet.
func (r *WorkflowRun) CurrentTaskID() string {
	if r.CurrentStep < len(r.TaskIDs) {
		return r.TaskIDs[r.CurrentStep]
	}
	return ""
}

// Recommendation is the opaque (model, parameters) seed for an ad-hoc
// workflow, produced by a Recommender.
type Recommendation struct {
	Model          string         `json:"model"`
	Style          string         `json:"style,omitempty"`
	AspectRatio    string         `json:"aspect_ratio,omitempty"`
	PostProcessing []Kind         `json:"post_processing,omitempty"`
	EnhancedPrompt string         `json:"enhanced_prompt,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// RunEventType names a workflow lifecycle event.
type RunEventType string

const (
	EventRunStarted    RunEventType = "run.started"
	EventStepSubmitted RunEventType = "step.submitted"
	EventRunCompleted  RunEventType = "run.completed"
	EventRunFailed     RunEventType = "run.failed"
	EventRunCancelled  RunEventType = "run.cancelled"
)

// RunEvent is published whenever a run starts, submits a step or finishes.
type RunEvent struct {
	Type       RunEventType `json:"type"`
	RunID      string       `json:"run_id"`
	TemplateID string       `json:"template_id"`
	Status     RunStatus    `json:"status"`
	StepIndex  int          `json:"step_index"`
	TaskID     string       `json:"task_id,omitempty"`
	OutputRef  string       `json:"output_ref,omitempty"`
	Failure    *StepFailure `json:"failure,omitempty"`
	At         time.Time    `json:"at"`
}
