package workflow

import (
	"fmt"
	"time"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
)

// Per-step cost in cents, keyed by kind.
var stepCostCents = map[domain.Kind]int{
	domain.KindGeneration:       30,
	domain.KindUpscale:          20,
	domain.KindRelight:          15,
	domain.KindRemoveBackground: 10,
	domain.KindStyleTransfer:    25,
	domain.KindVariants:         20,
}

const (
	defaultStepCostCents = 10
	stepDuration         = 30 * time.Second
)

// Estimate is a deterministic cost and time preview for a template.
type Estimate struct {
	TemplateID    string        `json:"template_id"`
	StepCount     int           `json:"steps_count"`
	CostCents     int           `json:"estimated_cost_cents"`
	Cost          string        `json:"estimated_cost"`
	Duration      time.Duration `json:"-"`
	TimeSeconds   int           `json:"estimated_time_seconds"`
	TimeFormatted string        `json:"estimated_time_formatted"`
	Complexity    string        `json:"complexity"`
}

// EstimateTemplate sums the per-kind cost table over the template's steps.
func EstimateTemplate(t domain.Template) Estimate {
	cents := 0
	for _, s := range t.Steps {
		c, ok := stepCostCents[s.Kind]
		if !ok {
			c = defaultStepCostCents
		}
		cents += c
	}
	d := time.Duration(len(t.Steps)) * stepDuration
	secs := int(d / time.Second)

	return Estimate{
		TemplateID:    t.ID,
		StepCount:     len(t.Steps),
		CostCents:     cents,
		Cost:          fmt.Sprintf("$%d.%02d", cents/100, cents%100),
		Duration:      d,
		TimeSeconds:   secs,
		TimeFormatted: fmt.Sprintf("%d:%02d", secs/60, secs%60),
		Complexity:    complexity(len(t.Steps)),
	}
}

func complexity(steps int) string {
	switch {
	case steps > 4:
		return "high"
	case steps > 2:
		return "medium"
	}
	return "low"
}
