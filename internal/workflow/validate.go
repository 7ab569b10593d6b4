package workflow

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/provider"
)

// MaxPromptLength is the longest prompt the provider accepts.
const MaxPromptLength = 2000

var upscaleFactors = []int{2, 4, 8}

// ValidateTemplate checks a template's structure without looking at any
// concrete input.
func ValidateTemplate(t domain.Template) error {
	var problems []string
	if strings.TrimSpace(t.ID) == "" {
		problems = append(problems, "template id is required")
	}
	problems = append(problems, validateSteps(t.Steps)...)
	if len(problems) > 0 {
		subject := "template"
		if t.ID != "" {
			subject = "template " + t.ID
		}
		return &domain.ValidationError{Subject: subject, Problems: problems}
	}
	return nil
}

func validateSteps(steps []domain.StepSpec) []string {
	if len(steps) == 0 {
		return []string{"at least one step is required"}
	}

	var problems []string
	for i, s := range steps {
		prefix := fmt.Sprintf("step %d (%s)", i, s.Kind)
		if !s.Kind.Valid() {
			problems = append(problems, fmt.Sprintf("step %d: unknown kind %q", i, s.Kind))
			continue
		}
		if s.InputFrom != nil {
			if from := *s.InputFrom; from != domain.InitialInput && (from < 0 || from >= i) {
				problems = append(problems, fmt.Sprintf("%s: input_from %d must name an earlier step", prefix, from))
			}
		}

		switch s.Kind {
		case domain.KindGeneration:
			if s.Model != "" && !slices.Contains(provider.GenerationModels, s.Model) {
				problems = append(problems, fmt.Sprintf("%s: unknown model %q", prefix, s.Model))
			}
			if s.Source(i) != domain.InitialInput {
				problems = append(problems, prefix+": generation takes the prompt, not an earlier step's image")
			}
		case domain.KindUpscale:
			if v, ok := s.Params["scale_factor"]; ok {
				if f, isInt := asInt(v); !isInt || !slices.Contains(upscaleFactors, f) {
					problems = append(problems, fmt.Sprintf("%s: scale_factor must be 2, 4, or 8", prefix))
				}
			}
		case domain.KindStyleTransfer:
			if ref, _ := s.Params["style_image_url"].(string); strings.TrimSpace(ref) == "" {
				problems = append(problems, prefix+": style_image_url is required")
			}
		}
	}
	return problems
}

// validateInput checks the initial input against every step that consumes it.
func validateInput(steps []domain.StepSpec, input string) error {
	var problems []string
	if strings.TrimSpace(input) == "" {
		problems = append(problems, "input is required")
	} else {
		for i, s := range steps {
			if s.Source(i) != domain.InitialInput {
				continue
			}
			if s.Kind == domain.KindGeneration {
				if n := utf8.RuneCountInString(input); n > MaxPromptLength {
					problems = append(problems, fmt.Sprintf("prompt too long (%d characters, max %d)", n, MaxPromptLength))
				}
			} else if !isImageRef(input) {
				problems = append(problems, fmt.Sprintf("step %d (%s) needs an image URL as input", i, s.Kind))
			}
		}
	}
	if len(problems) > 0 {
		return &domain.ValidationError{Subject: "workflow input", Problems: dedupe(problems)}
	}
	return nil
}

func isImageRef(s string) bool {
	if strings.HasPrefix(s, "data:image/") {
		return true
	}
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// asInt accepts the numeric shapes YAML and JSON decoding produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func dedupe(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
