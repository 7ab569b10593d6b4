package workflow

import (
	"context"
	"strings"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/provider"
)

// Recommender turns a free-form request into a model and parameter choice.
// Implementations may call out to an LLM; the engine only sees the result.
type Recommender interface {
	Recommend(ctx context.Context, input string, preferences map[string]any) (domain.Recommendation, error)
}

const (
	shortPromptLength = 50
	promptSuffix      = ", high quality, detailed, professional"
	defaultAspect     = "16:9"
)

var keywordRules = []struct {
	model    string
	style    string
	keywords []string
}{
	{provider.ModelImagen3, "photorealistic", []string{"professional", "headshot", "portrait", "product", "photography", "realistic"}},
	{provider.ModelFluxDev, "artistic", []string{"artistic", "creative", "abstract", "stylized", "concept", "illustration"}},
	{provider.ModelClassicFast, "basic", []string{"simple", "quick", "basic", "draft"}},
}

// KeywordRecommender picks a model by matching keywords in the prompt.
type KeywordRecommender struct{}

func (KeywordRecommender) Recommend(_ context.Context, input string, preferences map[string]any) (domain.Recommendation, error) {
	lower := strings.ToLower(input)
	rec := domain.Recommendation{
		Model:       provider.ModelMystic,
		Style:       "balanced",
		AspectRatio: defaultAspect,
	}
	for _, rule := range keywordRules {
		if containsAny(lower, rule.keywords) {
			rec.Model, rec.Style = rule.model, rule.style
			break
		}
	}

	rec.EnhancedPrompt = input
	if len(input) < shortPromptLength {
		rec.EnhancedPrompt += promptSuffix
	}
	if strings.Contains(lower, "professional") {
		rec.PostProcessing = []domain.Kind{domain.KindUpscale}
	}

	if m, ok := preferences["model"].(string); ok && m != "" {
		rec.Model = m
	}
	if a, ok := preferences["aspect_ratio"].(string); ok && a != "" {
		rec.AspectRatio = a
	}
	if s, ok := preferences["style"].(string); ok && s != "" {
		rec.Style = s
	}
	return rec, nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// PlanRecommendation builds an ad-hoc template: one generation step followed
// by the recommended post-processing kinds, each fed by the step before it.
func PlanRecommendation(rec domain.Recommendation) domain.Template {
	gen := map[string]any{}
	for k, v := range rec.Params {
		gen[k] = v
	}
	if rec.Style != "" {
		gen["style"] = rec.Style
	}
	if rec.AspectRatio != "" {
		gen["aspect_ratio"] = rec.AspectRatio
	}

	model := rec.Model
	if model == "" {
		model = provider.DefaultModel
	}
	steps := []domain.StepSpec{{Kind: domain.KindGeneration, Model: model, Params: gen}}
	for _, k := range rec.PostProcessing {
		steps = append(steps, domain.StepSpec{Kind: k})
	}
	return domain.Template{
		ID:    "adhoc:" + model,
		Name:  "Recommended workflow",
		Steps: steps,
	}
}
