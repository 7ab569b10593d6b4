package workflow

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/provider"
)

// Built-in template IDs.
const (
	ProfessionalHeadshot = "professional_headshot"
	ProductPhotography   = "product_photography"
	MarketingMaterials   = "marketing_materials"
)

// BuiltinTemplates returns the templates that ship with the orchestrator.
func BuiltinTemplates() []domain.Template {
	return []domain.Template{
		{
			ID:          ProfessionalHeadshot,
			Name:        "Professional Headshot",
			Description: "High-quality professional headshots with optimal lighting",
			Steps: []domain.StepSpec{
				{Kind: domain.KindGeneration, Model: provider.ModelImagen3, Params: map[string]any{"style": "professional_photography"}},
				{Kind: domain.KindRelight, Params: map[string]any{"lighting_style": "professional_portrait"}},
				{Kind: domain.KindUpscale, Params: map[string]any{"scale_factor": 4}},
				{Kind: domain.KindVariants, Params: map[string]any{"num_variations": 3, "variation_type": "lighting"}},
			},
		},
		{
			ID:          ProductPhotography,
			Name:        "Product Photography",
			Description: "E-commerce ready product images with multiple angles",
			Steps: []domain.StepSpec{
				{Kind: domain.KindGeneration, Model: provider.ModelImagen3, Params: map[string]any{"style": "product_photography"}},
				{Kind: domain.KindRemoveBackground},
				{Kind: domain.KindRelight, Params: map[string]any{"lighting_style": "studio"}},
				{Kind: domain.KindVariants, Params: map[string]any{"num_variations": 4, "variation_type": "angle"}},
				{Kind: domain.KindUpscale, Params: map[string]any{"scale_factor": 4}},
			},
		},
		{
			ID:          MarketingMaterials,
			Name:        "Marketing Materials",
			Description: "Social media and marketing content with brand consistency",
			Steps: []domain.StepSpec{
				{Kind: domain.KindGeneration, Model: provider.ModelMystic, Params: map[string]any{"style": "marketing"}},
				{Kind: domain.KindVariants, Params: map[string]any{"num_variations": 3, "variation_type": "style", "styles": []any{"modern", "classic", "bold"}}},
				{Kind: domain.KindVariants, Params: map[string]any{"num_variations": 3, "variation_type": "aspect_ratio", "ratios": []any{"16:9", "1:1", "9:16"}}},
				{Kind: domain.KindUpscale, Params: map[string]any{"scale_factor": 2}},
			},
		},
	}
}

type templateFile struct {
	Templates []domain.Template `yaml:"templates"`
}

// LoadTemplates reads additional templates from a YAML file of the form
//
//	templates:
//	  - id: quick_product
//	    name: Quick product shot
//	    steps:
//	      - kind: generation
//	        model: classic-fast
//	      - kind: remove_background
func LoadTemplates(path string) ([]domain.Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates %s: %w", path, err)
	}
	var f templateFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}
	return f.Templates, nil
}

// Catalog holds the immutable set of templates known to the engine.
type Catalog struct {
	templates map[string]domain.Template
}

// NewCatalog validates and registers templates. Later templates replace
// earlier ones with the same ID, so a file can override a built-in.
func NewCatalog(templates ...domain.Template) (*Catalog, error) {
	c := &Catalog{templates: make(map[string]domain.Template, len(templates))}
	for _, t := range templates {
		if err := ValidateTemplate(t); err != nil {
			return nil, err
		}
		c.templates[t.ID] = cloneTemplate(t)
	}
	return c, nil
}

// Get returns a copy of the template registered under id.
func (c *Catalog) Get(id string) (domain.Template, error) {
	t, ok := c.templates[id]
	if !ok {
		return domain.Template{}, &domain.TemplateNotFoundError{TemplateID: id}
	}
	return cloneTemplate(t), nil
}

// List returns every template ordered by ID.
func (c *Catalog) List() []domain.Template {
	out := make([]domain.Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneTemplate(t domain.Template) domain.Template {
	c := t
	c.Steps = make([]domain.StepSpec, len(t.Steps))
	for i, s := range t.Steps {
		c.Steps[i] = s.Clone()
	}
	return c
}
