package provider

import (
	"fmt"
	"sync"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
)

// Generation models known to the provider.
const (
	ModelMystic      = "mystic"
	ModelImagen3     = "imagen3"
	ModelFluxDev     = "flux-dev"
	ModelClassicFast = "classic-fast"
)

// DefaultModel is used for generation steps that do not name one.
const DefaultModel = ModelMystic

// GenerationModels lists the accepted generation models.
var GenerationModels = []string{ModelMystic, ModelImagen3, ModelFluxDev, ModelClassicFast}

// Operation describes how one task kind maps onto the provider API.
type Operation interface {
	Kind() domain.Kind
	// Endpoint is the submission path; polling appends "/<task_id>".
	Endpoint(model string) string
	// Synchronous reports whether the provider answers inline for model.
	Synchronous(model string) bool
	// Payload builds the JSON request body, without the callback URL.
	Payload(req domain.SubmitRequest) (map[string]any, error)
}

// Registry maps task kinds to their operations.
type Registry struct {
	mu  sync.RWMutex
	ops map[domain.Kind]Operation
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[domain.Kind]Operation)}
}

// DefaultRegistry returns a registry holding every built-in operation.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(generation{})
	r.Register(imageOp{kind: domain.KindUpscale, path: "/v1/ai/image-upscaler", defaults: map[string]any{"scale_factor": 4}})
	r.Register(imageOp{kind: domain.KindRelight, path: "/v1/ai/image-relight", defaults: map[string]any{"lighting_style": "professional"}})
	r.Register(imageOp{kind: domain.KindRemoveBackground, path: "/v1/ai/remove-background/beta", sync: true})
	r.Register(imageOp{kind: domain.KindVariants, path: "/v1/ai/image-variations", defaults: map[string]any{"num_variations": 1}})
	r.Register(styleTransfer{})
	return r
}

// Register adds an operation. Safe to call concurrently.
func (r *Registry) Register(op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op.Kind()] = op
}

// Get returns the operation for kind, or UnknownKindError.
func (r *Registry) Get(kind domain.Kind) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[kind]
	if !ok {
		return nil, &domain.UnknownKindError{Kind: kind}
	}
	return op, nil
}

// ── built-in operations ─────────────────────────────────────────────────────

type generation struct{}

func (generation) Kind() domain.Kind { return domain.KindGeneration }

func (generation) Endpoint(model string) string {
	switch model {
	case ModelClassicFast:
		return "/v1/ai/text-to-image"
	case "":
		return "/v1/ai/text-to-image/" + DefaultModel
	}
	return "/v1/ai/text-to-image/" + model
}

func (generation) Synchronous(model string) bool { return model == ModelClassicFast }

func (generation) Payload(req domain.SubmitRequest) (map[string]any, error) {
	if req.Input == "" {
		return nil, fmt.Errorf("generation requires a prompt")
	}
	p := copyParams(req.Params)
	p["prompt"] = req.Input
	return p, nil
}

// imageOp covers the post-processing operations taking a single image_url.
type imageOp struct {
	kind     domain.Kind
	path     string
	sync     bool
	defaults map[string]any
}

func (o imageOp) Kind() domain.Kind       { return o.kind }
func (o imageOp) Endpoint(string) string  { return o.path }
func (o imageOp) Synchronous(string) bool { return o.sync }

func (o imageOp) Payload(req domain.SubmitRequest) (map[string]any, error) {
	if req.Input == "" {
		return nil, fmt.Errorf("%s requires an input image", o.kind)
	}
	p := copyParams(req.Params)
	for k, v := range o.defaults {
		if _, ok := p[k]; !ok {
			p[k] = v
		}
	}
	p["image_url"] = req.Input
	return p, nil
}

type styleTransfer struct{}

func (styleTransfer) Kind() domain.Kind       { return domain.KindStyleTransfer }
func (styleTransfer) Endpoint(string) string  { return "/v1/ai/image-style-transfer" }
func (styleTransfer) Synchronous(string) bool { return false }

func (styleTransfer) Payload(req domain.SubmitRequest) (map[string]any, error) {
	style, _ := req.Params["style_image_url"].(string)
	if req.Input == "" || style == "" {
		return nil, fmt.Errorf("style_transfer requires an input image and style_image_url")
	}
	p := copyParams(req.Params)
	p["source_image_url"] = req.Input
	return p, nil
}

func copyParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
