package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/version"
	"github.com/bader1919/freepik-ai-orchestrator/internal/workflow"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/telemetry"
)

// Engine is the workflow surface the REST API needs.
type Engine interface {
	Start(ctx context.Context, templateID, input string) (string, error)
	StartRecommended(ctx context.Context, rec domain.Recommendation, input string) (string, error)
	GetRun(ctx context.Context, runID string) (*workflow.RunSnapshot, error)
	CancelRun(ctx context.Context, runID string) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTemplates() []workflow.TemplateSummary
	Estimate(templateID string) (workflow.Estimate, error)
	Durable() bool
}

// StatusInfo is reported by GET /api/v1/status.
type StatusInfo struct {
	Environment     string `json:"environment"`
	StoreBackend    string `json:"store_backend"`
	SignalTransport string `json:"signal_transport"`
}

// REST handles the caller-facing HTTP API.
type REST struct {
	engine      Engine
	recommender workflow.Recommender
	info        StatusInfo
	ready       telemetry.ReadyFunc
	logger      *slog.Logger
}

// NewREST creates a new REST handler. ready may be nil.
func NewREST(engine Engine, recommender workflow.Recommender, info StatusInfo, ready telemetry.ReadyFunc, logger *slog.Logger) *REST {
	return &REST{engine: engine, recommender: recommender, info: info, ready: ready, logger: logger}
}

// StartRunRequest is the JSON body for POST /api/v1/runs. Exactly one of
// TemplateID, Recommendation or Auto selects the workflow.
type StartRunRequest struct {
	TemplateID     string                 `json:"template_id,omitempty"`
	Recommendation *domain.Recommendation `json:"recommendation,omitempty"`
	Auto           bool                   `json:"auto,omitempty"`
	Input          string                 `json:"input"`
	Preferences    map[string]any         `json:"preferences,omitempty"`
}

// StartRunResponse is the 202 response body.
type StartRunResponse struct {
	RunID          string                 `json:"run_id"`
	TemplateID     string                 `json:"template_id,omitempty"`
	Recommendation *domain.Recommendation `json:"recommendation,omitempty"`
}

// StartRun handles POST /api/v1/runs.
func (h *REST) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.start_run")
	defer span.End()

	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	selectors := 0
	for _, set := range []bool{req.TemplateID != "", req.Recommendation != nil, req.Auto} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		writeError(w, http.StatusBadRequest, "exactly one of 'template_id', 'recommendation' or 'auto' is required")
		return
	}

	var (
		resp StartRunResponse
		err  error
	)
	switch {
	case req.TemplateID != "":
		resp.TemplateID = req.TemplateID
		resp.RunID, err = h.engine.Start(ctx, req.TemplateID, req.Input)
	case req.Auto:
		if strings.TrimSpace(req.Input) == "" {
			writeError(w, http.StatusBadRequest, "field 'input' is required")
			return
		}
		var rec domain.Recommendation
		rec, err = h.recommender.Recommend(ctx, req.Input, req.Preferences)
		if err == nil {
			resp.Recommendation = &rec
			resp.RunID, err = h.engine.StartRecommended(ctx, rec, req.Input)
		}
	default:
		resp.Recommendation = req.Recommendation
		resp.RunID, err = h.engine.StartRecommended(ctx, *req.Recommendation, req.Input)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start run failed")
		h.writeDomainError(w, err, "start run")
		return
	}

	span.SetAttributes(attribute.String("run.id", resp.RunID))
	h.logger.Info("run accepted", slog.String("run_id", resp.RunID), slog.String("template_id", resp.TemplateID))

	w.Header().Set("Location", "/api/v1/runs/"+resp.RunID)
	writeJSON(w, http.StatusAccepted, resp)
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *REST) GetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "get run")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// CancelRun handles DELETE /api/v1/runs/{id}.
func (h *REST) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := h.engine.CancelRun(r.Context(), runID); err != nil {
		h.writeDomainError(w, err, "cancel run")
		return
	}
	snap, err := h.engine.GetRun(r.Context(), runID)
	if err != nil {
		h.writeDomainError(w, err, "get run")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.engine.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTemplates handles GET /api/v1/templates.
func (h *REST) ListTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": h.engine.ListTemplates()})
}

// EstimateTemplate handles GET /api/v1/templates/{id}/estimate.
func (h *REST) EstimateTemplate(w http.ResponseWriter, r *http.Request) {
	est, err := h.engine.Estimate(chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err, "estimate")
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// Status handles GET /api/v1/status.
func (h *REST) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"environment":      h.info.Environment,
		"store_backend":    h.info.StoreBackend,
		"signal_transport": h.info.SignalTransport,
		"durable":          h.engine.Durable(),
		"version":          version.Version,
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. A ready instance on the memory store reports
// durable=false.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "durable": h.engine.Durable()})
}

func (h *REST) writeDomainError(w http.ResponseWriter, err error, op string) {
	var (
		verr  *domain.ValidationError
		tnf   *domain.TaskNotFoundError
		rnf   *domain.RunNotFoundError
		tplNF *domain.TemplateNotFoundError
		perr  *domain.ProviderError
		rl    *domain.RateLimitExceededError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "problems": verr.Problems})
	case errors.As(err, &tnf), errors.As(err, &rnf), errors.As(err, &tplNF):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &rl):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &perr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error(op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
