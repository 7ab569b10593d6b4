package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/provider"
	"github.com/bader1919/freepik-ai-orchestrator/internal/reconcile"
)

// Ingester applies completion signals in-process.
type Ingester interface {
	Ingest(ctx context.Context, sig domain.Signal) (reconcile.Outcome, error)
}

// SignalPublisher hands completion signals to the signal bus.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig domain.Signal) error
}

// Webhook receives provider completion callbacks.
type Webhook struct {
	verifier  *provider.Verifier
	ingest    Ingester
	publisher SignalPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithVerifier enables signature verification.
func WithVerifier(v *provider.Verifier) WebhookOption { return func(h *Webhook) { h.verifier = v } }

// WithPublisher routes signals through the bus instead of ingesting them here.
func WithPublisher(p SignalPublisher) WebhookOption { return func(h *Webhook) { h.publisher = p } }

func NewWebhook(ingest Ingester, logger *slog.Logger, opts ...WebhookOption) *Webhook {
	h := &Webhook{
		ingest: ingest,
		logger: logger.With(slog.String("component", "webhook")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Freepik handles POST /webhooks/freepik.
func (h *Webhook) Freepik(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("orchestrator").Start(r.Context(), "orchestrator.webhook")
	defer span.End()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if h.verifier != nil {
		if err := h.verifier.Verify(r.Header, body); err != nil {
			h.logger.Warn("callback rejected", slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	sig, err := provider.ParseCallback(body, r.URL.Query(), r.Header.Get(provider.HeaderWebhookID), h.now())
	if err != nil {
		h.logger.Warn("malformed callback", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	span.SetAttributes(
		attribute.String("task.id", sig.TaskID),
		attribute.String("signal.status", string(sig.Status)),
	)

	if h.publisher != nil {
		if err := h.publisher.PublishSignal(ctx, sig); err != nil {
			span.RecordError(err)
			h.logger.Error("queueing callback failed", slog.String("task_id", sig.TaskID), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "signal bus unavailable")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}

	outcome, err := h.ingest.Ingest(ctx, sig)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("ingesting callback failed", slog.String("task_id", sig.TaskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
