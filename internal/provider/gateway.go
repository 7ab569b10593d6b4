package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/version"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/retry"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/telemetry"
)

const (
	apiKeyHeader    = "x-freepik-api-key"
	maxResponseBody = 8 << 20
)

var errNoResult = errors.New("response carried neither a task id nor a result")

// Config holds the provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	// WebhookURL receives completion callbacks. Empty disables callbacks and
	// leaves completion to polling.
	WebhookURL  string
	Environment string
	Timeout     time.Duration
	Retry       retry.Config
}

// Gateway is the uniform client for the provider's generation and
// post-processing API. It holds no per-task state.
type Gateway struct {
	cfg     Config
	client  *http.Client
	ops     *Registry
	limiter Limiter
	logger  *slog.Logger
	newID   func() string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option { return func(g *Gateway) { g.client = c } }

// WithRegistry replaces the built-in operation registry.
func WithRegistry(r *Registry) Option { return func(g *Gateway) { g.ops = r } }

// WithLimiter enables per-kind submission rate limiting.
func WithLimiter(l Limiter) Option { return func(g *Gateway) { g.limiter = l } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }

// WithIDGenerator sets how local ids for synchronous results are made.
func WithIDGenerator(fn func() string) Option { return func(g *Gateway) { g.newID = fn } }

// NewGateway creates a Gateway.
func NewGateway(cfg Config, opts ...Option) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = retry.IsTransient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	g := &Gateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		ops:    DefaultRegistry(),
		logger: slog.Default(),
		newID:  func() string { return ulid.Make().String() },
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Synchronous reports whether kind/model is answered inline.
func (g *Gateway) Synchronous(kind domain.Kind, model string) (bool, error) {
	op, err := g.ops.Get(kind)
	if err != nil {
		return false, err
	}
	return op.Synchronous(model), nil
}

// Submit sends one operation. Synchronous operations return their result
// inline under a locally generated task id.
func (g *Gateway) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmissionResult, error) {
	op, err := g.ops.Get(req.Kind)
	if err != nil {
		return nil, err
	}

	payload, err := op.Payload(req)
	if err != nil {
		return nil, &domain.ValidationError{Subject: string(req.Kind) + " step", Problems: []string{err.Error()}}
	}

	sync := op.Synchronous(req.Model)
	if !sync && g.cfg.WebhookURL != "" {
		model := req.Model
		if model == "" {
			model = string(req.Kind)
		}
		cb, err := CallbackURL(g.cfg.WebhookURL, domain.Correlation{Model: model, Kind: req.Kind, Env: g.cfg.Environment})
		if err != nil {
			return nil, err
		}
		payload["webhook_url"] = cb
	}

	status, body, err := g.call(ctx, "submit", req.Kind, http.MethodPost, op.Endpoint(req.Model), payload, g.admit)
	if err != nil {
		return nil, err
	}
	resp, err := parseResponse(body)
	if err != nil {
		return nil, &domain.ProviderError{Op: "submit", StatusCode: status, Body: string(body), Err: err}
	}

	if sync {
		if resp.OutputRef == "" {
			return nil, &domain.ProviderError{Op: "submit", StatusCode: status, Body: string(body), Err: errNoResult}
		}
		return &domain.SubmissionResult{TaskID: g.newID(), Synchronous: true, InlineOutput: resp.OutputRef}, nil
	}
	if resp.TaskID == "" {
		return nil, &domain.ProviderError{Op: "submit", StatusCode: status, Body: string(body), Err: errNoResult}
	}
	return &domain.SubmissionResult{TaskID: resp.TaskID}, nil
}

// Poll asks the provider for a task's current status.
func (g *Gateway) Poll(ctx context.Context, taskID string, kind domain.Kind, model string) (*domain.PollResult, error) {
	op, err := g.ops.Get(kind)
	if err != nil {
		return nil, err
	}
	status, body, err := g.call(ctx, "poll", kind, http.MethodGet, op.Endpoint(model)+"/"+taskID, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := parseResponse(body)
	if err != nil {
		return nil, &domain.ProviderError{Op: "poll", StatusCode: status, Body: string(body), Err: err}
	}
	st, ok := NormalizeStatus(resp.Status)
	if !ok {
		return nil, &domain.ProviderError{Op: "poll", StatusCode: status, Body: string(body),
			Err: fmt.Errorf("unknown status %q", resp.Status)}
	}
	return &domain.PollResult{Status: st, OutputRef: resp.OutputRef, Error: resp.Error}, nil
}

// Cancel asks the provider to stop a task. Providers that do not support
// cancellation answer 404 or 405, which is not an error.
func (g *Gateway) Cancel(ctx context.Context, taskID string, kind domain.Kind, model string) error {
	op, err := g.ops.Get(kind)
	if err != nil {
		return err
	}
	_, _, err = g.call(ctx, "cancel", kind, http.MethodDelete, op.Endpoint(model)+"/"+taskID, nil, nil)
	var pe *domain.ProviderError
	if errors.As(err, &pe) && (pe.StatusCode == http.StatusNotFound || pe.StatusCode == http.StatusMethodNotAllowed) {
		return nil
	}
	return err
}

// admit consumes one submission slot for kind. A limiter outage lets the
// submission through.
func (g *Gateway) admit(ctx context.Context, kind domain.Kind) error {
	if g.limiter == nil {
		return nil
	}
	ok, err := g.limiter.Allow(ctx, string(kind))
	if err != nil {
		g.logger.Warn("submission limiter unavailable, allowing",
			slog.String("kind", string(kind)), slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		telemetry.ProviderRateLimitedTotal.WithLabelValues(string(kind)).Inc()
		return &domain.RateLimitExceededError{Kind: kind, Limit: g.limiter.Limit()}
	}
	return nil
}

// call performs one logical request, retrying transient failures. gate, when
// set, runs before every attempt and shares the retry budget.
func (g *Gateway) call(ctx context.Context, op string, kind domain.Kind, method, path string, payload map[string]any,
	gate func(context.Context, domain.Kind) error) (int, []byte, error) {
	ctx, span := otel.Tracer("provider").Start(ctx, "provider."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("provider.kind", string(kind)),
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)

	var raw []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		raw = b
	}

	start := time.Now()
	defer func() {
		telemetry.ProviderRequestDurationSeconds.WithLabelValues(op, string(kind)).Observe(time.Since(start).Seconds())
	}()

	rc := g.cfg.Retry
	rc.OnRetry = func(attempt int, err error) {
		telemetry.ProviderRetriesTotal.WithLabelValues(op, string(kind)).Inc()
		g.logger.Warn("provider call failed, retrying",
			slog.String("op", op),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	var (
		status int
		body   []byte
	)
	err := retry.Do(ctx, rc, func() error {
		if gate != nil {
			if err := gate(ctx, kind); err != nil {
				status, body = 0, nil
				return err
			}
		}
		var err error
		status, body, err = g.do(ctx, op, method, path, raw)
		code := strconv.Itoa(status)
		if status == 0 {
			code = "transport"
		}
		telemetry.ProviderRequestsTotal.WithLabelValues(op, string(kind), code).Inc()
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		return status, body, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	return status, body, nil
}

func (g *Gateway) do(ctx context.Context, op, method, path string, raw []byte) (int, []byte, error) {
	var reader io.Reader
	if raw != nil {
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set(apiKeyHeader, g.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if raw != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, &domain.ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, &domain.ProviderError{Op: op, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, body, &domain.ProviderError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp.StatusCode, body, nil
}
