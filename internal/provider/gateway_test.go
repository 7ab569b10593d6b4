package provider_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/provider"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/retry"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type recorded struct {
	method string
	path   string
	header http.Header
	body   map[string]any
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, rec recorded)) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, header: r.Header.Clone()}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			assert.NoError(t, json.Unmarshal(raw, &rec.body))
		}
		calls = append(calls, rec)
		handler(w, r, rec)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newGateway(srv *httptest.Server, opts ...provider.Option) *provider.Gateway {
	cfg := provider.Config{
		BaseURL:     srv.URL,
		APIKey:      "test-key",
		WebhookURL:  "https://orchestrator.example/webhooks/freepik",
		Environment: "test",
		Retry:       retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond},
	}
	opts = append([]provider.Option{
		provider.WithLogger(slog.New(slog.DiscardHandler)),
		provider.WithIDGenerator(func() string { return "local-1" }),
	}, opts...)
	return provider.NewGateway(cfg, opts...)
}

// ── submit ────────────────────────────────────────────────────────────────────

func TestSubmit_AsyncGeneration(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = w.Write([]byte(`{"data":{"task_id":"fp-123","status":"CREATED","generated":[]}}`))
	})
	gw := newGateway(srv)

	res, err := gw.Submit(context.Background(), domain.SubmitRequest{
		Kind:   domain.KindGeneration,
		Model:  "imagen3",
		Input:  "headshot of a person",
		Params: map[string]any{"aspect_ratio": "square_1_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fp-123", res.TaskID)
	assert.False(t, res.Synchronous)
	assert.Empty(t, res.InlineOutput)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/v1/ai/text-to-image/imagen3", call.path)
	assert.Equal(t, "test-key", call.header.Get("x-freepik-api-key"))
	assert.Contains(t, call.header.Get("User-Agent"), "freepik-orchestrator/")
	assert.Equal(t, "headshot of a person", call.body["prompt"])
	assert.Equal(t, "square_1_1", call.body["aspect_ratio"])

	cb, err := url.Parse(call.body["webhook_url"].(string))
	require.NoError(t, err)
	assert.Equal(t, "imagen3", cb.Query().Get("source"))
	assert.Equal(t, "generation", cb.Query().Get("type"))
	assert.Equal(t, "test", cb.Query().Get("env"))
}

func TestSubmit_SynchronousShapes(t *testing.T) {
	tests := []struct {
		name     string
		req      domain.SubmitRequest
		path     string
		response string
		want     string
	}{
		{
			name:     "classic-fast inline base64",
			req:      domain.SubmitRequest{Kind: domain.KindGeneration, Model: "classic-fast", Input: "a dog"},
			path:     "/v1/ai/text-to-image",
			response: `{"data":[{"base64":"aGVsbG8=","has_nsfw":false}],"meta":{}}`,
			want:     "data:image/png;base64,aGVsbG8=",
		},
		{
			name:     "remove background urls",
			req:      domain.SubmitRequest{Kind: domain.KindRemoveBackground, Input: "https://cdn/in.png"},
			path:     "/v1/ai/remove-background/beta",
			response: `{"original":"https://cdn/in.png","high_resolution":"https://cdn/nobg.png","preview":"https://cdn/p.png"}`,
			want:     "https://cdn/nobg.png",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
				_, _ = w.Write([]byte(tt.response))
			})
			res, err := newGateway(srv).Submit(context.Background(), tt.req)
			require.NoError(t, err)
			assert.True(t, res.Synchronous)
			assert.Equal(t, "local-1", res.TaskID)
			assert.Equal(t, tt.want, res.InlineOutput)

			require.Len(t, *calls, 1)
			assert.Equal(t, tt.path, (*calls)[0].path)
			assert.NotContains(t, (*calls)[0].body, "webhook_url", "synchronous calls carry no callback")
		})
	}
}

func TestSubmit_PostProcessingPayloads(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = w.Write([]byte(`{"data":{"task_id":"fp-9"}}`))
	})
	gw := newGateway(srv)
	ctx := context.Background()

	_, err := gw.Submit(ctx, domain.SubmitRequest{Kind: domain.KindUpscale, Input: "https://cdn/a.png"})
	require.NoError(t, err)
	_, err = gw.Submit(ctx, domain.SubmitRequest{Kind: domain.KindRelight, Input: "https://cdn/a.png",
		Params: map[string]any{"lighting_style": "studio"}})
	require.NoError(t, err)
	_, err = gw.Submit(ctx, domain.SubmitRequest{Kind: domain.KindStyleTransfer, Input: "https://cdn/a.png",
		Params: map[string]any{"style_image_url": "https://cdn/style.png"}})
	require.NoError(t, err)

	require.Len(t, *calls, 3)
	assert.Equal(t, "/v1/ai/image-upscaler", (*calls)[0].path)
	assert.Equal(t, "https://cdn/a.png", (*calls)[0].body["image_url"])
	assert.EqualValues(t, 4, (*calls)[0].body["scale_factor"])

	assert.Equal(t, "/v1/ai/image-relight", (*calls)[1].path)
	assert.Equal(t, "studio", (*calls)[1].body["lighting_style"])

	assert.Equal(t, "/v1/ai/image-style-transfer", (*calls)[2].path)
	assert.Equal(t, "https://cdn/a.png", (*calls)[2].body["source_image_url"])
	assert.Equal(t, "https://cdn/style.png", (*calls)[2].body["style_image_url"])
}

func TestSubmit_NonRetryableErrorSurfacesBody(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"prompt is required"}`))
	})
	_, err := newGateway(srv).Submit(context.Background(),
		domain.SubmitRequest{Kind: domain.KindGeneration, Model: "mystic", Input: "x"})

	var pe *domain.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusUnprocessableEntity, pe.StatusCode)
	assert.Equal(t, `{"message":"prompt is required"}`, pe.Body)
	assert.False(t, pe.Retryable())
	assert.Len(t, *calls, 1, "4xx validation errors must not be retried")
}

func TestSubmit_RetriesTransientErrors(t *testing.T) {
	var n atomic.Int32
	srv, _ := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"task_id":"fp-ok"}}`))
	})
	res, err := newGateway(srv).Submit(context.Background(),
		domain.SubmitRequest{Kind: domain.KindGeneration, Model: "flux-dev", Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, "fp-ok", res.TaskID)
	assert.Equal(t, int32(3), n.Load())
}

func TestSubmit_GivesUpAfterMaxAttempts(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := newGateway(srv).Submit(context.Background(),
		domain.SubmitRequest{Kind: domain.KindGeneration, Model: "mystic", Input: "x"})

	var pe *domain.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.Len(t, *calls, 3)
}

func TestSubmit_MissingTaskID(t *testing.T) {
	srv, _ := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	})
	_, err := newGateway(srv).Submit(context.Background(),
		domain.SubmitRequest{Kind: domain.KindGeneration, Model: "mystic", Input: "x"})
	var pe *domain.ProviderError
	assert.ErrorAs(t, err, &pe)
}

func TestSubmit_UnknownKindAndRateLimit(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = w.Write([]byte(`{"data":{"task_id":"fp"}}`))
	})

	_, err := newGateway(srv).Submit(context.Background(), domain.SubmitRequest{Kind: "inpaint", Input: "x"})
	var uk *domain.UnknownKindError
	assert.ErrorAs(t, err, &uk)

	gw := newGateway(srv, provider.WithLimiter(provider.NewLocalLimiter(1)))
	req := domain.SubmitRequest{Kind: domain.KindUpscale, Input: "https://cdn/a.png"}
	_, err = gw.Submit(context.Background(), req)
	require.NoError(t, err)
	_, err = gw.Submit(context.Background(), req)
	var rl *domain.RateLimitExceededError
	require.ErrorAs(t, err, &rl)
	assert.True(t, rl.Retryable())
	assert.Len(t, *calls, 1, "a limited submission never reaches the provider")
}

// scriptedLimiter denies the first deny calls, then allows.
type scriptedLimiter struct {
	deny   int32
	checks atomic.Int32
	err    error
}

func (l *scriptedLimiter) Allow(context.Context, string) (bool, error) {
	n := l.checks.Add(1)
	if l.err != nil {
		return false, l.err
	}
	return n > l.deny, nil
}

func (l *scriptedLimiter) Limit() int { return 1 }

func TestSubmit_RateLimitDenialIsRetried(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = w.Write([]byte(`{"data":{"task_id":"fp-after-wait"}}`))
	})
	limiter := &scriptedLimiter{deny: 1}
	gw := newGateway(srv, provider.WithLimiter(limiter))

	res, err := gw.Submit(context.Background(), domain.SubmitRequest{Kind: domain.KindUpscale, Input: "https://cdn/a.png"})
	require.NoError(t, err)
	assert.Equal(t, "fp-after-wait", res.TaskID)
	assert.Equal(t, int32(2), limiter.checks.Load(), "the denied attempt is retried")
	assert.Len(t, *calls, 1, "only the admitted attempt reaches the provider")
}

func TestSubmit_RateLimitExhaustsRetryBudget(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = w.Write([]byte(`{"data":{"task_id":"fp"}}`))
	})
	limiter := &scriptedLimiter{deny: 100}
	gw := newGateway(srv, provider.WithLimiter(limiter))

	_, err := gw.Submit(context.Background(), domain.SubmitRequest{Kind: domain.KindUpscale, Input: "https://cdn/a.png"})
	var rl *domain.RateLimitExceededError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, int32(3), limiter.checks.Load())
	assert.Empty(t, *calls)
}

func TestSubmit_LimiterOutageAllows(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = w.Write([]byte(`{"data":{"task_id":"fp"}}`))
	})
	gw := newGateway(srv, provider.WithLimiter(&scriptedLimiter{err: io.ErrUnexpectedEOF}))

	_, err := gw.Submit(context.Background(), domain.SubmitRequest{Kind: domain.KindUpscale, Input: "https://cdn/a.png"})
	require.NoError(t, err)
	assert.Len(t, *calls, 1)
}

// ── poll / cancel ────────────────────────────────────────────────────────────

func TestPoll(t *testing.T) {
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = w.Write([]byte(`{"data":{"task_id":"fp-1","status":"COMPLETED","generated":["https://cdn/out.png"]}}`))
	})
	res, err := newGateway(srv).Poll(context.Background(), "fp-1", domain.KindGeneration, "mystic")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Status)
	assert.Equal(t, "https://cdn/out.png", res.OutputRef)
	assert.Equal(t, http.MethodGet, (*calls)[0].method)
	assert.Equal(t, "/v1/ai/text-to-image/mystic/fp-1", (*calls)[0].path)
}

func TestPoll_InProgressAndFailed(t *testing.T) {
	body := `{"data":{"status":"IN_PROGRESS"}}`
	srv, _ := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		_, _ = w.Write([]byte(body))
	})
	gw := newGateway(srv)

	res, err := gw.Poll(context.Background(), "fp-1", domain.KindUpscale, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, res.Status)

	body = `{"data":{"status":"FAILED","error":"nsfw content"}}`
	res, err = gw.Poll(context.Background(), "fp-1", domain.KindUpscale, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Equal(t, "nsfw content", res.Error)
}

func TestCancel_NotSupportedIsNotAnError(t *testing.T) {
	code := http.StatusMethodNotAllowed
	srv, calls := newServer(t, func(w http.ResponseWriter, _ *http.Request, _ recorded) {
		w.WriteHeader(code)
	})
	gw := newGateway(srv)
	require.NoError(t, gw.Cancel(context.Background(), "fp-1", domain.KindRelight, ""))
	assert.Equal(t, http.MethodDelete, (*calls)[0].method)
	assert.Equal(t, "/v1/ai/image-relight/fp-1", (*calls)[0].path)

	code = http.StatusForbidden
	assert.Error(t, gw.Cancel(context.Background(), "fp-1", domain.KindRelight, ""))
}
