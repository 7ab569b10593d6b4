package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bader1919/freepik-ai-orchestrator/internal/domain"
	"github.com/bader1919/freepik-ai-orchestrator/internal/kafka"
	"github.com/bader1919/freepik-ai-orchestrator/internal/reconcile"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type publishedMsg struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	msgs []publishedMsg
	err  error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, publishedMsg{topic, key, value})
	return nil
}
func (p *fakeProducer) Close() error { return nil }

type fakeConsumer struct {
	msgs []kafka.Message
	errs []error
}

func (c *fakeConsumer) Subscribe(ctx context.Context, handler kafka.HandlerFunc) error {
	for _, m := range c.msgs {
		c.errs = append(c.errs, handler(ctx, m))
	}
	return nil
}
func (c *fakeConsumer) Close() error { return nil }

type fakeIngester struct {
	signals []domain.Signal
	outcome reconcile.Outcome
	err     error
}

func (f *fakeIngester) Ingest(_ context.Context, sig domain.Signal) (reconcile.Outcome, error) {
	f.signals = append(f.signals, sig)
	return f.outcome, f.err
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newTestRelay(producer *fakeProducer, sink *fakeIngester) *Relay {
	return New(&fakeConsumer{}, producer, sink, slog.New(slog.DiscardHandler))
}

func signalMsg(t *testing.T, sig domain.Signal) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(sig)
	require.NoError(t, err)
	return kafka.Message{Topic: kafka.TopicSignals, Key: []byte(sig.TaskID), Value: raw}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestHandle_ForwardsSignal(t *testing.T) {
	producer := &fakeProducer{}
	sink := &fakeIngester{outcome: reconcile.Applied}
	r := newTestRelay(producer, sink)

	sig := domain.Signal{TaskID: "fp-1", Status: domain.StatusCompleted, OutputRef: "https://cdn/1.png", Source: domain.SourceWebhook}
	require.NoError(t, r.handle(context.Background(), signalMsg(t, sig)))

	require.Len(t, sink.signals, 1)
	assert.Equal(t, "fp-1", sink.signals[0].TaskID)
	assert.Equal(t, "https://cdn/1.png", sink.signals[0].OutputRef)
	assert.Empty(t, producer.msgs)
}

func TestHandle_AbsorbedOutcomesCommit(t *testing.T) {
	for _, outcome := range []reconcile.Outcome{reconcile.Duplicate, reconcile.Conflict, reconcile.Dropped, reconcile.Ignored} {
		t.Run(string(outcome), func(t *testing.T) {
			r := newTestRelay(&fakeProducer{}, &fakeIngester{outcome: outcome})
			sig := domain.Signal{TaskID: "fp-1", Status: domain.StatusCompleted}
			assert.NoError(t, r.handle(context.Background(), signalMsg(t, sig)))
		})
	}
}

func TestHandle_MalformedGoesToDLQ(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"invalid json", `not-json`},
		{"missing task id", `{"status":"COMPLETED"}`},
		{"unknown status", `{"task_id":"fp-1","status":"SOMETIME"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := &fakeProducer{}
			sink := &fakeIngester{}
			r := newTestRelay(producer, sink)

			msg := kafka.Message{Topic: kafka.TopicSignals, Key: []byte("fp-1"), Value: []byte(tt.value)}
			require.NoError(t, r.handle(context.Background(), msg))

			require.Len(t, producer.msgs, 1)
			assert.Equal(t, kafka.TopicSignalsDLQ, producer.msgs[0].topic)
			assert.Equal(t, tt.value, string(producer.msgs[0].value))
			assert.Empty(t, sink.signals)
		})
	}
}

func TestHandle_DLQPublishFailureReturnsError(t *testing.T) {
	r := newTestRelay(&fakeProducer{err: errors.New("broker down")}, &fakeIngester{})
	err := r.handle(context.Background(), kafka.Message{Value: []byte("not-json")})
	assert.Error(t, err)
}

func TestHandle_IngestErrorSkipsCommit(t *testing.T) {
	boom := errors.New("redis unavailable")
	r := newTestRelay(&fakeProducer{}, &fakeIngester{err: boom})

	sig := domain.Signal{TaskID: "fp-1", Status: domain.StatusFailed}
	err := r.handle(context.Background(), signalMsg(t, sig))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRun_HandlesEveryMessage(t *testing.T) {
	consumer := &fakeConsumer{}
	sink := &fakeIngester{outcome: reconcile.Applied}
	r := New(consumer, &fakeProducer{}, sink, slog.New(slog.DiscardHandler))

	for _, id := range []string{"fp-1", "fp-2", "fp-3"} {
		consumer.msgs = append(consumer.msgs, signalMsg(t, domain.Signal{TaskID: id, Status: domain.StatusProcessing}))
	}
	require.NoError(t, r.Run(context.Background()))

	assert.Len(t, sink.signals, 3)
	assert.Equal(t, []error{nil, nil, nil}, consumer.errs)
}

func BenchmarkHandle(b *testing.B) {
	r := newTestRelay(&fakeProducer{}, &fakeIngester{outcome: reconcile.Duplicate})
	raw, _ := json.Marshal(domain.Signal{TaskID: "fp-1", Status: domain.StatusCompleted, OutputRef: "https://cdn/1.png"})
	msg := kafka.Message{Value: raw}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = r.handle(context.Background(), msg)
	}
}
