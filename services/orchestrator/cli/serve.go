package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/bader1919/freepik-ai-orchestrator/internal/kafka"
	"github.com/bader1919/freepik-ai-orchestrator/internal/postgres"
	"github.com/bader1919/freepik-ai-orchestrator/internal/postgres/migrations"
	"github.com/bader1919/freepik-ai-orchestrator/internal/provider"
	"github.com/bader1919/freepik-ai-orchestrator/internal/reconcile"
	redisstore "github.com/bader1919/freepik-ai-orchestrator/internal/redis"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store"
	"github.com/bader1919/freepik-ai-orchestrator/internal/store/memory"
	"github.com/bader1919/freepik-ai-orchestrator/internal/workflow"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/retry"
	"github.com/bader1919/freepik-ai-orchestrator/pkg/telemetry"
	"github.com/bader1919/freepik-ai-orchestrator/services/orchestrator/config"
	"github.com/bader1919/freepik-ai-orchestrator/services/orchestrator/handler"
	"github.com/bader1919/freepik-ai-orchestrator/services/poller"
	"github.com/bader1919/freepik-ai-orchestrator/services/relay"
)

const (
	leaderKey     = "orchestrator:poller:leader"
	leaderTTL     = 30 * time.Second
	relayGroupID  = "orchestrator-relay"
	limiterWindow = time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, webhook receiver, poller and signal relay",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("environment", "development", "environment tag carried in callback URLs")
	f.String("http-port", "8080", "HTTP server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.String("store-backend", config.StoreMemory, "task store: memory | redis | postgres")
	f.String("redis-addr", "", "Redis address (host:port); also enables the shared rate limiter and poller leader election")
	f.String("postgres-dsn", "", "PostgreSQL connection string")
	f.String("kafka-brokers", "", "comma-separated Kafka broker addresses; enables run events")
	f.String("signal-transport", config.TransportDirect, "completion signal path: direct | kafka")
	f.String("freepik-base-url", "https://api.freepik.com", "Freepik API base URL")
	f.String("freepik-api-key", "", "Freepik API key")
	f.String("webhook-url", "", "public URL of /webhooks/freepik; empty relies on polling")
	f.String("webhook-secret", "", "Standard Webhooks signing secret; empty disables verification")
	f.Duration("provider-timeout", 30*time.Second, "per-request provider timeout")
	f.Int("provider-max-retries", 3, "retries for transient provider failures")
	f.Duration("provider-base-delay", 500*time.Millisecond, "first retry backoff")
	f.Duration("provider-max-delay", 10*time.Second, "maximum retry backoff")
	f.Int("provider-rate-limit", 60, "submissions per minute per kind; 0 disables")
	f.Duration("task-max-wait", 10*time.Minute, "how long a task may wait for completion before it is failed")
	f.Duration("poll-after", 30*time.Second, "age after which a task is polled instead of waiting for its webhook")
	f.String("poll-schedule", "@every 15s", "cron schedule of the poller sweep")
	f.Int("poll-concurrency", 8, "parallel provider polls per sweep")
	f.Int("dedup-cache-size", 10_000, "webhook delivery ids remembered for deduplication")

	for _, name := range []string{
		"environment", "http-port", "metrics-addr", "otel-endpoint",
		"store-backend", "redis-addr", "postgres-dsn", "kafka-brokers", "signal-transport",
		"freepik-base-url", "freepik-api-key", "webhook-url", "webhook-secret",
		"provider-timeout", "provider-max-retries", "provider-base-delay", "provider-max-delay", "provider-rate-limit",
		"task-max-wait", "poll-after", "poll-schedule", "poll-concurrency", "dedup-cache-size",
	} {
		bindFlag(flagKey(name), f, name)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("freepik_api_key", "FREEPIK_API_KEY")
}

func flagKey(flag string) string { return strings.ReplaceAll(flag, "-", "_") }

// backend bundles the configured store with the connections it owns.
type backend struct {
	store store.Store
	redis *goredis.Client
	ready telemetry.ReadyFunc
	close func()
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{close: func() {}}
	if cfg.RedisAddr != "" {
		b.redis = redisstore.NewClient(cfg.RedisAddr)
		b.ready = func(ctx context.Context) error { return b.redis.Ping(ctx).Err() }
		b.close = func() { _ = b.redis.Close() }
	}

	switch cfg.StoreBackend {
	case config.StoreMemory, "":
		b.store = memory.NewRepository(memory.RepositoryConfig{Logger: logger})
	case config.StoreRedis:
		if b.redis == nil {
			return nil, fmt.Errorf("store_backend redis needs redis_addr")
		}
		b.store = redisstore.NewStateStore(b.redis, redisstore.StoreConfig{})
	case config.StorePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("store_backend postgres needs postgres_dsn")
		}
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		m, err := migrations.NewMigrator(pool, logger)
		if err == nil {
			err = m.Up(initCtx)
		}
		if err != nil {
			pool.Close()
			b.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		b.store = postgres.NewRepository(pool)
		b.ready = func(ctx context.Context) error { return pool.Ping(ctx) }
	default:
		b.close()
		return nil, fmt.Errorf("unknown store_backend %q", cfg.StoreBackend)
	}
	closeConns := b.close
	b.close = func() {
		_ = b.store.Close()
		closeConns()
	}
	return b, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, serviceName)
	instanceID := serviceName + "-" + uuid.New().String()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	be, err := openBackend(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()
	if !be.store.Durable() {
		logger.Warn("using the in-memory store; runs and tasks are lost on restart")
	}

	// ── provider gateway ──────────────────────────────────────────────────────
	var limiter provider.Limiter = provider.NewLocalLimiter(cfg.ProviderRateLimit)
	if be.redis != nil && cfg.ProviderRateLimit > 0 {
		limiter = redisstore.NewRateLimiter(be.redis, cfg.ProviderRateLimit, limiterWindow)
	}
	gw := provider.NewGateway(provider.Config{
		BaseURL:     cfg.FreepikBaseURL,
		APIKey:      cfg.FreepikAPIKey,
		WebhookURL:  cfg.WebhookURL,
		Environment: cfg.Environment,
		Timeout:     cfg.ProviderTimeout,
		Retry: retry.Config{
			MaxAttempts: cfg.ProviderMaxRetries + 1,
			BaseDelay:   cfg.ProviderBaseDelay,
			MaxDelay:    cfg.ProviderMaxDelay,
			Jitter:      0.2,
		},
	}, provider.WithLimiter(limiter), provider.WithLogger(logger))

	// ── kafka ─────────────────────────────────────────────────────────────────
	var (
		producer kafka.Producer
		events   workflow.EventPublisher = workflow.NopPublisher{}
	)
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer = kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		events = kafka.NewRunEventPublisher(producer)
	}
	if cfg.SignalTransport == config.TransportKafka && producer == nil {
		return fmt.Errorf("signal_transport kafka needs kafka_brokers")
	}

	// ── engine and reconciler ─────────────────────────────────────────────────
	catalog, err := loadCatalog(cfg.TemplatesFile)
	if err != nil {
		return err
	}
	engine := workflow.NewEngine(be.store, be.store, gw, catalog,
		workflow.WithEvents(events),
		workflow.WithLogger(logger),
		workflow.WithMaxWait(cfg.TaskMaxWait),
	)
	rec, err := reconcile.New(be.store,
		reconcile.WithPoller(gw),
		reconcile.WithListener(engine),
		reconcile.WithEnvironment(cfg.Environment),
		reconcile.WithDedupSize(cfg.DedupCacheSize),
		reconcile.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	pollerOpts := []poller.Option{poller.WithLogger(logger)}
	if be.redis != nil {
		pollerOpts = append(pollerOpts, poller.WithLeader(redisstore.NewLeader(be.redis, leaderKey, instanceID, leaderTTL)))
	}
	sweeper := poller.New(be.store, gw, rec, poller.Config{
		Schedule:    cfg.PollSchedule,
		PollAfter:   cfg.PollAfter,
		Concurrency: cfg.PollConcurrency,
	}, pollerOpts...)

	// ── HTTP ──────────────────────────────────────────────────────────────────
	var webhookOpts []handler.WebhookOption
	if cfg.WebhookSecret != "" {
		verifier, err := provider.NewVerifier(cfg.WebhookSecret)
		if err != nil {
			return err
		}
		webhookOpts = append(webhookOpts, handler.WithVerifier(verifier))
	}
	if cfg.SignalTransport == config.TransportKafka {
		webhookOpts = append(webhookOpts, handler.WithPublisher(kafka.NewSignalPublisher(producer)))
	}

	rest := handler.NewREST(engine, workflow.KeywordRecommender{}, handler.StatusInfo{
		Environment:     cfg.Environment,
		StoreBackend:    cfg.StoreBackend,
		SignalTransport: cfg.SignalTransport,
	}, be.ready, logger)
	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(rest, handler.NewWebhook(rec, logger, webhookOpts...), logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── run ───────────────────────────────────────────────────────────────────
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, be.ready, logger)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		logger.Info("orchestrator HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("instance_id", instanceID),
			slog.String("store_backend", cfg.StoreBackend),
			slog.String("signal_transport", cfg.SignalTransport),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	g.Go(func() error { return sweeper.Run(gctx) })
	if cfg.SignalTransport == config.TransportKafka {
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Brokers(),
			Topic:   kafka.TopicSignals,
			GroupID: relayGroupID,
		}, logger)
		defer func() { _ = consumer.Close() }()
		g.Go(func() error { return relay.New(consumer, producer, rec, logger).Run(gctx) })
	}

	err = g.Wait()
	logger.Info("stopped")
	return err
}
