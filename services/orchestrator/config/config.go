package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Signal transports.
const (
	TransportDirect = "direct"
	TransportKafka  = "kafka"
)

// Config holds typed configuration for the orchestrator.
type Config struct {
	LogLevel     string
	Environment  string
	HTTPPort     string
	MetricsAddr  string
	OTelEndpoint string

	StoreBackend string
	RedisAddr    string
	PostgresDSN  string

	KafkaBrokers    string
	SignalTransport string

	FreepikBaseURL     string
	FreepikAPIKey      string
	WebhookURL         string
	WebhookSecret      string
	ProviderTimeout    time.Duration
	ProviderMaxRetries int
	ProviderBaseDelay  time.Duration
	ProviderMaxDelay   time.Duration
	ProviderRateLimit  int

	TaskMaxWait     time.Duration
	PollAfter       time.Duration
	PollSchedule    string
	PollConcurrency int

	TemplatesFile  string
	DedupCacheSize int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		Environment:  v.GetString("environment"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		StoreBackend: strings.ToLower(v.GetString("store_backend")),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),

		KafkaBrokers:    v.GetString("kafka_brokers"),
		SignalTransport: strings.ToLower(v.GetString("signal_transport")),

		FreepikBaseURL:     v.GetString("freepik_base_url"),
		FreepikAPIKey:      v.GetString("freepik_api_key"),
		WebhookURL:         v.GetString("webhook_url"),
		WebhookSecret:      v.GetString("webhook_secret"),
		ProviderTimeout:    v.GetDuration("provider_timeout"),
		ProviderMaxRetries: v.GetInt("provider_max_retries"),
		ProviderBaseDelay:  v.GetDuration("provider_base_delay"),
		ProviderMaxDelay:   v.GetDuration("provider_max_delay"),
		ProviderRateLimit:  v.GetInt("provider_rate_limit"),

		TaskMaxWait:     v.GetDuration("task_max_wait"),
		PollAfter:       v.GetDuration("poll_after"),
		PollSchedule:    v.GetString("poll_schedule"),
		PollConcurrency: v.GetInt("poll_concurrency"),

		TemplatesFile:  v.GetString("templates_file"),
		DedupCacheSize: v.GetInt("dedup_cache_size"),
	}
}

// Brokers splits KafkaBrokers on commas, dropping blanks.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
