package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	v := viper.New()
	v.Set("store_backend", "Redis")
	v.Set("signal_transport", "KAFKA")
	v.Set("kafka_brokers", "k1:9092, k2:9092,,")
	v.Set("task_max_wait", "10m")
	v.Set("poll_after", 45*time.Second)
	v.Set("provider_max_retries", 4)
	v.Set("environment", "staging")

	cfg := Load(v)
	assert.Equal(t, StoreRedis, cfg.StoreBackend)
	assert.Equal(t, TransportKafka, cfg.SignalTransport)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.Equal(t, 10*time.Minute, cfg.TaskMaxWait)
	assert.Equal(t, 45*time.Second, cfg.PollAfter)
	assert.Equal(t, 4, cfg.ProviderMaxRetries)
	assert.Equal(t, "staging", cfg.Environment)
}

func TestBrokers_Empty(t *testing.T) {
	assert.Empty(t, Config{}.Brokers())
}
