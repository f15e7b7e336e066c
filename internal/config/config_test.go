package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_DRIVER", "DATABASE_URL", "EVENT_TRANSPORT", "KAFKA_BROKERS",
		"SALES_EVENTS_TOPIC", "SALES_COMMANDS_TOPIC", "CONSUMER_GROUP", "REDIS_ADDR",
		"HTTP_ADDR", "LOG_LEVEL", "LOG_FORMAT", "OUTBOX_RELAY_INTERVAL", "OUTBOX_RELAY_GRACE", "LOCK_TTL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, TransportKafka, cfg.EventTransport)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "sales.events", cfg.EventsTopic)
	assert.Equal(t, "sales.commands", cfg.CommandsTopic)
	assert.Equal(t, "sales-service", cfg.ConsumerGroup)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.RelayEvery)
	assert.Equal(t, 10*time.Second, cfg.RelayGrace)
	assert.Equal(t, 10*time.Second, cfg.LockTTL)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("EVENT_TRANSPORT", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OUTBOX_RELAY_INTERVAL", "250ms")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, TransportMemory, cfg.EventTransport)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.RelayEvery)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"EVENT_TRANSPORT", "carrier-pigeon", "invalid EVENT_TRANSPORT"},
		{"DATABASE_DRIVER", "oracle", "invalid DATABASE_DRIVER"},
		{"LOG_LEVEL", "loud", "invalid LOG_LEVEL"},
		{"OUTBOX_RELAY_INTERVAL", "soon", "invalid OUTBOX_RELAY_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
