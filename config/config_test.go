package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "custody-commands", cfg.Kafka.TopicCommands)
	assert.Equal(t, 256, cfg.Custody.QRSize)
	assert.Equal(t, 24*time.Hour, cfg.Routing.LegAcceptTimeout)
	assert.Equal(t, 1.0, cfg.Observ.TraceSampleRatio)
	assert.Empty(t, cfg.Server.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("VERIFY_BASE_URL", "https://verify.example.com/v/")
	t.Setenv("LEG_ACCEPT_TIMEOUT", "90m")
	t.Setenv("LEG_SWEEP_INTERVAL", "soon")
	t.Setenv("TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("LOG_LEVEL", "warn")

	cfg := Load()

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "https://verify.example.com/v", cfg.Custody.VerifyBaseURL)
	assert.Equal(t, 90*time.Minute, cfg.Routing.LegAcceptTimeout)
	assert.Equal(t, time.Minute, cfg.Routing.LegSweepInterval)
	assert.Equal(t, 0.25, cfg.Observ.TraceSampleRatio)
	assert.Equal(t, "warn", cfg.Server.LogLevel)
}
