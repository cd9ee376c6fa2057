package observability

import (
	"testing"

	"github.com/smallbiznis/attribution/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigReadsEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.5")

	cfg := LoadConfig(config.Config{AppName: " ", Environment: "production", OTLPEndpoint: "collector:4317"})

	assert.Equal(t, "attribution", cfg.ServiceName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.OtelEnabled)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	assert.Equal(t, 0.5, cfg.OtelSamplingRatio)
	assert.True(t, cfg.Debug())
}

func TestDebugFollowsEnvironment(t *testing.T) {
	assert.True(t, Config{Environment: "local", LogLevel: "info"}.Debug())
	assert.False(t, Config{Environment: "production", LogLevel: "info"}.Debug())
}
