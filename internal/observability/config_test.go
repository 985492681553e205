package observability

import (
	"testing"

	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigNormalizesTelemetry(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppName:      " soldiers-api ",
		AppVersion:   "1.2.0",
		Environment:  "production",
		OTLPEndpoint: " collector:4318 ",
		Telemetry: config.TelemetryConfig{
			LogLevel:      "WARN",
			LogFormat:     "Console",
			OTLPProtocol:  "http/protobuf",
			Enabled:       true,
			SamplingRatio: 3,
		},
	})

	assert.Equal(t, "soldiers-api", cfg.ServiceName)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.Equal(t, "collector:4318", cfg.OtelExporterEndpoint)
	assert.True(t, cfg.OtelEnabled)
	assert.Equal(t, 1.0, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(config.Config{
		Environment: "local",
		Telemetry:   config.TelemetryConfig{LogLevel: "verbose", Enabled: true, SamplingRatio: -1},
	})

	assert.Equal(t, "soldiers", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "grpc", cfg.OtelExporterProtocol)
	assert.False(t, cfg.OtelEnabled)
	assert.Zero(t, cfg.OtelSamplingRatio)
	assert.True(t, cfg.Debug())
}
