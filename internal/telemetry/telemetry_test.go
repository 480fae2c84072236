package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("curator/test"))
	assert.NotNil(t, tel.Meter("curator/test"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"enabled local insecure", func(c *Config) { c.Enabled = true }, false},
		{"enabled ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, false},
		{"remote insecure", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, true},
		{"remote tls", func(c *Config) {
			c.Enabled = true
			c.Endpoint = "otel.example.com:4317"
			c.Insecure = false
		}, false},
		{"bad sampling", func(c *Config) { c.Enabled = true; c.Sampling.Rate = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.TelemetryConfig{
		Enabled:      true,
		Endpoint:     "collector:4318",
		Protocol:     "http/protobuf",
		SamplingRate: 0.25,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "collector:4318", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, 0.25, cfg.Sampling.Rate)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, "curator", cfg.ServiceName)
}

func TestTestTelemetry_RecordsSpans(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("curator/test").Start(context.Background(), "unit.work")
	span.End()

	require.Len(t, tt.SpansNamed("unit.work"), 1)
	assert.True(t, tt.Health().Healthy)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
