package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Agents.Validator.MaxConcurrency)
	assert.Equal(t, 3, cfg.Agents.Validator.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Agents.Validator.DrainInterval.Duration())
	assert.Equal(t, 30*time.Second, cfg.Agents.Validator.StopTimeout.Duration())
	assert.Equal(t, "*/30 * * * *", cfg.Agents.Validator.Schedule)
	assert.Equal(t, "0 */6 * * *", cfg.Agents.History.Schedule)
	assert.Equal(t, 0.3, cfg.Validation.MinConfidence)
	assert.Equal(t, 1000, cfg.Validation.CacheSize)
	assert.Equal(t, time.Hour, cfg.Validation.CacheTTL.Duration())
	assert.Equal(t, 365, cfg.History.RetentionDays)
	assert.Equal(t, 1000, cfg.History.TimelineCap)
	assert.Equal(t, 500, cfg.History.TimelineTrim)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"sqlite without path", func(c *Config) { c.Store.Driver = "sqlite" }, "store.path is required"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "http_port out of range"},
		{"zero concurrency", func(c *Config) { c.Agents.History.MaxConcurrency = 0 }, "agents.history.max_concurrency"},
		{"negative retries", func(c *Config) { c.Agents.Validator.RetryAttempts = -1 }, "agents.validator.retry_attempts"},
		{"confidence above one", func(c *Config) { c.Validation.MinConfidence = 1.5 }, "validation.min_confidence"},
		{"trim beyond cap", func(c *Config) { c.History.TimelineTrim = 2000 }, "timeline_trim"},
		{"embedded with url", func(c *Config) { c.NATS.Embedded = true; c.NATS.URL = "nats://x" }, "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	assert.Equal(t, "[REDACTED]", s.String())
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v", s, s, s), "hunter2")

	data, err := json.Marshal(struct{ Token Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}
