// Package config provides configuration loading for curator.
//
// Configuration is read from a YAML file (see LoadWithFile) and overridden by
// CURATOR_* environment variables. Missing values fall back to Default().
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete curator configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	NATS       NATSConfig       `koanf:"nats"`
	Agents     AgentsConfig     `koanf:"agents"`
	Validation ValidationConfig `koanf:"validation"`
	History    HistoryConfig    `koanf:"history"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig selects the knowledge repository backend.
type StoreConfig struct {
	Driver string `koanf:"driver"` // "memory" or "sqlite"
	Path   string `koanf:"path"`
}

// NATSConfig configures the event bus transport.
// An empty URL keeps events in-process.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Token    Secret `koanf:"token"`
	Embedded bool   `koanf:"embedded"`
	Subject  string `koanf:"subject_prefix"`
}

// AgentsConfig holds per-agent runtime settings.
type AgentsConfig struct {
	Validator AgentConfig `koanf:"validator"`
	History   AgentConfig `koanf:"history"`
}

// AgentConfig holds the runtime knobs shared by every agent.
type AgentConfig struct {
	MaxConcurrency int      `koanf:"max_concurrency"`
	RetryAttempts  int      `koanf:"retry_attempts"`
	DrainInterval  Duration `koanf:"drain_interval"`
	StopTimeout    Duration `koanf:"stop_timeout"`
	Schedule       string   `koanf:"schedule"` // 5-field cron or Go duration
	BackoffInitial Duration `koanf:"backoff_initial"`
	BackoffMax     Duration `koanf:"backoff_max"`
	RateLimit      float64  `koanf:"rate_limit"` // tasks per second, 0 = unlimited
}

// ValidationConfig holds knowledge validator policy.
type ValidationConfig struct {
	MinConfidence       float64  `koanf:"min_confidence"`
	DuplicateThreshold  float64  `koanf:"duplicate_threshold"`
	FuzzyCandidates     int      `koanf:"fuzzy_candidates"`
	FuzzyPrefix         int      `koanf:"fuzzy_prefix"`
	CacheSize           int      `koanf:"cache_size"`
	CacheTTL            Duration `koanf:"cache_ttl"`
	RevalidateBatch     int      `koanf:"revalidate_batch"`
	RevalidateThreshold float64  `koanf:"revalidate_threshold"`
	RulesFile           string   `koanf:"rules_file"`
}

// HistoryConfig holds history analyzer policy.
type HistoryConfig struct {
	RetentionDays    int     `koanf:"retention_days"`
	TimelineCap      int     `koanf:"timeline_cap"`
	TimelineTrim     int     `koanf:"timeline_trim"`
	RetireBelow      float64 `koanf:"retire_below"`
	PromoteAbove     float64 `koanf:"promote_above"`
	MinOccurrences   int     `koanf:"min_occurrences"`
	DiscoveryMinimum int     `koanf:"discovery_minimum"`
}

// LoggingConfig is the file-facing subset of logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the file-facing subset of telemetry.Config.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Telemetry.Insecure = true
	cfg.Telemetry.SamplingRate = 1.0
	return cfg
}

// applyDefaults fills zero values. It runs after file and env loading, so
// only fields nobody set are touched.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "memory"
	}

	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "curator"
	}

	applyAgentDefaults(&cfg.Agents.Validator, "*/30 * * * *")
	applyAgentDefaults(&cfg.Agents.History, "0 */6 * * *")

	v := &cfg.Validation
	if v.MinConfidence == 0 {
		v.MinConfidence = 0.3
	}
	if v.DuplicateThreshold == 0 {
		v.DuplicateThreshold = 0.85
	}
	if v.FuzzyCandidates == 0 {
		v.FuzzyCandidates = 20
	}
	if v.FuzzyPrefix == 0 {
		v.FuzzyPrefix = 1000
	}
	if v.CacheSize == 0 {
		v.CacheSize = 1000
	}
	if v.CacheTTL == 0 {
		v.CacheTTL = Duration(time.Hour)
	}
	if v.RevalidateBatch == 0 {
		v.RevalidateBatch = 50
	}
	if v.RevalidateThreshold == 0 {
		v.RevalidateThreshold = 0.5
	}

	h := &cfg.History
	if h.RetentionDays == 0 {
		h.RetentionDays = 365
	}
	if h.TimelineCap == 0 {
		h.TimelineCap = 1000
	}
	if h.TimelineTrim == 0 {
		h.TimelineTrim = 500
	}
	if h.RetireBelow == 0 {
		h.RetireBelow = 40
	}
	if h.PromoteAbove == 0 {
		h.PromoteAbove = 60
	}
	if h.MinOccurrences == 0 {
		h.MinOccurrences = 10
	}
	if h.DiscoveryMinimum == 0 {
		h.DiscoveryMinimum = 5
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}

func applyAgentDefaults(a *AgentConfig, schedule string) {
	if a.MaxConcurrency == 0 {
		a.MaxConcurrency = 3
	}
	if a.RetryAttempts == 0 {
		a.RetryAttempts = 3
	}
	if a.DrainInterval == 0 {
		a.DrainInterval = Duration(time.Second)
	}
	if a.StopTimeout == 0 {
		a.StopTimeout = Duration(30 * time.Second)
	}
	if a.Schedule == "" {
		a.Schedule = schedule
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.NATS.Embedded && c.NATS.URL != "" {
		errs = append(errs, errors.New("nats.url and nats.embedded are mutually exclusive"))
	}

	for name, a := range map[string]AgentConfig{
		"validator": c.Agents.Validator,
		"history":   c.Agents.History,
	} {
		if a.MaxConcurrency < 1 {
			errs = append(errs, fmt.Errorf("agents.%s.max_concurrency must be >= 1", name))
		}
		if a.RetryAttempts < 0 {
			errs = append(errs, fmt.Errorf("agents.%s.retry_attempts must be >= 0", name))
		}
		if a.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("agents.%s.rate_limit must be >= 0", name))
		}
	}

	if c.Validation.MinConfidence < 0 || c.Validation.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("validation.min_confidence must be in [0,1], got %v", c.Validation.MinConfidence))
	}
	if c.Validation.DuplicateThreshold <= 0 || c.Validation.DuplicateThreshold > 1 {
		errs = append(errs, fmt.Errorf("validation.duplicate_threshold must be in (0,1], got %v", c.Validation.DuplicateThreshold))
	}

	if c.History.TimelineTrim > c.History.TimelineCap {
		errs = append(errs, errors.New("history.timeline_trim must not exceed history.timeline_cap"))
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sampling_rate must be in [0,1], got %v", c.Telemetry.SamplingRate))
	}

	return errors.Join(errs...)
}
