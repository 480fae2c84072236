package agent

import (
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/curator/internal/config"
)

// ParseSchedule accepts a Go duration ("90s", "6h") or a five-field cron
// expression. An empty string is the zero Schedule.
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Schedule{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return Every(d), nil
	}
	return Cron(s)
}

// OptionsFromConfig maps the file-facing agent settings onto runtime
// options. The schedule is not included since it needs a callback.
func OptionsFromConfig(cfg config.AgentConfig) []Option {
	opts := []Option{
		WithMaxConcurrency(cfg.MaxConcurrency),
		WithRetryAttempts(cfg.RetryAttempts),
		WithDrainInterval(cfg.DrainInterval.Duration()),
		WithStopTimeout(cfg.StopTimeout.Duration()),
	}
	if cfg.BackoffInitial > 0 {
		opts = append(opts, WithBackoff(cfg.BackoffInitial.Duration(), cfg.BackoffMax.Duration()))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, WithRateLimit(cfg.RateLimit, int(math.Ceil(cfg.RateLimit))))
	}
	return opts
}
