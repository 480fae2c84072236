// Package history implements the history analyzer agent.
//
// The analyzer reads the knowledge store and the interaction log over time
// windows. It tracks how the knowledge base grows, profiles users, scores
// and re-classifies patterns, clusters failures into lessons and prunes old
// history. Every operation returns a partial result with an Errors list
// instead of failing, so one bad query never aborts a scheduled cycle.
package history

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/agent"
	"github.com/fyrsmithlabs/curator/internal/config"
	"github.com/fyrsmithlabs/curator/internal/events"
	"github.com/fyrsmithlabs/curator/internal/knowledge"
	"github.com/fyrsmithlabs/curator/internal/logging"
)

const (
	AgentName = "history"

	TaskAnalyzePeriod             = "analyze_period"
	TaskAnalyzeUser               = "analyze_user"
	TaskFindSuccessPatterns       = "find_success_patterns"
	TaskAnalyzeFailures           = "analyze_failures"
	TaskAnalyzePatternPerformance = "analyze_pattern_performance"
	TaskTrackEvolution            = "track_evolution"
	TaskArchiveHistory            = "archive_history"
)

// Store is the slice of the repository the analyzer reads and writes.
type Store interface {
	knowledge.ItemStore
	knowledge.PatternStore
	knowledge.HistoryStore
}

// PeriodRequest is the payload of an analyze_period task.
type PeriodRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Focus []string  `json:"focus,omitempty"`
}

// UserRequest is the payload of an analyze_user task.
type UserRequest struct {
	UserID       string `json:"user_id"`
	LookbackDays int    `json:"lookback_days"`
}

// SuccessRequest is the payload of a find_success_patterns task.
type SuccessRequest struct {
	LookbackDays   int     `json:"lookback_days"`
	MinSuccessRate float64 `json:"min_success_rate"`
}

// FailureRequest is the payload of an analyze_failures task.
type FailureRequest struct {
	LookbackDays int `json:"lookback_days"`
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithSchedule sets when the maintenance cycle runs. Default every 6 hours.
func WithSchedule(s agent.Schedule) Option {
	return func(a *Analyzer) {
		a.schedule = s
	}
}

// WithRuntimeOptions passes options through to the agent runtime.
func WithRuntimeOptions(opts ...agent.Option) Option {
	return func(a *Analyzer) {
		a.runtimeOpts = append(a.runtimeOpts, opts...)
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		a.now = now
	}
}

// Analyzer is the history analyzer agent.
type Analyzer struct {
	store   Store
	cfg     config.HistoryConfig
	logger  *logging.Logger
	metrics *collectors
	runtime *agent.Runtime
	now     func() time.Time

	schedule    agent.Schedule
	runtimeOpts []agent.Option

	// mu guards the evolution timeline.
	mu       sync.Mutex
	timeline []EvolutionSnapshot
}

// New creates an analyzer and its runtime. Zero config fields take defaults.
func New(store Store, bus events.Bus, logger *logging.Logger, cfg config.HistoryConfig, opts ...Option) (*Analyzer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	a := &Analyzer{
		store:    store,
		cfg:      withDefaults(cfg),
		logger:   logger.Named(AgentName),
		metrics:  promCollectors(),
		now:      time.Now,
		schedule: agent.MustCron("0 */6 * * *"),
	}
	for _, opt := range opts {
		opt(a)
	}

	runtimeOpts := append([]agent.Option{
		agent.WithSchedule(a.schedule, a.RunCycle),
	}, a.runtimeOpts...)

	var err error
	a.runtime, err = agent.New(AgentName, a, bus, logger, runtimeOpts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func withDefaults(cfg config.HistoryConfig) config.HistoryConfig {
	d := config.Default().History
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = d.RetentionDays
	}
	if cfg.TimelineCap == 0 {
		cfg.TimelineCap = d.TimelineCap
	}
	if cfg.TimelineTrim == 0 {
		cfg.TimelineTrim = d.TimelineTrim
	}
	if cfg.TimelineTrim > cfg.TimelineCap {
		cfg.TimelineTrim = cfg.TimelineCap
	}
	if cfg.RetireBelow == 0 {
		cfg.RetireBelow = d.RetireBelow
	}
	if cfg.PromoteAbove == 0 {
		cfg.PromoteAbove = d.PromoteAbove
	}
	if cfg.MinOccurrences == 0 {
		cfg.MinOccurrences = d.MinOccurrences
	}
	if cfg.DiscoveryMinimum == 0 {
		cfg.DiscoveryMinimum = d.DiscoveryMinimum
	}
	return cfg
}

// Runtime exposes the agent runtime for health and status.
func (a *Analyzer) Runtime() *agent.Runtime {
	return a.runtime
}

func (a *Analyzer) Start(ctx context.Context) error {
	return a.runtime.Start(ctx)
}

func (a *Analyzer) Stop(ctx context.Context) error {
	return a.runtime.Stop(ctx)
}

// Enqueue queues an analysis task and returns its ID.
func (a *Analyzer) Enqueue(taskType string, payload any) (string, error) {
	return a.runtime.Enqueue(agent.NewTask(taskType, payload))
}

// ExecuteTask runs analyzer tasks on behalf of the runtime.
func (a *Analyzer) ExecuteTask(ctx context.Context, task agent.Task) (any, error) {
	switch task.Type {
	case TaskAnalyzePeriod:
		req, err := payloadAs[PeriodRequest](task)
		if err != nil {
			return nil, err
		}
		return a.AnalyzePeriod(ctx, req.Start, req.End, req.Focus...), nil
	case TaskAnalyzeUser:
		req, err := payloadAs[UserRequest](task)
		if err != nil {
			return nil, err
		}
		return a.AnalyzeUserHistory(ctx, req.UserID, req.LookbackDays), nil
	case TaskFindSuccessPatterns:
		req, err := payloadAs[SuccessRequest](task)
		if err != nil {
			return nil, err
		}
		return a.FindSuccessPatterns(ctx, req.LookbackDays, req.MinSuccessRate), nil
	case TaskAnalyzeFailures:
		req, err := payloadAs[FailureRequest](task)
		if err != nil {
			return nil, err
		}
		return a.AnalyzeFailures(ctx, req.LookbackDays), nil
	case TaskAnalyzePatternPerformance:
		return a.AnalyzePatternPerformance(ctx), nil
	case TaskTrackEvolution:
		return a.TrackKnowledgeEvolution(ctx), nil
	case TaskArchiveHistory:
		return a.ArchiveOldHistory(ctx), nil
	default:
		return nil, agent.Permanent(fmt.Errorf("%w: %s", agent.ErrUnknownTaskType, task.Type))
	}
}

// payloadAs accepts T or *T. A nil payload is the zero T.
func payloadAs[T any](task agent.Task) (T, error) {
	var zero T
	switch p := task.Payload.(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
		return zero, nil
	case nil:
		return zero, nil
	default:
		return zero, agent.Permanent(fmt.Errorf("unsupported %s payload %T", task.Type, task.Payload))
	}
}

// CycleReport is the outcome of one scheduled maintenance cycle.
type CycleReport struct {
	Evolution   *EvolutionSnapshot  `json:"evolution"`
	Performance *PatternPerformance `json:"performance"`
	Archive     *ArchiveResult      `json:"archive"`
}

// Errors collects the errors of every step.
func (c *CycleReport) Errors() []string {
	var errs []string
	errs = append(errs, c.Evolution.Errors...)
	errs = append(errs, c.Performance.Errors...)
	errs = append(errs, c.Archive.Errors...)
	return errs
}

// Cycle runs evolution tracking, pattern re-scoring and archival in order.
// A failing step never prevents the next one.
func (a *Analyzer) Cycle(ctx context.Context) *CycleReport {
	report := &CycleReport{
		Evolution:   a.TrackKnowledgeEvolution(ctx),
		Performance: a.AnalyzePatternPerformance(ctx),
		Archive:     a.ArchiveOldHistory(ctx),
	}
	a.logger.Info(ctx, "history cycle complete",
		zap.Int("transitions", len(report.Performance.Transitions)),
		zap.Int("archived_interactions", report.Archive.Interactions),
		zap.Int("archived_reports", report.Archive.Reports),
		zap.Int("errors", len(report.Errors())),
	)
	return report
}

// RunCycle is the schedule callback. It reports step errors so the runtime
// surfaces them on the agent.error topic.
func (a *Analyzer) RunCycle(ctx context.Context) error {
	var errs []error
	for _, e := range a.Cycle(ctx).Errors() {
		errs = append(errs, errors.New(e))
	}
	return errors.Join(errs...)
}

// Timeline returns a copy of the evolution snapshots, oldest first.
func (a *Analyzer) Timeline() []EvolutionSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]EvolutionSnapshot(nil), a.timeline...)
}

// recoverInto turns a panic in op into an entry on errs.
func (a *Analyzer) recoverInto(ctx context.Context, op string, errs *[]string) {
	if p := recover(); p != nil {
		a.logger.Error(ctx, "history operation panicked",
			zap.String("op", op),
			zap.Any("panic", p),
			zap.ByteString("stack", debug.Stack()),
		)
		*errs = append(*errs, fmt.Sprintf("%s panicked: %v", op, p))
	}
}

// fail records a step error on errs and logs it.
func (a *Analyzer) fail(ctx context.Context, op string, errs *[]string, err error) {
	a.logger.Warn(ctx, "history step failed", zap.String("op", op), zap.Error(err))
	*errs = append(*errs, fmt.Sprintf("%s: %v", op, err))
}

func (a *Analyzer) lookback(days int) time.Time {
	if days <= 0 {
		days = 30
	}
	return a.now().UTC().AddDate(0, 0, -days)
}
