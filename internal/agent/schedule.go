package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"
)

// Schedule says when a recurring job fires next.
type Schedule struct {
	every time.Duration
	expr  string
	cron  cron.Schedule
}

// Every fires at a fixed interval measured from the previous run.
func Every(d time.Duration) Schedule {
	return Schedule{every: d}
}

// Cron parses a standard five-field cron expression ("*/30 * * * *").
func Cron(expr string) (Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return Schedule{expr: expr, cron: s}, nil
}

// MustCron is Cron for expressions known at compile time.
func MustCron(expr string) Schedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// IsZero reports whether the schedule never fires.
func (s Schedule) IsZero() bool {
	return s.every <= 0 && s.cron == nil
}

// Next returns the first activation after t.
func (s Schedule) Next(t time.Time) time.Time {
	if s.cron != nil {
		return s.cron.Next(t)
	}
	return t.Add(s.every)
}

func (s Schedule) String() string {
	if s.cron != nil {
		return s.expr
	}
	return "@every " + s.every.String()
}

// Scheduler triggers registered callbacks on their schedule.
type Scheduler interface {
	// Register starts firing fn. The returned cancel stops further firings
	// and cancels the context of a running invocation. It does not wait for
	// that invocation to return.
	Register(name string, s Schedule, fn func(ctx context.Context)) (cancel func(), err error)
}

// TimerScheduler runs one timer goroutine per registration.
type TimerScheduler struct {
	logger *zap.Logger
}

// NewTimerScheduler creates a TimerScheduler. A nil logger discards output.
func NewTimerScheduler(logger *zap.Logger) *TimerScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimerScheduler{logger: logger}
}

func (ts *TimerScheduler) Register(name string, s Schedule, fn func(ctx context.Context)) (func(), error) {
	if s.IsZero() {
		return nil, fmt.Errorf("register %s: empty schedule", name)
	}
	if fn == nil {
		return nil, fmt.Errorf("register %s: nil callback", name)
	}

	ctx, cancelCtx := context.WithCancel(context.Background())

	go func() {
		for {
			wait := time.Until(s.Next(time.Now()))
			if wait < 0 {
				wait = 0
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				fn(ctx)
			}
		}
	}()

	ts.logger.Debug("schedule registered",
		zap.String("name", name),
		zap.Stringer("schedule", s),
	)

	return cancelCtx, nil
}
