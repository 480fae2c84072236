// Package agent is the runtime background agents are built on.
//
// A Runtime owns a FIFO task queue drained on a fixed tick into a bounded
// pool of goroutines. Failed tasks are retried up to a fixed cap and then
// reported once on the agent.task_failed topic. An optional Schedule fires a
// callback on its own timer, independent of the queue.
//
// Lifecycle is idle → active → stopped. A stopped runtime cannot be restarted.
package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/curator/internal/events"
	"github.com/fyrsmithlabs/curator/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/curator/internal/agent"

// latencyAlpha weights the newest sample in the latency moving average.
const latencyAlpha = 0.2

// State is the lifecycle state of a Runtime.
type State string

const (
	StateIdle    State = "idle"
	StateActive  State = "active"
	StateStopped State = "stopped"
)

// ScheduledFunc is the callback a Schedule fires.
type ScheduledFunc func(ctx context.Context) error

// Option configures a Runtime.
type Option func(*Runtime)

// WithMaxConcurrency bounds in-flight tasks. Default 3.
func WithMaxConcurrency(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

// WithRetryAttempts sets how many times a failed task is re-enqueued. Default 3.
func WithRetryAttempts(n int) Option {
	return func(r *Runtime) {
		if n >= 0 {
			r.retryAttempts = n
		}
	}
}

// WithDrainInterval sets the queue drain tick. Default 1s.
func WithDrainInterval(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.drainInterval = d
		}
	}
}

// WithStopTimeout bounds how long Stop waits for in-flight tasks. Default 30s.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.stopTimeout = d
		}
	}
}

// WithSchedule fires fn on s while the runtime is active.
func WithSchedule(s Schedule, fn ScheduledFunc) Option {
	return func(r *Runtime) {
		r.schedule = s
		r.scheduled = fn
	}
}

// WithScheduler replaces the default TimerScheduler.
func WithScheduler(s Scheduler) Option {
	return func(r *Runtime) {
		r.scheduler = s
	}
}

// WithBackoff delays retries exponentially from initial up to maxInterval.
// Retries are immediate without it.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(r *Runtime) {
		if initial <= 0 {
			return
		}
		r.backoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			if maxInterval > 0 {
				b.MaxInterval = maxInterval
			}
			b.Reset()
			return b
		}
	}
}

// WithRateLimit caps task dispatch at perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(r *Runtime) {
		if perSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithSlotCapacity sets the per-slot queue depth Workload is measured against. Default 10.
func WithSlotCapacity(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.slotCapacity = n
		}
	}
}

// WithTracer sets the tracer task spans are recorded on.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runtime) {
		r.tracer = t
	}
}

// Runtime runs tasks for one named agent.
type Runtime struct {
	name      string
	worker    Worker
	bus       events.Bus
	logger    *logging.Logger
	tracer    trace.Tracer
	scheduler Scheduler
	metrics   *collectors
	now       func() time.Time

	maxConcurrency int
	retryAttempts  int
	slotCapacity   int
	drainInterval  time.Duration
	stopTimeout    time.Duration
	schedule       Schedule
	scheduled      ScheduledFunc
	backoff        func() backoff.BackOff
	limiter        *rate.Limiter

	// mu guards everything below, including dispatch: a drain tick holds it
	// while moving tasks out of the queue.
	mu               sync.Mutex
	state            State
	queue            []*Task
	inflight         int
	startedAt        time.Time
	lastScheduled    time.Time
	// scheduledRunning counts scheduled callbacks in progress. They share
	// the tasks WaitGroup so Stop bounds them by the same timeout.
	scheduledRunning int
	cancelSchedule   func()
	subs             []events.Subscription
	stats            Metrics

	stopDrain   chan struct{}
	drainDone   chan struct{}
	tasks       sync.WaitGroup
	taskCtx     context.Context
	cancelTasks context.CancelFunc
}

// New creates an idle runtime. A nil logger discards output.
func New(name string, worker Worker, bus events.Bus, logger *logging.Logger, opts ...Option) (*Runtime, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name cannot be empty")
	}
	if worker == nil {
		return nil, fmt.Errorf("worker cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Runtime{
		name:           name,
		worker:         worker,
		bus:            bus,
		logger:         logger.Named(name),
		tracer:         otel.Tracer(instrumentationName),
		metrics:        promCollectors(),
		now:            time.Now,
		maxConcurrency: 3,
		retryAttempts:  3,
		slotCapacity:   10,
		drainInterval:  time.Second,
		stopTimeout:    30 * time.Second,
		state:          StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}

	if !r.schedule.IsZero() && r.scheduled == nil {
		return nil, fmt.Errorf("schedule %s has no callback", r.schedule)
	}
	if r.scheduler == nil {
		r.scheduler = NewTimerScheduler(r.logger.Underlying())
	}
	return r, nil
}

// Name returns the agent name.
func (r *Runtime) Name() string {
	return r.name
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) withAgent(ctx context.Context) context.Context {
	return logging.WithAgent(ctx, r.name)
}

// Start moves an idle runtime to active, registers its schedule and starts
// draining the queue.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}

	r.taskCtx, r.cancelTasks = context.WithCancel(r.withAgent(context.WithoutCancel(ctx)))
	r.stopDrain = make(chan struct{})
	r.drainDone = make(chan struct{})
	r.startedAt = r.now()
	r.state = StateActive
	r.mu.Unlock()

	if !r.schedule.IsZero() {
		cancel, err := r.scheduler.Register(r.name, r.schedule, r.runScheduled)
		if err != nil {
			r.mu.Lock()
			r.state = StateIdle
			r.mu.Unlock()
			r.cancelTasks()
			return fmt.Errorf("register schedule: %w", err)
		}
		r.mu.Lock()
		r.cancelSchedule = cancel
		r.mu.Unlock()
	}

	go r.drainLoop()

	r.logger.Info(r.withAgent(ctx), "agent started",
		zap.Int("max_concurrency", r.maxConcurrency),
		zap.Int("retry_attempts", r.retryAttempts),
		zap.Stringer("schedule", r.schedule),
	)
	return nil
}

// Stop moves the runtime to stopped. Queued tasks are dropped; in-flight
// tasks and a running scheduled callback get up to the stop timeout to
// finish. When they do not, their context is cancelled and ErrStopTimeout is
// returned without waiting further.
func (r *Runtime) Stop(ctx context.Context) error {
	ctx = r.withAgent(ctx)

	r.mu.Lock()
	switch r.state {
	case StateStopped:
		r.mu.Unlock()
		return fmt.Errorf("%w: already stopped", ErrInvalidState)
	case StateIdle:
		r.state = StateStopped
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopped
	cancelSchedule := r.cancelSchedule
	subs := r.subs
	r.subs = nil
	dropped := len(r.queue)
	r.queue = nil
	r.mu.Unlock()

	r.metrics.queueLength.WithLabelValues(r.name).Set(0)

	if cancelSchedule != nil {
		cancelSchedule()
	}
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			r.logger.Warn(ctx, "unsubscribe failed", zap.Error(err))
		}
	}
	close(r.stopDrain)
	<-r.drainDone

	if dropped > 0 {
		r.logger.Warn(ctx, "dropping queued tasks", zap.Int("count", dropped))
	}

	done := make(chan struct{})
	go func() {
		r.tasks.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.stopTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-done:
	case <-timer.C:
		waitErr = ErrStopTimeout
	case <-ctx.Done():
		waitErr = errors.Join(ErrStopTimeout, ctx.Err())
	}
	r.cancelTasks()

	if waitErr != nil {
		r.mu.Lock()
		inflight, scheduled := r.inflight, r.scheduledRunning
		r.mu.Unlock()
		r.logger.Warn(ctx, "unclean shutdown",
			zap.Int("inflight", inflight),
			zap.Int("scheduled", scheduled),
		)
		return waitErr
	}
	r.logger.Info(ctx, "agent stopped")
	return nil
}

// Enqueue appends task to the queue and returns its ID. ID, Timestamp and
// RetryCount are filled in when absent.
func (r *Runtime) Enqueue(task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Timestamp.IsZero() {
		task.Timestamp = r.now().UTC()
	}
	if task.RetryCount < 0 {
		task.RetryCount = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStopped {
		return "", ErrAgentStopped
	}
	t := task
	r.queue = append(r.queue, &t)
	r.metrics.queueLength.WithLabelValues(r.name).Set(float64(len(r.queue)))
	return task.ID, nil
}

func (r *Runtime) drainLoop() {
	defer close(r.drainDone)

	ticker := time.NewTicker(r.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopDrain:
			return
		case <-ticker.C:
			r.drain()
		}
	}
}

// drain dispatches ready tasks in FIFO order until the pool is full.
func (r *Runtime) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for r.state == StateActive && r.inflight < r.maxConcurrency {
		idx := -1
		for i, t := range r.queue {
			if t.ready(now) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		if r.limiter != nil && !r.limiter.Allow() {
			break
		}

		task := r.queue[idx]
		r.queue = append(r.queue[:idx], r.queue[idx+1:]...)
		r.inflight++
		r.tasks.Add(1)
		go r.execute(task)
	}

	r.metrics.queueLength.WithLabelValues(r.name).Set(float64(len(r.queue)))
	r.metrics.inflight.WithLabelValues(r.name).Set(float64(r.inflight))
}

func (r *Runtime) execute(task *Task) {
	defer r.tasks.Done()

	ctx := logging.WithTaskID(r.taskCtx, task.ID)
	ctx, span := r.tracer.Start(ctx, "agent.task",
		trace.WithAttributes(
			attribute.String("agent.name", r.name),
			attribute.String("task.id", task.ID),
			attribute.String("task.type", task.Type),
			attribute.Int("task.retry_count", task.RetryCount),
		),
	)

	start := time.Now()
	_, err := r.invoke(ctx, *task)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()

	r.finish(ctx, task, err, elapsed)
}

func (r *Runtime) invoke(ctx context.Context, task Task) (res any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error(ctx, "task panicked",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, p)
		}
	}()
	return r.worker.ExecuteTask(ctx, task)
}

func (r *Runtime) finish(ctx context.Context, task *Task, err error, elapsed time.Duration) {
	taskID, taskType := task.ID, task.Type
	r.metrics.taskDuration.WithLabelValues(r.name).Observe(elapsed.Seconds())

	r.mu.Lock()
	r.inflight--
	r.stats.record(err == nil, elapsed, r.now())

	if err == nil {
		r.mu.Unlock()
		r.metrics.tasksTotal.WithLabelValues(r.name, "success").Inc()
		r.logger.Debug(ctx, "task completed",
			zap.String("task.type", taskType),
			zap.Duration("duration", elapsed),
		)
		return
	}

	r.metrics.tasksTotal.WithLabelValues(r.name, "failure").Inc()
	retry := !IsPermanent(err) && task.RetryCount < r.retryAttempts && r.state == StateActive
	if retry {
		task.RetryCount++
		if r.backoff != nil {
			task.NotBefore = r.now().Add(r.retryDelay(task.RetryCount))
		}
		// Once queued, a drain tick may redispatch task; only read the copy.
		retryCount := task.RetryCount
		r.queue = append(r.queue, task)
		r.stats.Retries++
		r.mu.Unlock()

		r.metrics.tasksTotal.WithLabelValues(r.name, "retry").Inc()
		r.logger.Warn(ctx, "task failed, retrying",
			zap.String("task.type", taskType),
			zap.Int("retry_count", retryCount),
			zap.Error(err),
		)
		return
	}
	attempts := task.RetryCount + 1
	r.stats.PermanentFailures++
	r.mu.Unlock()

	r.metrics.tasksTotal.WithLabelValues(r.name, "permanent_failure").Inc()
	r.logger.Error(ctx, "task failed permanently",
		zap.String("task.type", taskType),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	_ = Publish(ctx, r, TopicTaskFailed, TaskFailedEvent{
		Agent:    r.name,
		TaskID:   taskID,
		TaskType: taskType,
		Attempts: attempts,
		Error:    err.Error(),
		FailedAt: r.now().UTC(),
	})
}

// retryDelay returns the backoff before attempt n (1-based).
func (r *Runtime) retryDelay(n int) time.Duration {
	b := r.backoff()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return 0
	}
	return d
}

func (r *Runtime) runScheduled(ctx context.Context) {
	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		return
	}
	r.lastScheduled = r.now()
	r.scheduledRunning++
	r.tasks.Add(1)
	taskCtx := r.taskCtx
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.scheduledRunning--
		r.mu.Unlock()
		r.tasks.Done()
	}()

	// Stop cancels in-flight work through taskCtx; scheduled runs see it too.
	ctx, cancel := context.WithCancel(r.withAgent(ctx))
	defer cancel()
	defer context.AfterFunc(taskCtx, cancel)()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error(ctx, "scheduled run panicked",
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()),
				)
				err = fmt.Errorf("%w: %v", ErrTaskPanicked, p)
			}
		}()
		return r.scheduled(ctx)
	}()

	if err == nil {
		r.metrics.scheduledTotal.WithLabelValues(r.name, "success").Inc()
		return
	}

	r.metrics.scheduledTotal.WithLabelValues(r.name, "failure").Inc()
	r.logger.Error(ctx, "scheduled run failed", zap.Error(err))
	_ = Publish(ctx, r, TopicAgentError, AgentErrorEvent{
		Agent:  r.name,
		Source: "schedule",
		Error:  err.Error(),
		At:     r.now().UTC(),
	})
}
