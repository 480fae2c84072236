package agent

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidState is returned for a lifecycle call the current state forbids.
	ErrInvalidState = errors.New("invalid agent state")

	// ErrAgentStopped is returned when enqueueing on a stopped agent.
	ErrAgentStopped = errors.New("agent stopped")

	// ErrStopTimeout is returned by Stop when in-flight tasks outlive the stop timeout.
	ErrStopTimeout = errors.New("stop timeout exceeded with tasks in flight")

	// ErrUnknownTaskType is returned by workers for a task type they do not handle.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrTaskPanicked wraps a recovered worker panic.
	ErrTaskPanicked = errors.New("task panicked")
)

// Task is one unit of queued work. It is owned by the runtime that accepted it.
type Task struct {
	ID         string
	Type       string
	Payload    any
	RetryCount int
	Timestamp  time.Time

	// NotBefore holds a retry back until the given time. Zero means ready.
	NotBefore time.Time
}

// NewTask creates a task with a generated ID.
func NewTask(taskType string, payload any) Task {
	return Task{
		ID:        uuid.New().String(),
		Type:      taskType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

func (t *Task) ready(now time.Time) bool {
	return t.NotBefore.IsZero() || !now.Before(t.NotBefore)
}

// Worker executes tasks on behalf of a Runtime.
type Worker interface {
	ExecuteTask(ctx context.Context, task Task) (any, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, task Task) (any, error)

func (f WorkerFunc) ExecuteTask(ctx context.Context, task Task) (any, error) {
	return f(ctx, task)
}

// Permanent marks err as not worth retrying. The runtime fails the task on
// the first attempt.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perr *backoff.PermanentError
	return errors.As(err, &perr)
}
