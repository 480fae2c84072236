package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/curator/internal/events"
)

// TaskFailedEvent is published once per task that exhausted its retries.
type TaskFailedEvent struct {
	Agent    string    `json:"agent"`
	TaskID   string    `json:"task_id"`
	TaskType string    `json:"task_type"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// AgentErrorEvent reports a failure outside task execution, such as a
// scheduled run returning an error.
type AgentErrorEvent struct {
	Agent  string    `json:"agent"`
	Source string    `json:"source"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

var (
	TopicTaskFailed = events.NewTopic[TaskFailedEvent]("agent.task_failed")
	TopicAgentError = events.NewTopic[AgentErrorEvent]("agent.error")
)

// Publish sends v on topic through the runtime's bus. Failures are logged
// and returned; callers usually ignore them.
func Publish[T any](ctx context.Context, r *Runtime, topic events.Topic[T], v T) error {
	if err := events.Publish(ctx, r.bus, topic, v); err != nil {
		r.logger.Warn(ctx, "event publish failed",
			zap.String("topic", topic.Name()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Subscribe registers fn on topic. The subscription is released when the
// runtime stops.
func Subscribe[T any](r *Runtime, topic events.Topic[T], fn func(ctx context.Context, v T) error) error {
	sub, err := events.Subscribe(r.bus, topic, func(ctx context.Context, v T) error {
		return fn(r.withAgent(ctx), v)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	return nil
}
