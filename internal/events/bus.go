// Package events carries fire-and-forget notifications between agents.
//
// A Bus moves raw payloads by subject. Topic[T] binds a subject to a payload
// type so publishers and subscribers agree on the shape at compile time:
//
//	var TaskFailed = events.NewTopic[TaskFailedEvent]("agent.task_failed")
//
//	events.Publish(ctx, bus, TaskFailed, TaskFailedEvent{...})
//	events.Subscribe(bus, TaskFailed, func(ctx context.Context, e TaskFailedEvent) error { ... })
//
// Delivery is at-most-once. A subscriber that is not listening when an event
// is published never sees it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Handler processes one raw payload. Returned errors are logged by the bus.
type Handler func(ctx context.Context, data []byte) error

// Subscription is an active registration on a Bus.
type Subscription interface {
	Unsubscribe() error
}

// Bus is the transport the agents publish through.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, h Handler) (Subscription, error)
	Close() error
}

// Topic binds a subject name to a payload type.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the subject the topic publishes on.
func (t Topic[T]) Name() string {
	return t.name
}

// Publish encodes v as JSON and publishes it on topic.
func Publish[T any](ctx context.Context, bus Bus, topic Topic[T], v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic.name, err)
	}
	return bus.Publish(ctx, topic.name, data)
}

// Subscribe decodes each payload on topic into T before calling fn.
func Subscribe[T any](bus Bus, topic Topic[T], fn func(ctx context.Context, v T) error) (Subscription, error) {
	return bus.Subscribe(topic.name, func(ctx context.Context, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode %s: %w", topic.name, err)
		}
		return fn(ctx, v)
	})
}
