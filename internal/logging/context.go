package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type agentCtxKey struct{}
type taskCtxKey struct{}
type requestCtxKey struct{}

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if agent := AgentFromContext(ctx); agent != "" {
		fields = append(fields, zap.String("agent", agent))
	}
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task.id", taskID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	return fields
}

// WithAgent tags ctx with the name of the agent doing the work.
func WithAgent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, name)
}

func AgentFromContext(ctx context.Context) string {
	s, _ := ctx.Value(agentCtxKey{}).(string)
	return s
}

// WithTaskID tags ctx with the task being executed.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, id)
}

func TaskIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(taskCtxKey{}).(string)
	return s
}

// WithRequestID tags ctx with an inbound HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}
