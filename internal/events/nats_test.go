package events

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func TestNATSBus_TypedRoundTrip(t *testing.T) {
	srv := startTestNATSServer(t)

	bus, err := ConnectNATS(srv.ClientURL(), "", WithSubjectPrefix("curator."))
	require.NoError(t, err)
	defer bus.Close()

	got := make(chan sample, 1)
	_, err = Subscribe(bus, sampleTopic, func(_ context.Context, s sample) error {
		got <- s
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Flush())

	require.NoError(t, Publish(context.Background(), bus, sampleTopic, sample{ID: "k9", Score: 0.91}))
	assert.Equal(t, sample{ID: "k9", Score: 0.91}, receive(t, got))
}

func TestNATSBus_UsesSubjectPrefix(t *testing.T) {
	srv := startTestNATSServer(t)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	raw := make(chan *nats.Msg, 1)
	_, err = nc.ChanSubscribe("curator.test.sample", raw)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	bus, err := NewNATSBus(nc, WithSubjectPrefix("curator"))
	require.NoError(t, err)

	require.NoError(t, Publish(context.Background(), bus, sampleTopic, sample{ID: "raw"}))

	select {
	case msg := <-raw:
		assert.JSONEq(t, `{"id":"raw","score":0}`, string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for prefixed message")
	}

	// the bus does not own nc
	require.NoError(t, bus.Close())
	assert.False(t, nc.IsClosed())
}

func TestNATSBus_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	srv := startTestNATSServer(t)
	bus, err := ConnectNATS(srv.ClientURL(), "")
	require.NoError(t, err)
	defer bus.Close()

	got := make(chan trace.SpanContext, 1)
	_, err = bus.Subscribe("traced", func(ctx context.Context, _ []byte) error {
		got <- trace.SpanContextFromContext(ctx)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Flush())

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	require.NoError(t, bus.Publish(ctx, "traced", []byte("{}")))

	sc := receive(t, got)
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
}

func TestHeaderCarrier_LowercaseKeys(t *testing.T) {
	h := nats.Header{}
	h["traceparent"] = []string{"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}

	c := headerCarrier(h)
	assert.Equal(t, h["traceparent"][0], c.Get("traceparent"))
	assert.Equal(t, h["traceparent"][0], c.Get("Traceparent"))
	assert.Empty(t, c.Get("tracestate"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())

	ctx := propagation.TraceContext{}.Extract(context.Background(), c)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", trace.SpanContextFromContext(ctx).TraceID().String())
}

func TestNATSBus_ClosedConnection(t *testing.T) {
	srv := startTestNATSServer(t)
	bus, err := ConnectNATS(srv.ClientURL(), "")
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.Eventually(t, func() bool { return bus.nc.IsClosed() }, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, bus.Publish(context.Background(), "x", nil), ErrBusClosed)
}
