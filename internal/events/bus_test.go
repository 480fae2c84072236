package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type sample struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

var sampleTopic = NewTopic[sample]("test.sample")

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	var zero T
	return zero
}

func TestLocalBus_TypedRoundTrip(t *testing.T) {
	bus := NewLocalBus(zap.NewNop())
	defer bus.Close()

	got := make(chan sample, 1)
	_, err := Subscribe(bus, sampleTopic, func(_ context.Context, s sample) error {
		got <- s
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, Publish(context.Background(), bus, sampleTopic, sample{ID: "k1", Score: 0.7}))

	assert.Equal(t, sample{ID: "k1", Score: 0.7}, receive(t, got))
}

func TestLocalBus_FanOutAndUnsubscribe(t *testing.T) {
	bus := NewLocalBus(nil)
	defer bus.Close()

	a := make(chan []byte, 2)
	b := make(chan []byte, 2)

	subA, err := bus.Subscribe("fan", func(_ context.Context, d []byte) error { a <- d; return nil })
	require.NoError(t, err)
	_, err = bus.Subscribe("fan", func(_ context.Context, d []byte) error { b <- d; return nil })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "fan", []byte("one")))
	assert.Equal(t, "one", string(receive(t, a)))
	assert.Equal(t, "one", string(receive(t, b)))

	require.NoError(t, subA.Unsubscribe())
	require.NoError(t, bus.Publish(context.Background(), "fan", []byte("two")))
	assert.Equal(t, "two", string(receive(t, b)))

	select {
	case d := <-a:
		t.Fatalf("unsubscribed handler received %q", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBus_NoSubscribersIsFine(t *testing.T) {
	bus := NewLocalBus(nil)
	defer bus.Close()

	assert.NoError(t, bus.Publish(context.Background(), "nobody.listens", []byte("x")))
}

func TestLocalBus_HandlerFailuresAreContained(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	bus := NewLocalBus(zap.New(core))

	_, err := bus.Subscribe("bad", func(context.Context, []byte) error { return errors.New("boom") })
	require.NoError(t, err)
	_, err = bus.Subscribe("bad", func(context.Context, []byte) error { panic("worse") })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "bad", []byte("x")))
	require.NoError(t, bus.Close())

	assert.Equal(t, 1, logs.FilterMessage("event handler failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("event handler panicked").Len())
}

func TestLocalBus_Closed(t *testing.T) {
	bus := NewLocalBus(nil)
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Publish(context.Background(), "x", nil), ErrBusClosed)
	_, err := bus.Subscribe("x", func(context.Context, []byte) error { return nil })
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestSubscribe_DecodeErrorIsReported(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	bus := NewLocalBus(zap.New(core))

	called := false
	_, err := Subscribe(bus, sampleTopic, func(context.Context, sample) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), sampleTopic.Name(), []byte("{not json")))
	require.NoError(t, bus.Close())

	assert.False(t, called)
	entries := logs.FilterMessage("event handler failed").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap()["error"], "decode test.sample")
}
