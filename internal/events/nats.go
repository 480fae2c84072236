package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// NATSBus publishes events as core NATS messages under a subject prefix.
// Trace context travels in message headers.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// NATSOption configures a NATSBus.
type NATSOption func(*NATSBus)

// WithSubjectPrefix namespaces every subject, e.g. "curator" turns
// "agent.error" into "curator.agent.error".
func WithSubjectPrefix(prefix string) NATSOption {
	return func(b *NATSBus) {
		b.prefix = strings.TrimSuffix(prefix, ".")
	}
}

// WithNATSLogger sets the logger for handler failures.
func WithNATSLogger(logger *zap.Logger) NATSOption {
	return func(b *NATSBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewNATSBus wraps an existing connection. The caller keeps ownership of nc.
func NewNATSBus(nc *nats.Conn, opts ...NATSOption) (*NATSBus, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	b := &NATSBus{nc: nc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// ConnectNATS dials url and returns a bus that owns the connection.
// token may be empty.
func ConnectNATS(url, token string, opts ...NATSOption) (*NATSBus, error) {
	natsOpts := []nats.Option{
		nats.Name("curator"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
	}
	if token != "" {
		natsOpts = append(natsOpts, nats.Token(token))
	}

	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	b, err := NewNATSBus(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// headerCarrier adapts nats.Header to the OTEL propagators. NATS keeps
// header keys as sent, so lookups fall back to a case-insensitive match.
type headerCarrier nats.Header

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	if v := nats.Header(c).Get(key); v != "" {
		return v
	}
	for k, vs := range c {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	nats.Header(c).Set(key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func (b *NATSBus) subject(name string) string {
	if b.prefix == "" {
		return name
	}
	return b.prefix + "." + name
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.nc.IsClosed() {
		return ErrBusClosed
	}

	msg := nats.NewMsg(b.subject(subject))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Header))

	if err := b.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", subject)
	}
	if b.nc.IsClosed() {
		return nil, ErrBusClosed
	}

	sub, err := b.nc.Subscribe(b.subject(subject), func(m *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					zap.String("subject", m.Subject),
					zap.Any("panic", r))
			}
		}()

		ctx := context.Background()
		if m.Header != nil {
			ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(m.Header))
		}
		if err := h(ctx, m.Data); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", m.Subject),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Flush blocks until the server has processed everything published so far.
func (b *NATSBus) Flush() error {
	return b.nc.Flush()
}

// Close drains the connection when the bus owns it.
func (b *NATSBus) Close() error {
	if !b.owned || b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}
