package events

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// LocalBus delivers events in-process. Each delivery runs on its own
// goroutine so a slow subscriber never blocks the publisher.
type LocalBus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	closed bool

	wg sync.WaitGroup
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{
		logger: logger,
		subs:   make(map[string]map[uint64]Handler),
	}
}

func (b *LocalBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	for _, h := range b.subs[subject] {
		b.wg.Add(1)
		go b.deliver(context.WithoutCancel(ctx), subject, h, data)
	}
	return nil
}

func (b *LocalBus) deliver(ctx context.Context, subject string, h Handler, data []byte) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subject", subject),
				zap.Any("panic", r))
		}
	}()

	if err := h(ctx, data); err != nil {
		b.logger.Warn("event handler failed",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func (b *LocalBus) Subscribe(subject string, h Handler) (Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", subject)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	id := b.nextID
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]Handler)
	}
	b.subs[subject][id] = h

	return &localSubscription{bus: b, subject: subject, id: id}, nil
}

// Close rejects new work and waits for in-flight deliveries.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[uint64]Handler)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

type localSubscription struct {
	bus     *LocalBus
	subject string
	id      uint64
}

func (s *localSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.subject], s.id)
	return nil
}
