package pubsub

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 64

var ErrBusClosed = errors.New("bus closed")

// MemoryBus delivers within one process. A subscriber whose buffer is full
// misses the event.
type MemoryBus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	topics map[string]map[*memorySubscription]struct{}
	closed bool
}

type memorySubscription struct {
	bus    *MemoryBus
	topics []string
	events chan Envelope
	once   sync.Once
	done   chan struct{}
}

func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		logger: logger,
		topics: make(map[string]map[*memorySubscription]struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, kind EventKind, scopeID string, msg Message) error {
	envelope, err := NewEnvelope(kind, scopeID, msg)
	if err != nil {
		return err
	}
	return b.deliver(envelope)
}

func (b *MemoryBus) deliver(envelope Envelope) error {
	topic := envelope.Topic()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for sub := range b.topics[topic] {
		select {
		case sub.events <- envelope:
		default:
			b.logger.Warn("pubsub subscriber buffer full; dropping event", zap.String("topic", topic))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics []string, handler Handler) (Subscription, error) {
	sub := &memorySubscription{
		bus:    b,
		topics: append([]string(nil), topics...),
		events: make(chan Envelope, subscriberBuffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	for _, topic := range sub.topics {
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[*memorySubscription]struct{})
		}
		b.topics[topic][sub] = struct{}{}
	}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case envelope := <-sub.events:
				handler(envelope)
			case <-sub.done:
				return
			case <-ctx.Done():
				_ = sub.Close()
				return
			}
		}
	}()
	return sub, nil
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for _, topic := range s.topics {
			delete(s.bus.topics[topic], s)
			if len(s.bus.topics[topic]) == 0 {
				delete(s.bus.topics, topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
