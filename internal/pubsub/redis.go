package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPrefix = "parabol:"

// RedisBus fans events out across API nodes with PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBus connects to redisURL and checks the connection.
func NewRedisBus(redisURL string, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBusWithClient(client, logger), nil
}

func NewRedisBusWithClient(client *redis.Client, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, prefix: redisChannelPrefix, logger: logger}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBus) Publish(ctx context.Context, kind EventKind, scopeID string, msg Message) error {
	envelope, err := NewEnvelope(kind, scopeID, msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(envelope.Topic()), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", envelope.Topic(), err)
	}
	return nil
}

type redisSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe returns once Redis has confirmed the subscription. go-redis
// reconnects and resubscribes a dropped connection on its own; events
// published while it is down are lost.
func (b *RedisBus) Subscribe(ctx context.Context, topics []string, handler Handler) (Subscription, error) {
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = b.channel(topic)
	}

	ps := b.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer ps.Close()
		b.consume(subCtx, ps.Channel(redis.WithChannelSize(subscriberBuffer)), handler)
	}()
	return sub, nil
}

func (b *RedisBus) consume(ctx context.Context, messages <-chan *redis.Message, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var envelope Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				b.logger.Warn("pubsub dropped malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			handler(envelope)
		}
	}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
