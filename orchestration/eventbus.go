package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stepflow-io/stepflow/core"
)

// EventBus is the messaging seam of the engine: the publish_event builtin
// and the progress notifier publish through it, and the runtime subscribes
// to the ingress topic for inbound completion events.
type EventBus interface {
	// Publish sends a payload on a topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a channel of payloads for a topic plus a cancel
	// function that releases the subscription and closes the channel.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

// RedisEventBus implements EventBus over Redis pub/sub.
type RedisEventBus struct {
	client *redis.Client
	logger core.Logger
}

// RedisEventBusOption configures a RedisEventBus.
type RedisEventBusOption func(*RedisEventBus)

// WithEventBusLogger sets the logger (defaults to NoOp).
func WithEventBusLogger(logger core.Logger) RedisEventBusOption {
	return func(b *RedisEventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewRedisEventBus connects to Redis and verifies the connection.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewRedisEventBus(redisURL string, opts ...RedisEventBusOption) (*RedisEventBus, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL (check REDIS_URL): %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis (check REDIS_URL): %w", err)
	}

	b := &RedisEventBus{client: client, logger: &core.NoOpLogger{}}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// NewRedisEventBusFromClient wraps an existing client; the caller keeps
// ownership of its lifecycle. Used by tests running against miniredis.
func NewRedisEventBusFromClient(client *redis.Client, opts ...RedisEventBusOption) *RedisEventBus {
	b := &RedisEventBus{client: client, logger: &core.NoOpLogger{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *RedisEventBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	b.logger.DebugWithContext(ctx, "Published event", map[string]interface{}{
		"operation": "eventbus_publish",
		"topic":     topic,
		"bytes":     len(payload),
	})
	return nil
}

func (b *RedisEventBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	pubsub := b.client.Subscribe(ctx, topic)
	// Wait for the subscription to be confirmed so published events are not
	// lost between Subscribe returning and the receive loop starting.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	out := make(chan []byte)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return out, cancel, nil
}

// Close releases the Redis connection.
func (b *RedisEventBus) Close() error {
	return b.client.Close()
}

// InMemoryEventBus is the single-process EventBus used by tests and
// embedded deployments.
type InMemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan []byte
	closed bool
}

// NewInMemoryEventBus creates an empty bus.
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{subs: make(map[string][]chan []byte)}
}

func (b *InMemoryEventBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus closed")
	}
	for _, ch := range b.subs[topic] {
		// Best-effort: a subscriber that stopped draining does not block
		// publishers.
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *InMemoryEventBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("event bus closed")
	}

	ch := make(chan []byte, 64)
	b.subs[topic] = append(b.subs[topic], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chans := b.subs[topic]
			for i, c := range chans {
				if c == ch {
					b.subs[topic] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Close drops every subscription.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan []byte)
	return nil
}

var (
	_ EventBus = (*RedisEventBus)(nil)
	_ EventBus = (*InMemoryEventBus)(nil)
)
