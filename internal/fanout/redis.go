package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel hubs share.
const DefaultChannel = "hive:fanout"

// RedisBus relays frames through redis pub/sub so hubs in different
// processes see each other's emits.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers []func(Frame)

	pubsub *redis.PubSub
	done   chan struct{}
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithChannel overrides the pub/sub channel name.
func WithChannel(name string) RedisBusOption {
	return func(b *RedisBus) {
		if name != "" {
			b.channel = name
		}
	}
}

// WithRedisLogger overrides the bus logger.
func WithRedisLogger(logger *slog.Logger) RedisBusOption {
	return func(b *RedisBus) { b.logger = logger }
}

// NewRedisBus subscribes to the fan-out channel and starts the receive
// loop. The caller owns the client's lifecycle.
func NewRedisBus(client *redis.Client, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client:  client,
		channel: DefaultChannel,
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pubsub = client.Subscribe(context.Background(), b.channel)
	go b.receive()
	return b
}

// Publish marshals the frame onto the shared channel.
func (b *RedisBus) Publish(ctx context.Context, frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe registers a handler for incoming frames.
func (b *RedisBus) Subscribe(handler func(Frame)) {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
}

// Close tears down the subscription; the receive loop exits once the
// message channel drains.
func (b *RedisBus) Close() error {
	err := b.pubsub.Close()
	<-b.done
	return err
}

func (b *RedisBus) receive() {
	defer close(b.done)
	for msg := range b.pubsub.Channel() {
		var frame Frame
		if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			b.logger.Warn("fanout: dropping malformed bus frame", "error", err)
			continue
		}
		b.mu.RLock()
		handlers := make([]func(Frame), len(b.handlers))
		copy(handlers, b.handlers)
		b.mu.RUnlock()
		for _, h := range handlers {
			h(frame)
		}
	}
}
