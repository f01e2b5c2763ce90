package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Bus carries committed operations between relay instances serving the same documents.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	// Listen delivers every payload published by any instance until ctx is cancelled.
	Listen(ctx context.Context, fn func(payload []byte)) error
}

// RedisBus is a Bus on a redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
}

var _ Bus = (*RedisBus)(nil)

func NewRedisBus(ctx context.Context, addr, channel string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	slog.Info("Connected to redis", "addr", addr, "channel", channel)
	return &RedisBus{client: rdb, channel: channel}, nil
}

func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Listen(ctx context.Context, fn func(payload []byte)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn([]byte(msg.Payload))
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
