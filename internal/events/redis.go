package events

import (
	"context"
	"fmt"
)

// EventPublisher is the subset of services.RedisService used here.
type EventPublisher interface {
	PublishEvent(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes JSON events on a Redis pub/sub channel.
type RedisPublisher struct {
	redis   EventPublisher
	channel string
}

func NewRedisPublisher(redis EventPublisher, channel string) *RedisPublisher {
	return &RedisPublisher{redis: redis, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.redis.PublishEvent(ctx, p.channel, payload)
}
