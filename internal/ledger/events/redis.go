package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"impactledger/internal/ledger/models"
)

// RedisPublisher publishes events on a pub/sub channel. Delivery is
// at-most-once to whoever is subscribed at the time.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) (*RedisPublisher, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if channel == "" {
		return nil, errors.New("redis channel is required")
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event models.Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}
