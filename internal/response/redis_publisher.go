package response

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher adapts *redis.Client to the Publisher interface.
type RedisPublisher struct {
	RDB *redis.Client
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, message any) error {
	return p.RDB.Publish(ctx, channel, message).Err()
}
