package prediction

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCancelOracle reports cancellation by checking whether CancelKey
// exists in Redis. When CancelKey is empty it always reports false, per
// spec §4.3.
type RedisCancelOracle struct {
	RDB       *redis.Client
	CancelKey string
}

// Canceled implements CancelOracle.
func (o *RedisCancelOracle) Canceled(ctx context.Context) (bool, error) {
	if o.CancelKey == "" {
		return false, nil
	}
	n, err := o.RDB.Exists(ctx, o.CancelKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("checking cancel key %q: %w", o.CancelKey, err)
	}
	return n > 0, nil
}
