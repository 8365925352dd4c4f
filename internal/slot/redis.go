package slot

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps payloads in Redis with a sliding expiry.
type Redis struct {
	Client *redis.Client
	TTL    time.Duration
}

// Get returns the payload and pushes its expiry forward.
func (r Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if r.Client == nil {
		return nil, errors.New("slot: redis client not configured")
	}
	data, err := r.Client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}
	if r.TTL > 0 {
		_ = r.Client.Expire(ctx, key, r.TTL).Err()
	}
	return data, nil
}

// Set stores data with the configured TTL. A zero TTL keeps the key forever.
func (r Redis) Set(ctx context.Context, key string, data []byte) error {
	if r.Client == nil {
		return errors.New("slot: redis client not configured")
	}
	return r.Client.Set(ctx, key, data, r.TTL).Err()
}

// Delete removes key.
func (r Redis) Delete(ctx context.Context, key string) error {
	if r.Client == nil {
		return errors.New("slot: redis client not configured")
	}
	return r.Client.Del(ctx, key).Err()
}

// Ping checks connectivity.
func (r Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return errors.New("slot: redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}
