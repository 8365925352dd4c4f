package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const priceKeyPrefix = "catalog:price:"

// Cache wraps Redis helpers for JSON payloads.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a cache helper. A nil client yields a cache that always
// misses.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// GetJSON unmarshals a cached JSON payload into dst. It reports whether the key existed.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c == nil || c.client == nil || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON serialises v as JSON and stores it with the configured TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if c == nil || c.client == nil || key == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

// Cached serves prices from Cache and falls back to Source for misses. Cache
// failures degrade to the source instead of failing the lookup.
type Cached struct {
	Source Pricer
	Cache  *Cache
	Logger zerolog.Logger
}

// Prices implements Pricer.
func (c Cached) Prices(ctx context.Context, ids []string) (map[string]decimal.Decimal, error) {
	if c.Source == nil {
		return nil, errors.New("catalog: source not configured")
	}
	ids = uniqueIDs(ids)
	out := make(map[string]decimal.Decimal, len(ids))
	var missing []string
	for _, id := range ids {
		var price decimal.Decimal
		ok, err := c.Cache.GetJSON(ctx, priceKeyPrefix+id, &price)
		if err != nil {
			c.Logger.Warn().Err(err).Str("product_id", id).Msg("catalog_cache_get_failed")
		}
		if ok && err == nil {
			out[id] = price
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	fresh, err := c.Source.Prices(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, price := range fresh {
		out[id] = price
		if err := c.Cache.SetJSON(ctx, priceKeyPrefix+id, price); err != nil {
			c.Logger.Warn().Err(err).Str("product_id", id).Msg("catalog_cache_set_failed")
		}
	}
	return out, nil
}
