package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// QuoteCache shares fresh quotes across processes through Redis. Entries
// carry the full quote so readers keep the source tag and fetch time.
type QuoteCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewQuoteCache creates a Redis-backed quote cache.
// If client is nil, returns nil (Redis is optional).
func NewQuoteCache(client *redis.Client, ttl time.Duration) *QuoteCache {
	if client == nil {
		return nil
	}

	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &QuoteCache{
		client: client,
		ttl:    ttl,
	}
}

// Get retrieves a cached quote. Returns false on miss or on any cache
// error; the aggregator falls back to live sources either way.
func (c *QuoteCache) Get(ctx context.Context, symbol string) (Quote, bool) {
	if c == nil || c.client == nil {
		return Quote{}, false
	}

	key := c.buildKey(symbol)

	// Short timeout so a slow Redis never blocks quote serving.
	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Str("key", key).
				Msg("Redis get error - treating as cache miss")
		}
		return Quote{}, false
	}

	var q Quote
	if err := json.Unmarshal([]byte(cached), &q); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to unmarshal cached quote")
		return Quote{}, false
	}

	return q, true
}

// Set stores a quote with the configured TTL. Failures are logged and
// returned but callers treat them as non-fatal.
func (c *QuoteCache) Set(ctx context.Context, q Quote) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	key := c.buildKey(q.Symbol)

	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, key, data, c.ttl).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("key", key).
			Msg("Failed to cache quote")
		return err
	}

	return nil
}

// Delete removes one symbol from the cache.
func (c *QuoteCache) Delete(ctx context.Context, symbol string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	key := c.buildKey(symbol)

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Del(cacheCtx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}

	return nil
}

// Clear removes all cached quotes.
func (c *QuoteCache) Clear(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	iter := c.client.Scan(cacheCtx, 0, c.buildKeyPattern(), 0).Iterator()
	count := 0

	for iter.Next(cacheCtx) {
		if err := c.client.Del(cacheCtx, iter.Val()).Err(); err != nil {
			log.Warn().
				Err(err).
				Str("key", iter.Val()).
				Msg("Failed to delete cache key")
		} else {
			count++
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan error: %w", err)
	}

	log.Info().
		Int("keys_deleted", count).
		Msg("Cleared quote cache")

	return nil
}

// Health checks the Redis connection.
func (c *QuoteCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}

func (c *QuoteCache) buildKey(symbol string) string {
	return fmt.Sprintf("neontrader:quote:%s", symbol)
}

func (c *QuoteCache) buildKeyPattern() string {
	return "neontrader:quote:*"
}
