package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/neontrader/backend/internal/metrics"
)

// IdempotencyStore maps submission keys to the trade they produced.
// Redis is the fast path with a 24h window; the partial unique index
// on trades(user_id, idempotency_key) is the durable backstop, so a
// dead or flushed Redis only costs a lookup, never correctness.
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyStore creates the store. A nil client degrades to
// database-only replay detection.
func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

// Lookup resolves a key to the trade it previously produced. Any
// Redis failure reads as a miss.
func (s *IdempotencyStore) Lookup(ctx context.Context, userID uuid.UUID, key string) (uuid.UUID, bool) {
	if s == nil || s.client == nil {
		return uuid.Nil, false
	}

	val, err := s.client.Get(ctx, s.key(userID, key)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("Idempotency lookup failed; falling back to database")
		}
		return uuid.Nil, false
	}
	metrics.RecordRedisOperation("idempotency_hit")

	tradeID, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false
	}
	return tradeID, true
}

// Remember arms a key for its replay window. Best effort: a write
// failure is logged and forgotten.
func (s *IdempotencyStore) Remember(ctx context.Context, userID uuid.UUID, key string, tradeID uuid.UUID) {
	if s == nil || s.client == nil {
		return
	}
	if err := s.client.Set(ctx, s.key(userID, key), tradeID.String(), s.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to arm idempotency key")
		return
	}
	metrics.RecordRedisOperation("idempotency_set")
}

func (s *IdempotencyStore) key(userID uuid.UUID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}
