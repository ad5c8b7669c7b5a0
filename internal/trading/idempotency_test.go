package trading

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewIdempotencyStore(client, time.Minute)
	ctx := context.Background()
	userID := uuid.New()
	tradeID := uuid.New()

	t.Run("MissBeforeRemember", func(t *testing.T) {
		_, ok := store.Lookup(ctx, userID, "order-1")
		assert.False(t, ok)
	})

	t.Run("RememberThenHit", func(t *testing.T) {
		store.Remember(ctx, userID, "order-1", tradeID)

		got, ok := store.Lookup(ctx, userID, "order-1")
		require.True(t, ok)
		assert.Equal(t, tradeID, got)
	})

	t.Run("KeysAreScopedPerUser", func(t *testing.T) {
		_, ok := store.Lookup(ctx, uuid.New(), "order-1")
		assert.False(t, ok, "another user's key must not replay")
	})

	t.Run("EntryExpiresWithTTL", func(t *testing.T) {
		store.Remember(ctx, userID, "order-ttl", tradeID)
		mr.FastForward(2 * time.Minute)

		_, ok := store.Lookup(ctx, userID, "order-ttl")
		assert.False(t, ok)
	})

	t.Run("FlushReadsAsMiss", func(t *testing.T) {
		store.Remember(ctx, userID, "order-2", tradeID)
		mr.FlushAll()

		_, ok := store.Lookup(ctx, userID, "order-2")
		assert.False(t, ok)
	})

	t.Run("GarbageValueReadsAsMiss", func(t *testing.T) {
		require.NoError(t, client.Set(ctx, "idem:"+userID.String()+":order-3", "not-a-uuid", time.Minute).Err())

		_, ok := store.Lookup(ctx, userID, "order-3")
		assert.False(t, ok)
	})

	t.Run("NilStoreAndClientAreSafe", func(t *testing.T) {
		var nilStore *IdempotencyStore
		_, ok := nilStore.Lookup(ctx, userID, "order-4")
		assert.False(t, ok)
		nilStore.Remember(ctx, userID, "order-4", tradeID)

		degraded := NewIdempotencyStore(nil, 0)
		_, ok = degraded.Lookup(ctx, userID, "order-4")
		assert.False(t, ok)
		degraded.Remember(ctx, userID, "order-4", tradeID)
	})
}
