package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_cinema/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis, func()) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cache := NewRedisCache(client, 15*time.Minute)

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return cache, mr, cleanup
}

func TestGet_Success(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()

	cart := &domain.Cart{
		UserID:  userID,
		Version: 4,
		Items: []domain.CartItem{
			{ItemID: 1, Name: "Alien", UnitPrice: 1200},
			{ItemID: 2, Name: "Heat", UnitPrice: 800},
		},
	}

	cartJSON, _ := json.Marshal(cart)
	mr.Set(cacheKey(userID), string(cartJSON))

	result, err := cache.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, userID, result.UserID)
	assert.Equal(t, int64(4), result.Version)
	assert.Len(t, result.Items, 2)
	assert.Equal(t, domain.Money(1200), result.Items[0].UnitPrice)
}

func TestGet_CacheMiss(t *testing.T) {
	cache, _, cleanup := setupTestRedis(t)
	defer cleanup()

	result, err := cache.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Nil(t, result)
}

func TestGet_InvalidJSON(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	userID := uuid.New()
	require.NoError(t, mr.Set(cacheKey(userID), `{"user_id":`))

	_, err := cache.Get(context.Background(), userID)
	require.ErrorContains(t, err, "unmarshal cart failed")
}

func TestSet_WithTTL(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	userID := uuid.New()
	err := cache.Set(context.Background(), userID, &domain.Cart{UserID: userID, Items: []domain.CartItem{}})
	require.NoError(t, err)

	ttl := mr.TTL(cacheKey(userID))
	assert.GreaterOrEqual(t, ttl, 15*time.Minute, "TTL should be at least base TTL")
	assert.LessOrEqual(t, ttl, 20*time.Minute, "TTL should be base + max jitter")
}

func TestDelete(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()
	require.NoError(t, cache.Set(ctx, userID, &domain.Cart{UserID: userID}))
	assert.True(t, mr.Exists(cacheKey(userID)))

	require.NoError(t, cache.Delete(ctx, userID))
	assert.False(t, mr.Exists(cacheKey(userID)))

	// deleting a missing key is not an error
	assert.NoError(t, cache.Delete(ctx, uuid.New()))
}

func TestRedisUnavailable(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()
	mr.Close()

	_, err := cache.Get(context.Background(), uuid.New())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestCacheKey_Format(t *testing.T) {
	id := uuid.MustParse("8a7c0f8e-4c57-4b7e-9f57-0c5b7d7a9e11")
	assert.Equal(t, "cart:8a7c0f8e-4c57-4b7e-9f57-0c5b7d7a9e11", cacheKey(id))
}
