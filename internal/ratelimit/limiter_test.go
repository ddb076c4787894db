package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestLimiter(t *testing.T, limit int) (*miniredis.Miniredis, *Limiter) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	limiter := NewLimiter(redisClient, "crisis:ratelimit:", limit, 24*time.Hour, zap.NewNop())
	return mr, limiter
}

func TestAllow_UnderLimit(t *testing.T) {
	_, limiter := setupTestLimiter(t, 50)

	ctx := context.Background()
	for i := 1; i <= 50; i++ {
		count, err := limiter.Allow(ctx, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, int64(i), count)
	}
}

func TestAllow_51stAttemptFails(t *testing.T) {
	_, limiter := setupTestLimiter(t, 50)

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := limiter.Allow(ctx, "inst-1")
		require.NoError(t, err)
	}

	// 第 51 次必须返回限流错误
	count, err := limiter.Allow(ctx, "inst-1")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
	assert.Equal(t, int64(51), count)
}

func TestAllow_InstitutionsIsolated(t *testing.T) {
	_, limiter := setupTestLimiter(t, 1)

	ctx := context.Background()
	_, err := limiter.Allow(ctx, "inst-1")
	require.NoError(t, err)

	// 不同机构的计数互不影响
	_, err = limiter.Allow(ctx, "inst-2")
	assert.NoError(t, err)

	_, err = limiter.Allow(ctx, "inst-1")
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
}

func TestAllow_BucketTTLSet(t *testing.T) {
	mr, limiter := setupTestLimiter(t, 50)

	ctx := context.Background()
	_, err := limiter.Allow(ctx, "inst-1")
	require.NoError(t, err)

	key := limiter.BucketKey("inst-1", time.Now())
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 24*time.Hour)
}

func TestAllow_TTLExpiryResetsBucket(t *testing.T) {
	mr, limiter := setupTestLimiter(t, 1)

	ctx := context.Background()
	_, err := limiter.Allow(ctx, "inst-1")
	require.NoError(t, err)
	_, err = limiter.Allow(ctx, "inst-1")
	require.Error(t, err)

	// TTL 到期后桶重置
	mr.FastForward(25 * time.Hour)

	_, err = limiter.Allow(ctx, "inst-1")
	assert.NoError(t, err)
}
