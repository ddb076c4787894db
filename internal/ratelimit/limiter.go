package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrRateLimitExceeded 限流超限错误
// 属于致命不可重试错误：重试不会改变结果，直接进入死信
var ErrRateLimitExceeded = errors.New("alert rate limit exceeded")

// Limiter 每机构每日报警限流器
// 计数通过 Redis INCR 原子更新，禁止读后写
type Limiter struct {
	redisClient *redis.Client
	keyPrefix   string
	limit       int
	ttl         time.Duration
	logger      *zap.Logger
}

// NewLimiter 创建限流器
func NewLimiter(redisClient *redis.Client, keyPrefix string, limit int, ttl time.Duration, logger *zap.Logger) *Limiter {
	return &Limiter{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		limit:       limit,
		ttl:         ttl,
		logger:      logger,
	}
}

// BucketKey 构建计数桶键（机构ID + 日期）
func (l *Limiter) BucketKey(institutionID string, now time.Time) string {
	return fmt.Sprintf("%s%s:%s", l.keyPrefix, institutionID, now.UTC().Format("2006-01-02"))
}

// Allow 原子递增并检查当日计数
// 超限返回 ErrRateLimitExceeded；首次递增时设置桶 TTL
func (l *Limiter) Allow(ctx context.Context, institutionID string) (int64, error) {
	key := l.BucketKey(institutionID, time.Now())

	count, err := l.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate limit bucket: %w", err)
	}

	if count == 1 {
		if err := l.redisClient.Expire(ctx, key, l.ttl).Err(); err != nil {
			l.logger.Warn("Failed to set rate limit bucket TTL",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}

	if count > int64(l.limit) {
		l.logger.Warn("Alert rate limit exceeded",
			zap.String("institution_id", institutionID),
			zap.Int64("count", count),
			zap.Int("limit", l.limit),
		)
		return count, fmt.Errorf("institution %s: %w", institutionID, ErrRateLimitExceeded)
	}

	return count, nil
}
