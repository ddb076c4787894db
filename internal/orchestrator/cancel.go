package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// CancelFlags 基于 Redis 的取消标记
// 取消事件与后续步骤之间天然存在竞态，标记在步骤边界检查，
// 已开始的步骤会执行完毕
type CancelFlags struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCancelFlags 创建取消标记存储
func NewCancelFlags(client *redis.Client, prefix string, ttl time.Duration) *CancelFlags {
	return &CancelFlags{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Set 设置取消标记
func (c *CancelFlags) Set(ctx context.Context, correlationID string) error {
	if correlationID == "" {
		return fmt.Errorf("correlation id is required")
	}
	if err := c.client.Set(ctx, c.prefix+correlationID, "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cancel flag: %w", err)
	}
	return nil
}

// IsSet 查询取消标记是否存在
func (c *CancelFlags) IsSet(ctx context.Context, correlationID string) (bool, error) {
	if correlationID == "" {
		return false, nil
	}
	_, err := c.client.Get(ctx, c.prefix+correlationID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return true, nil
}
