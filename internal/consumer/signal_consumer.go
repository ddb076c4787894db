package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/orchestrator"
	"github.com/omarKhan56/Mind-Bridge-sub000/pkg/redisutil"
)

// staleClaimIdle 认领死亡实例 pending 消息前的最短滞留时间
const staleClaimIdle = time.Minute

// Processor 事件同步执行契约（由编排器实现）
// 执行完成意味着所有 handler 已跑完，失败事件已路由到死信
type Processor interface {
	DispatchSync(ctx context.Context, ev orchestrator.Event)
}

// SignalConsumer 信号消费者（Redis Streams 消费者组）
type SignalConsumer struct {
	client       *redis.Client
	stream       string
	group        string
	consumerName string
	readCount    int64
	processor    Processor
	logger       *zap.Logger

	malformed atomic.Int64
}

// NewSignalConsumer 创建信号消费者
func NewSignalConsumer(client *redis.Client, stream, group string, readCount int64, processor Processor, logger *zap.Logger) *SignalConsumer {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	if readCount <= 0 {
		readCount = 10
	}
	return &SignalConsumer{
		client:       client,
		stream:       stream,
		group:        group,
		consumerName: hostname,
		readCount:    readCount,
		processor:    processor,
		logger:       logger,
	}
}

// Start 启动消费循环（阻塞直到 ctx 取消）
// 先重放崩溃遗留的 pending 消息，保证至少一次投递
func (c *SignalConsumer) Start(ctx context.Context) error {
	if err := redisutil.CreateConsumerGroup(ctx, c.client, c.stream, c.group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Signal consumer started",
		zap.String("stream", c.stream),
		zap.String("group", c.group),
		zap.String("consumer", c.consumerName))

	c.drainBacklog(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Signal consumer stopped")
			return nil
		default:
		}

		messages, err := redisutil.ReadFromStream(ctx, c.client, c.stream, c.group, c.consumerName, c.readCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to read from signal stream",
				zap.Error(err))
			continue
		}

		for _, msg := range messages {
			c.handleMessage(ctx, msg)
		}
	}
}

// MalformedCount 已跳过的格式错误消息数
func (c *SignalConsumer) MalformedCount() int64 {
	return c.malformed.Load()
}

// drainBacklog 处理上次运行遗留的未确认消息
// 自己名下的 pending 直接重读，死亡实例的 pending 超过滞留时限后认领
func (c *SignalConsumer) drainBacklog(ctx context.Context) {
	for {
		messages, err := redisutil.ReadPendingBacklog(ctx, c.client, c.stream, c.group, c.consumerName, c.readCount)
		if err != nil {
			c.logger.Error("Failed to read pending backlog",
				zap.Error(err))
			return
		}
		if len(messages) == 0 {
			break
		}
		c.logger.Info("Replaying pending signals",
			zap.Int("count", len(messages)))
		for _, msg := range messages {
			c.handleMessage(ctx, msg)
		}
	}

	claimed, err := redisutil.ClaimStaleMessages(ctx, c.client, c.stream, c.group, c.consumerName, staleClaimIdle, c.readCount)
	if err != nil {
		c.logger.Error("Failed to claim stale signals",
			zap.Error(err))
		return
	}
	if len(claimed) > 0 {
		c.logger.Info("Claimed stale signals from dead consumers",
			zap.Int("count", len(claimed)))
		for _, msg := range claimed {
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *SignalConsumer) handleMessage(ctx context.Context, msg redisutil.StreamMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		c.skipMalformed(ctx, msg, fmt.Errorf("missing data field"))
		return
	}

	signal, err := NormalizeSignal([]byte(data))
	if err != nil {
		c.skipMalformed(ctx, msg, err)
		return
	}

	payload, err := json.Marshal(signal)
	if err != nil {
		c.skipMalformed(ctx, msg, err)
		return
	}

	// 同步执行全部 handler，执行完成（含死信路由）后才确认。
	// 崩溃时消息留在 pending 队列，重启后重放，重复投递由去重标记吸收
	c.processor.DispatchSync(ctx, orchestrator.Event{
		Name:    models.EventSignalReceived,
		Key:     signal.DedupeKey(),
		Payload: payload,
	})

	if ctx.Err() != nil {
		// 停机中断的处理不确认，留待重启后重放
		return
	}

	if err := redisutil.AckMessage(ctx, c.client, c.stream, c.group, msg.ID); err != nil {
		c.logger.Warn("Failed to ack signal message",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}

// skipMalformed 格式错误的消息确认后跳过，不中断消费循环
func (c *SignalConsumer) skipMalformed(ctx context.Context, msg redisutil.StreamMessage, cause error) {
	c.malformed.Add(1)
	c.logger.Warn("Malformed signal skipped",
		zap.String("message_id", msg.ID),
		zap.Error(cause))
	if err := redisutil.AckMessage(ctx, c.client, c.stream, c.group, msg.ID); err != nil {
		c.logger.Warn("Failed to ack malformed message",
			zap.String("message_id", msg.ID),
			zap.Error(err))
	}
}
