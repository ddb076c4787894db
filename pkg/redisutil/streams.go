package redisutil

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamMessage Redis Streams 消息
type StreamMessage struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	// 使用 XADD 命令添加消息
	id, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(jsonBytes),
			"timestamp": time.Now().Unix(),
		},
	}).Result()

	return id, err
}

// ReadFromStream 从 Redis Streams 读取消息（消费者组方式）
func ReadFromStream(ctx context.Context, client *redis.Client, stream string, consumerGroup string, consumer string, count int64) ([]StreamMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    time.Second * 5, // 阻塞 5 秒
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	return flattenStreams(streams), nil
}

// ReadPendingBacklog 读取当前消费者名下未确认的历史消息
// 进程非正常退出后重启，先清空自己的 pending 队列再消费新消息
func ReadPendingBacklog(ctx context.Context, client *redis.Client, stream string, consumerGroup string, consumer string, count int64) ([]StreamMessage, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, "0"},
		Count:    count,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return []StreamMessage{}, nil
		}
		return nil, err
	}

	return flattenStreams(streams), nil
}

// ClaimStaleMessages 认领同组内其他消费者滞留超过 minIdle 的未确认消息
// 消费者实例死亡后其 pending 消息由存活实例回收
func ClaimStaleMessages(ctx context.Context, client *redis.Client, stream string, consumerGroup string, consumer string, minIdle time.Duration, count int64) ([]StreamMessage, error) {
	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, p := range pending {
		if p.Consumer != consumer && p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    consumerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range claimed {
		messages = append(messages, StreamMessage{
			Stream: stream,
			ID:     msg.ID,
			Values: msg.Values,
		})
	}
	return messages, nil
}

// AckMessage 确认消息已处理
func AckMessage(ctx context.Context, client *redis.Client, stream string, consumerGroup string, id string) error {
	return client.XAck(ctx, stream, consumerGroup, id).Err()
}

// CreateConsumerGroup 创建消费者组（stream 不存在时通过 MKSTREAM 一并创建）
func CreateConsumerGroup(ctx context.Context, client *redis.Client, stream string, groupName string) error {
	err := client.XGroupCreateMkStream(ctx, stream, groupName, "0").Err()

	// "BUSYGROUP" 说明组已存在，这是正常的
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

func flattenStreams(streams []redis.XStream) []StreamMessage {
	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, StreamMessage{
				Stream: stream.Stream,
				ID:     msg.ID,
				Values: msg.Values,
			})
		}
	}
	return messages
}
