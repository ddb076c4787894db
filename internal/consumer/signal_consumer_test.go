package consumer

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/orchestrator"
	"github.com/omarKhan56/Mind-Bridge-sub000/pkg/redisutil"
)

type captureProcessor struct {
	mu     sync.Mutex
	events []orchestrator.Event

	// 非 nil 时每次执行前阻塞，直到收到放行信号
	gate chan struct{}
}

func (p *captureProcessor) DispatchSync(ctx context.Context, ev orchestrator.Event) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *captureProcessor) snapshot() []orchestrator.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]orchestrator.Event(nil), p.events...)
}

func pendingCount(t *testing.T, client *redis.Client, stream, group string) int64 {
	t.Helper()
	info, err := client.XPending(context.Background(), stream, group).Result()
	if err != nil {
		return 0
	}
	return info.Count
}

func publishSignal(t *testing.T, client *redis.Client, stream string) {
	t.Helper()
	_, err := redisutil.PublishJSONToStream(context.Background(), client, stream, map[string]interface{}{
		"user_id":        "user-1",
		"institution_id": "inst-1",
		"source":         "chat",
		"payload":        map[string]string{"message": "hello"},
		"session_id":     "s1",
		"sequence":       7,
	})
	require.NoError(t, err)
}

func TestSignalConsumer_DispatchesNormalizedSignals(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor := &captureProcessor{}
	c := NewSignalConsumer(client, "test:signals", "test-group", 10, processor, zap.NewNop())

	// 有效信号 + 格式错误消息
	publishSignal(t, client, "test:signals")
	_, err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: "test:signals",
		Values: map[string]interface{}{"data": "not json"},
	}).Result()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(processor.snapshot()) == 1 && c.MalformedCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	events := processor.snapshot()
	assert.Equal(t, models.EventSignalReceived, events[0].Name)
	assert.Equal(t, "s1:7", events[0].Key)

	// 处理完成后全部确认，pending 队列清空
	require.Eventually(t, func() bool {
		return pendingCount(t, client, "test:signals", "test-group") == 0
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestSignalConsumer_AcksOnlyAfterProcessingCompletes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := make(chan struct{})
	processor := &captureProcessor{gate: gate}
	c := NewSignalConsumer(client, "test:signals", "test-group", 10, processor, zap.NewNop())

	publishSignal(t, client, "test:signals")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(ctx)
	}()

	// 处理进行中：消息已投递但未确认，崩溃时不会丢失
	require.Eventually(t, func() bool {
		return pendingCount(t, client, "test:signals", "test-group") == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, processor.snapshot())

	close(gate)

	require.Eventually(t, func() bool {
		return pendingCount(t, client, "test:signals", "test-group") == 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, processor.snapshot(), 1)

	cancel()
	<-done
}

func TestSignalConsumer_ReplaysPendingBacklogOnRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, redisutil.CreateConsumerGroup(ctx, client, "test:signals", "test-group"))
	publishSignal(t, client, "test:signals")

	// 模拟上次运行崩溃：同名消费者取走消息后未确认
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	read, err := redisutil.ReadFromStream(ctx, client, "test:signals", "test-group", hostname, 10)
	require.NoError(t, err)
	require.Len(t, read, 1)
	require.Equal(t, int64(1), pendingCount(t, client, "test:signals", "test-group"))

	processor := &captureProcessor{}
	c := NewSignalConsumer(client, "test:signals", "test-group", 10, processor, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(ctx)
	}()

	// 重启后 backlog 被重放并确认，信号未丢失
	require.Eventually(t, func() bool {
		return len(processor.snapshot()) == 1 &&
			pendingCount(t, client, "test:signals", "test-group") == 0
	}, 3*time.Second, 20*time.Millisecond)

	var signal models.Signal
	require.NoError(t, json.Unmarshal(processor.snapshot()[0].Payload, &signal))
	assert.Equal(t, "user-1", signal.UserID)

	cancel()
	<-done
}

func TestSignalConsumer_ClaimsStaleMessagesFromDeadConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, redisutil.CreateConsumerGroup(ctx, client, "test:signals", "test-group"))
	publishSignal(t, client, "test:signals")

	// 另一实例取走消息后死亡
	read, err := redisutil.ReadFromStream(ctx, client, "test:signals", "test-group", "dead-consumer", 10)
	require.NoError(t, err)
	require.Len(t, read, 1)

	mr.FastForward(2 * time.Minute)

	processor := &captureProcessor{}
	c := NewSignalConsumer(client, "test:signals", "test-group", 10, processor, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(processor.snapshot()) == 1 &&
			pendingCount(t, client, "test:signals", "test-group") == 0
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
