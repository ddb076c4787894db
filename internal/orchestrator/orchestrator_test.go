package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// memCheckpoints 内存检查点，测试用
type memCheckpoints struct {
	mu   sync.Mutex
	done map[string]bool
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{done: make(map[string]bool)}
}

func (m *memCheckpoints) MarkStepDone(ctx context.Context, eventKey, step string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done[eventKey+"|"+step] = true
	return nil
}

func (m *memCheckpoints) IsStepDone(ctx context.Context, eventKey, step string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done[eventKey+"|"+step], nil
}

type memFailures struct {
	mu       sync.Mutex
	payloads []models.FunctionFailedPayload
	retries  []int
}

func (m *memFailures) HandleFailure(ctx context.Context, payload models.FunctionFailedPayload, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	m.retries = append(m.retries, retryCount)
	return nil
}

func (m *memFailures) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

func newTestOrchestrator(t *testing.T, checkpoints CheckpointStore, cancels *CancelFlags) (*Orchestrator, *memFailures) {
	failures := &memFailures{}
	orch, err := New(Options{Workers: 2, QueueSize: 16}, checkpoints, cancels, failures, zap.NewNop())
	require.NoError(t, err)
	return orch, failures
}

func TestRunHandler_StepsRunInOrder(t *testing.T) {
	orch, _ := newTestOrchestrator(t, newMemCheckpoints(), nil)

	var mu sync.Mutex
	var order []string
	step := func(name string) StepFunc {
		return func(ctx context.Context, ev Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, orch.Register(&Handler{
		ID:    "pipeline",
		Event: "test/event",
		Steps: []Step{
			{Name: "first", Run: step("first")},
			{Name: "second", Run: step("second")},
			{Name: "third", Run: step("third")},
		},
	}))

	orch.DispatchSync(context.Background(), Event{Name: "test/event", Key: "ev-1"})

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRunHandler_RetrySkipsCompletedSteps(t *testing.T) {
	orch, failures := newTestOrchestrator(t, newMemCheckpoints(), nil)

	var mu sync.Mutex
	counts := map[string]int{}
	record := func(name string) {
		mu.Lock()
		counts[name]++
		mu.Unlock()
	}

	failuresLeft := 2
	require.NoError(t, orch.Register(&Handler{
		ID:    "flaky",
		Event: "test/event",
		Steps: []Step{
			{Name: "stable", Run: func(ctx context.Context, ev Event) error {
				record("stable")
				return nil
			}},
			{Name: "flaky", Run: func(ctx context.Context, ev Event) error {
				record("flaky")
				mu.Lock()
				defer mu.Unlock()
				if failuresLeft > 0 {
					failuresLeft--
					return fmt.Errorf("transient error")
				}
				return nil
			}},
		},
	}))

	orch.DispatchSync(context.Background(), Event{Name: "test/event", Key: "ev-2"})

	// 第一步只执行一次，重试从失败步骤继续
	assert.Equal(t, 1, counts["stable"])
	assert.Equal(t, 3, counts["flaky"])
	assert.Equal(t, 0, failures.count())
}

func TestRunHandler_ExhaustedRetriesRouteToDeadLetter(t *testing.T) {
	orch, failures := newTestOrchestrator(t, newMemCheckpoints(), nil)

	attempts := 0
	require.NoError(t, orch.Register(&Handler{
		ID:    "always-fails",
		Event: "test/event",
		Steps: []Step{
			{Name: "boom", Run: func(ctx context.Context, ev Event) error {
				attempts++
				return fmt.Errorf("persistent error")
			}},
		},
	}))

	payload := json.RawMessage(`{"alert_id":"a1"}`)
	orch.DispatchSync(context.Background(), Event{Name: "test/event", Key: "ev-3", Payload: payload})

	assert.Equal(t, 4, attempts) // 首次 + 3 次重试
	require.Equal(t, 1, failures.count())
	assert.Equal(t, "always-fails", failures.payloads[0].FunctionID)
	assert.Equal(t, 3, failures.retries[0])
	assert.Equal(t, payload, failures.payloads[0].OriginalEvent)
}

func TestRunHandler_FatalErrorSkipsRetries(t *testing.T) {
	orch, failures := newTestOrchestrator(t, newMemCheckpoints(), nil)

	attempts := 0
	require.NoError(t, orch.Register(&Handler{
		ID:    "fatal",
		Event: "test/event",
		Steps: []Step{
			{Name: "limited", Run: func(ctx context.Context, ev Event) error {
				attempts++
				return Fatal(fmt.Errorf("rate limit exceeded"))
			}},
		},
	}))

	orch.DispatchSync(context.Background(), Event{Name: "test/event", Key: "ev-4"})

	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, failures.count())
}

func TestRunHandler_DuplicateEventSkipped(t *testing.T) {
	orch, _ := newTestOrchestrator(t, newMemCheckpoints(), nil)

	runs := 0
	require.NoError(t, orch.Register(&Handler{
		ID:    "create-alert",
		Event: "test/event",
		Steps: []Step{
			{Name: "create", Run: func(ctx context.Context, ev Event) error {
				runs++
				return nil
			}},
		},
	}))

	ev := Event{Name: "test/event", Key: "session-1:42"}
	orch.DispatchSync(context.Background(), ev)
	orch.DispatchSync(context.Background(), ev) // 重投递

	assert.Equal(t, 1, runs)
}

func TestRunHandler_CancellationStopsPendingSteps(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cancels := NewCancelFlags(client, "test:cancel:", time.Hour)
	orch, failures := newTestOrchestrator(t, newMemCheckpoints(), cancels)

	var mu sync.Mutex
	var order []string
	require.NoError(t, orch.Register(&Handler{
		ID:    "cancellable",
		Event: "test/event",
		Steps: []Step{
			{Name: "first", Run: func(ctx context.Context, ev Event) error {
				mu.Lock()
				order = append(order, "first")
				mu.Unlock()
				// 首步执行期间到达取消
				return cancels.Set(ctx, ev.CorrelationID)
			}},
			{Name: "second", Run: func(ctx context.Context, ev Event) error {
				mu.Lock()
				order = append(order, "second")
				mu.Unlock()
				return nil
			}},
		},
	}))

	orch.DispatchSync(context.Background(), Event{
		Name:          "test/event",
		Key:           "ev-5",
		CorrelationID: "alert-5",
	})

	// 已开始的步骤执行完毕，后续步骤在边界处被取消
	assert.Equal(t, []string{"first"}, order)
	assert.Equal(t, 0, failures.count())
}

func TestDispatch_QueueAndWorkers(t *testing.T) {
	orch, _ := newTestOrchestrator(t, newMemCheckpoints(), nil)

	done := make(chan string, 8)
	require.NoError(t, orch.Register(&Handler{
		ID:    "worker-test",
		Event: "test/event",
		Steps: []Step{
			{Name: "signal", Run: func(ctx context.Context, ev Event) error {
				done <- ev.Key
				return nil
			}},
		},
	}))

	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop()

	for i := 0; i < 4; i++ {
		require.NoError(t, orch.Dispatch(context.Background(), Event{
			Name: "test/event",
			Key:  fmt.Sprintf("ev-%d", i),
		}))
	}

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		select {
		case key := <-done:
			seen[key] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Len(t, seen, 4)
}

func TestBatcher_FlushOnMaxSize(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, nil)

	batches := make(chan int, 4)
	require.NoError(t, orch.Register(&Handler{
		ID:    "analytics",
		Event: "analytics/tick",
		Batch: &BatchConfig{
			MaxSize: 3,
			Timeout: time.Hour, // 只验证满批触发
			Run: func(ctx context.Context, evs []Event) error {
				batches <- len(evs)
				return nil
			},
		},
	}))

	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, orch.Dispatch(context.Background(), Event{Name: "analytics/tick"}))
	}

	select {
	case size := <-batches:
		assert.Equal(t, 3, size)
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not flushed")
	}
}

func TestBatcher_FlushOnTimeout(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, nil)

	batches := make(chan int, 4)
	require.NoError(t, orch.Register(&Handler{
		ID:    "analytics",
		Event: "analytics/tick",
		Batch: &BatchConfig{
			MaxSize: 100,
			Timeout: 50 * time.Millisecond,
			Run: func(ctx context.Context, evs []Event) error {
				batches <- len(evs)
				return nil
			},
		},
	}))

	require.NoError(t, orch.Start(context.Background()))
	defer orch.Stop()

	require.NoError(t, orch.Dispatch(context.Background(), Event{Name: "analytics/tick"}))
	require.NoError(t, orch.Dispatch(context.Background(), Event{Name: "analytics/tick"}))

	select {
	case size := <-batches:
		assert.Equal(t, 2, size)
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not flushed on timeout")
	}
}

func TestRegister_Validation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, nil, nil)

	assert.Error(t, orch.Register(nil))
	assert.Error(t, orch.Register(&Handler{Event: "x"}))
	assert.Error(t, orch.Register(&Handler{ID: "x"}))
	assert.Error(t, orch.Register(&Handler{ID: "x", Event: "y"}))

	h := &Handler{ID: "x", Event: "y", Steps: []Step{{Name: "s", Run: func(ctx context.Context, ev Event) error { return nil }}}}
	require.NoError(t, orch.Register(h))
	assert.Error(t, orch.Register(h)) // 重复注册
	assert.Equal(t, 3, h.MaxRetries)  // 默认重试次数
}

func TestCancelFlags_SetAndCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	flags := NewCancelFlags(client, "test:cancel:", time.Hour)
	ctx := context.Background()

	set, err := flags.IsSet(ctx, "alert-1")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, flags.Set(ctx, "alert-1"))

	set, err = flags.IsSet(ctx, "alert-1")
	require.NoError(t, err)
	assert.True(t, set)

	// 过期后标记失效
	mr.FastForward(2 * time.Hour)
	set, err = flags.IsSet(ctx, "alert-1")
	require.NoError(t, err)
	assert.False(t, set)
}
