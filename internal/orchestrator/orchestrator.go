package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// errFatal 标记不可重试的错误
var errFatal = errors.New("fatal handler error")

// Fatal 包装错误为不可重试：直接进入死信，不消耗重试次数
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", errFatal, err)
}

// IsFatal 判断错误是否不可重试
func IsFatal(err error) bool {
	return errors.Is(err, errFatal)
}

// Event 编排器事件
type Event struct {
	Name          string          `json:"name"`
	Key           string          `json:"key"`            // 稳定去重键（可空，为空则不做检查点）
	CorrelationID string          `json:"correlation_id"` // 取消标记关联键（通常为 alert_id）
	Payload       json.RawMessage `json:"payload"`
}

// StepFunc 步骤函数，要求幂等：重试时已完成的步骤会被跳过，
// 但标记检查点与崩溃之间存在至多一次的重复执行窗口
type StepFunc func(ctx context.Context, ev Event) error

// Step 具名步骤
type Step struct {
	Name string
	Run  StepFunc
}

// BatchConfig 批处理配置（仅非实时路径使用）
type BatchConfig struct {
	MaxSize int
	Timeout time.Duration
	Run     func(ctx context.Context, evs []Event) error
}

// Handler 事件处理器
type Handler struct {
	ID               string
	Event            string
	Steps            []Step
	MaxRetries       int   // <=0 时取编排器默认值
	ConcurrencyLimit int64 // <=0 表示不限
	PartitionKeyFunc func(ev Event) string
	Batch            *BatchConfig // 与 Steps 互斥

	sem     *semaphore.Weighted
	batcher *batcher
}

// CheckpointStore 步骤检查点存储
type CheckpointStore interface {
	MarkStepDone(ctx context.Context, eventKey, step string) error
	IsStepDone(ctx context.Context, eventKey, step string) (bool, error)
}

// FailureSink 重试耗尽或致命错误的接收方（死信处理器）
type FailureSink interface {
	HandleFailure(ctx context.Context, payload models.FunctionFailedPayload, retryCount int) error
}

// Options 编排器配置
type Options struct {
	Workers           int
	QueueSize         int
	DefaultMaxRetries int
	PartitionLimit    int64
}

// Orchestrator 工作流编排器
// 事件分发、具名步骤、重试、批处理、取消与分区限流
type Orchestrator struct {
	opts        Options
	checkpoints CheckpointStore
	cancels     *CancelFlags
	failures    FailureSink
	logger      *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]*Handler
	batchers []*batcher

	queue      chan Event
	partitions *partitionLimiter
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	started    bool
}

// New 创建编排器
// cancels 可为 nil（不启用取消检查），checkpoints 可为 nil（不做步骤检查点）
func New(opts Options, checkpoints CheckpointStore, cancels *CancelFlags, failures FailureSink, logger *zap.Logger) (*Orchestrator, error) {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.PartitionLimit <= 0 {
		opts.PartitionLimit = 20
	}
	if failures == nil {
		return nil, fmt.Errorf("failure sink is required")
	}

	partitions, err := newPartitionLimiter(opts.PartitionLimit)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		opts:        opts,
		checkpoints: checkpoints,
		cancels:     cancels,
		failures:    failures,
		logger:      logger,
		handlers:    make(map[string][]*Handler),
		queue:       make(chan Event, opts.QueueSize),
		partitions:  partitions,
	}, nil
}

// Register 注册事件处理器（必须在 Start 前完成）
func (o *Orchestrator) Register(h *Handler) error {
	if h == nil {
		return fmt.Errorf("handler is required")
	}
	if h.ID == "" {
		return fmt.Errorf("handler id is required")
	}
	if h.Event == "" {
		return fmt.Errorf("handler event is required")
	}
	if h.Batch == nil && len(h.Steps) == 0 {
		return fmt.Errorf("handler %s has no steps", h.ID)
	}
	if h.Batch != nil && len(h.Steps) > 0 {
		return fmt.Errorf("handler %s cannot mix steps and batch", h.ID)
	}
	if h.MaxRetries <= 0 {
		h.MaxRetries = o.opts.DefaultMaxRetries
	}
	if h.ConcurrencyLimit > 0 {
		h.sem = semaphore.NewWeighted(h.ConcurrencyLimit)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.handlers[h.Event] {
		if existing.ID == h.ID {
			return fmt.Errorf("handler already registered: %s", h.ID)
		}
	}
	o.handlers[h.Event] = append(o.handlers[h.Event], h)
	return nil
}

// Start 启动 worker 池和批处理器
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	// 每个批处理 handler 一个累积器
	for _, hs := range o.handlers {
		for _, h := range hs {
			if h.Batch != nil {
				b := newBatcher(h, o, o.logger)
				h.batcher = b
				o.batchers = append(o.batchers, b)
				o.wg.Add(1)
				go func(b *batcher) {
					defer o.wg.Done()
					b.run(runCtx)
				}(b)
			}
		}
	}
	o.mu.Unlock()

	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.worker(runCtx)
		}()
	}

	o.logger.Info("Orchestrator started",
		zap.Int("workers", o.opts.Workers),
		zap.Int("queue_size", o.opts.QueueSize))
	return nil
}

// Stop 停止编排器并等待在途事件处理完成
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.logger.Info("Orchestrator stopped")
}

// Dispatch 事件入队
// 队列满时阻塞作为背压，直到入队成功或 ctx 取消
func (o *Orchestrator) Dispatch(ctx context.Context, ev Event) error {
	if ev.Name == "" {
		return fmt.Errorf("event name is required")
	}

	select {
	case o.queue <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to dispatch event %s: %w", ev.Name, ctx.Err())
	}
}

// DispatchSync 同步执行事件的所有处理器，不经过队列
// 供需要立即反馈的调用方使用（如升级轮询器）
func (o *Orchestrator) DispatchSync(ctx context.Context, ev Event) {
	o.process(ctx, ev)
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.queue:
			o.process(ctx, ev)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, ev Event) {
	o.mu.RLock()
	hs := o.handlers[ev.Name]
	o.mu.RUnlock()

	if len(hs) == 0 {
		o.logger.Debug("No handler for event", zap.String("event", ev.Name))
		return
	}

	for _, h := range hs {
		if h.Batch != nil {
			if h.batcher != nil {
				h.batcher.enqueue(ev)
			}
			continue
		}
		o.runHandler(ctx, h, ev)
	}
}

func (o *Orchestrator) runHandler(ctx context.Context, h *Handler, ev Event) {
	// 重投递的事件若已完整处理过，直接跳过（去重）
	if o.isHandlerDone(ctx, h, ev) {
		o.logger.Info("Duplicate event skipped",
			zap.String("handler", h.ID),
			zap.String("event_key", ev.Key))
		return
	}

	// 分区限流（通常按机构分区，防止单一机构占满资源）
	if h.PartitionKeyFunc != nil {
		if key := h.PartitionKeyFunc(ev); key != "" {
			sem := o.partitions.get(key)
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
		}
	}

	if h.sem != nil {
		if err := h.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer h.sem.Release(1)
	}

	var lastErr error
	for attempt := 0; attempt <= h.MaxRetries; attempt++ {
		if attempt > 0 {
			if !o.retryDelay(ctx, attempt) {
				return
			}
			o.logger.Warn("Retrying handler",
				zap.String("handler", h.ID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		lastErr = o.runSteps(ctx, h, ev)
		if lastErr == nil {
			o.markHandlerDone(ctx, h, ev)
			return
		}
		if IsFatal(lastErr) {
			break
		}
	}

	o.logger.Error("Handler failed permanently",
		zap.String("handler", h.ID),
		zap.String("event", ev.Name),
		zap.Error(lastErr))

	if err := o.failures.HandleFailure(ctx, models.FunctionFailedPayload{
		FunctionID:    h.ID,
		Error:         lastErr.Error(),
		OriginalEvent: ev.Payload,
	}, h.MaxRetries); err != nil {
		o.logger.Error("Failed to route event to dead letter queue",
			zap.String("handler", h.ID),
			zap.Error(err))
	}
}

func (o *Orchestrator) runSteps(ctx context.Context, h *Handler, ev Event) error {
	for _, step := range h.Steps {
		if o.isCancelled(ctx, ev) {
			o.logger.Info("Handler cancelled",
				zap.String("handler", h.ID),
				zap.String("correlation_id", ev.CorrelationID),
				zap.String("step", step.Name))
			return nil
		}

		stepKey := h.ID + ":" + step.Name
		if o.isStepDone(ctx, ev, stepKey) {
			continue
		}

		if err := step.Run(ctx, ev); err != nil {
			return fmt.Errorf("step %s failed: %w", step.Name, err)
		}

		o.markStepDone(ctx, ev, stepKey)
	}
	return nil
}

func (o *Orchestrator) isCancelled(ctx context.Context, ev Event) bool {
	if o.cancels == nil || ev.CorrelationID == "" {
		return false
	}
	cancelled, err := o.cancels.IsSet(ctx, ev.CorrelationID)
	if err != nil {
		o.logger.Warn("Cancel flag check failed",
			zap.String("correlation_id", ev.CorrelationID),
			zap.Error(err))
		return false
	}
	return cancelled
}

func (o *Orchestrator) isStepDone(ctx context.Context, ev Event, stepKey string) bool {
	if o.checkpoints == nil || ev.Key == "" {
		return false
	}
	done, err := o.checkpoints.IsStepDone(ctx, ev.Key, stepKey)
	if err != nil {
		// 检查点读取失败时照常执行，依赖步骤幂等
		o.logger.Warn("Checkpoint read failed",
			zap.String("event_key", ev.Key),
			zap.String("step", stepKey),
			zap.Error(err))
		return false
	}
	return done
}

func (o *Orchestrator) markStepDone(ctx context.Context, ev Event, stepKey string) {
	if o.checkpoints == nil || ev.Key == "" {
		return
	}
	if err := o.checkpoints.MarkStepDone(ctx, ev.Key, stepKey); err != nil {
		o.logger.Warn("Checkpoint write failed",
			zap.String("event_key", ev.Key),
			zap.String("step", stepKey),
			zap.Error(err))
	}
}

func (o *Orchestrator) isHandlerDone(ctx context.Context, h *Handler, ev Event) bool {
	return o.isStepDone(ctx, ev, h.ID+":done")
}

func (o *Orchestrator) markHandlerDone(ctx context.Context, h *Handler, ev Event) {
	o.markStepDone(ctx, ev, h.ID+":done")
}

// retryDelay 指数退避，返回 false 表示上下文已取消
func (o *Orchestrator) retryDelay(ctx context.Context, attempt int) bool {
	delay := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// partitionLimiter 按分区键限流
// LRU 有界避免分区键无限增长，淘汰仅放松限流上限不影响正确性
type partitionLimiter struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *semaphore.Weighted]
	limit int64
}

func newPartitionLimiter(limit int64) (*partitionLimiter, error) {
	cache, err := lru.New[string, *semaphore.Weighted](512)
	if err != nil {
		return nil, fmt.Errorf("failed to create partition cache: %w", err)
	}
	return &partitionLimiter{cache: cache, limit: limit}, nil
}

func (p *partitionLimiter) get(key string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sem, ok := p.cache.Get(key); ok {
		return sem
	}
	sem := semaphore.NewWeighted(p.limit)
	p.cache.Add(key, sem)
	return sem
}
