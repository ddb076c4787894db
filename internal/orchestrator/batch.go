package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// batcher 按 handler 累积事件，满批或超时后一次性触发
// 仅用于非实时路径（分析聚合），批处理失败直接进死信不重试
type batcher struct {
	handler *Handler
	orch    *Orchestrator
	input   chan Event
	logger  *zap.Logger
}

func newBatcher(h *Handler, orch *Orchestrator, logger *zap.Logger) *batcher {
	size := h.Batch.MaxSize * 2
	if size < 16 {
		size = 16
	}
	return &batcher{
		handler: h,
		orch:    orch,
		input:   make(chan Event, size),
		logger:  logger,
	}
}

func (b *batcher) enqueue(ev Event) {
	select {
	case b.input <- ev:
	default:
		b.logger.Warn("Batch queue full, event dropped",
			zap.String("handler", b.handler.ID),
			zap.String("event", ev.Name))
	}
}

func (b *batcher) run(ctx context.Context) {
	timeout := b.handler.Batch.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ticker := time.NewTicker(timeout)
	defer ticker.Stop()

	var buf []Event
	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background(), buf)
			return
		case ev := <-b.input:
			buf = append(buf, ev)
			if len(buf) >= b.handler.Batch.MaxSize {
				b.flush(ctx, buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				b.flush(ctx, buf)
				buf = nil
			}
		}
	}
}

func (b *batcher) flush(ctx context.Context, buf []Event) {
	if len(buf) == 0 {
		return
	}

	if err := b.handler.Batch.Run(ctx, buf); err != nil {
		b.logger.Error("Batch handler failed",
			zap.String("handler", b.handler.ID),
			zap.Int("batch_size", len(buf)),
			zap.Error(err))
		if dlErr := b.orch.failures.HandleFailure(ctx, models.FunctionFailedPayload{
			FunctionID: b.handler.ID,
			Error:      err.Error(),
		}, 0); dlErr != nil {
			b.logger.Error("Failed to route batch failure to dead letter queue",
				zap.String("handler", b.handler.ID),
				zap.Error(dlErr))
		}
		return
	}

	b.logger.Debug("Batch processed",
		zap.String("handler", b.handler.ID),
		zap.Int("batch_size", len(buf)))
}
