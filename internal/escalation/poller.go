package escalation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Poller 到期任务轮询器
type Poller struct {
	scheduler *Scheduler
	interval  time.Duration
	logger    *zap.Logger
}

// NewPoller 创建轮询器
func NewPoller(scheduler *Scheduler, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
	}
}

// Start 启动轮询（阻塞直到 ctx 取消）
func (p *Poller) Start(ctx context.Context) error {
	p.logger.Info("Escalation poller started",
		zap.Duration("poll_interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// 立即执行一次，恢复重启前积压的到期任务
	if _, err := p.scheduler.SweepFollowups(ctx, time.Now().UTC()); err != nil {
		p.logger.Error("Failed to sweep followups on startup",
			zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Escalation poller stopped")
			return nil
		case <-ticker.C:
			processed, err := p.scheduler.SweepFollowups(ctx, time.Now().UTC())
			if err != nil {
				p.logger.Error("Failed to sweep followups",
					zap.Error(err))
				// 继续执行，不中断
				continue
			}
			if processed > 0 {
				p.logger.Info("Followups processed",
					zap.Int("count", processed))
			}
		}
	}
}
