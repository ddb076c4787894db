package notifier

import (
	"context"
	"time"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// Notifier 通知外部响应人员的抽象能力
// 投递机制（邮件/短信/推送）由外部分发组件负责，核心只调用该契约
type Notifier interface {
	// Send 通知报警的指定响应人，失败为可重试错误
	Send(ctx context.Context, alert *models.CrisisAlert) (bool, error)
	// Broadcast 紧急广播到所有可用响应人（关键路径失败时的兜底）
	Broadcast(ctx context.Context, alert *models.CrisisAlert) error
}

// WithTimeout 包装 Notifier，为每次调用附加超时
type WithTimeout struct {
	inner   Notifier
	timeout time.Duration
}

// NewWithTimeout 创建带超时的 Notifier 包装
func NewWithTimeout(inner Notifier, timeout time.Duration) *WithTimeout {
	return &WithTimeout{inner: inner, timeout: timeout}
}

func (n *WithTimeout) Send(ctx context.Context, alert *models.CrisisAlert) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.inner.Send(ctx, alert)
}

func (n *WithTimeout) Broadcast(ctx context.Context, alert *models.CrisisAlert) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.inner.Broadcast(ctx, alert)
}
