package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/repository"
)

// SystemActor 系统自动操作的审计主体
const SystemActor = "system"

// 审计动作名
const (
	ActionAlertCreated     = "alert.created"
	ActionAlertAcked       = "alert.acknowledged"
	ActionAlertResolved    = "alert.resolved"
	ActionAlertEscalated   = "alert.escalated"
	ActionRateLimitCheck   = "ratelimit.check"
	ActionFollowupNotified = "followup.notified"
	ActionDeadLetter       = "deadletter.created"
)

// Auditor 审计记录器
// 记录失败不阻断业务路径：审计写入失败只记日志
type Auditor struct {
	repo             *repository.AuditLogRepository
	failureThreshold int
	window           time.Duration
	logger           *zap.Logger

	// OnSuspicious 可疑行为回调（可选），用于向编排器发布告警事件
	OnSuspicious func(actor, action string, failures int)
}

// NewAuditor 创建审计记录器
func NewAuditor(repo *repository.AuditLogRepository, failureThreshold int, window time.Duration, logger *zap.Logger) *Auditor {
	return &Auditor{
		repo:             repo,
		failureThreshold: failureThreshold,
		window:           window,
		logger:           logger,
	}
}

// RecordOK 记录成功操作
func (a *Auditor) RecordOK(ctx context.Context, actor, action string, metadata interface{}) {
	a.record(ctx, actor, action, models.AuditOutcomeOK, metadata)
}

// RecordFailure 记录失败操作，并触发可疑行为检测
func (a *Auditor) RecordFailure(ctx context.Context, actor, action string, metadata interface{}) {
	a.record(ctx, actor, action, models.AuditOutcomeFailed, metadata)
	a.checkSuspicious(ctx, actor, action)
}

func (a *Auditor) record(ctx context.Context, actor, action, outcome string, metadata interface{}) {
	var raw json.RawMessage
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			a.logger.Warn("Failed to marshal audit metadata",
				zap.String("action", action),
				zap.Error(err))
		} else {
			raw = data
		}
	}

	entry := &models.AuditEntry{
		Actor:     actor,
		Action:    action,
		Outcome:   outcome,
		Metadata:  raw,
		CreatedAt: time.Now().UTC(),
	}

	if err := a.repo.Append(ctx, entry); err != nil {
		a.logger.Error("Failed to append audit entry",
			zap.String("actor", actor),
			zap.String("action", action),
			zap.Error(err))
	}
}

// checkSuspicious 时间窗口内同一操作者同一动作失败超阈值时发出告警日志
func (a *Auditor) checkSuspicious(ctx context.Context, actor, action string) {
	since := time.Now().UTC().Add(-a.window)
	count, err := a.repo.CountRecentFailures(ctx, actor, action, since)
	if err != nil {
		a.logger.Warn("Suspicious activity check failed",
			zap.String("actor", actor),
			zap.Error(err))
		return
	}

	if count >= a.failureThreshold {
		a.logger.Warn("Suspicious activity detected",
			zap.String("actor", actor),
			zap.String("action", action),
			zap.Int("failures", count),
			zap.Duration("window", a.window))
		if a.OnSuspicious != nil {
			a.OnSuspicious(actor, action, count)
		}
	}
}
