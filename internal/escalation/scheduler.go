package escalation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/audit"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/notifier"
)

// TaskStore 升级任务持久化契约
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.EscalationTask) (bool, error)
	GetTask(ctx context.Context, alertID string) (*models.EscalationTask, error)
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*models.EscalationTask, error)
	Reschedule(ctx context.Context, alertID string, attempt int, nextRunAt time.Time) error
	UpdateStatus(ctx context.Context, alertID, status string) error
}

// AlertStore 报警查询契约
type AlertStore interface {
	GetAlert(ctx context.Context, alertID string) (*models.CrisisAlert, error)
}

// ActivityStore 用户活跃度查询契约
type ActivityStore interface {
	GetLastActiveAt(ctx context.Context, userID string) (*time.Time, error)
}

// AuditSink 审计写入契约
type AuditSink interface {
	RecordOK(ctx context.Context, actor, action string, metadata interface{})
	RecordFailure(ctx context.Context, actor, action string, metadata interface{})
}

// Config 升级调度配置
type Config struct {
	InitialWait     time.Duration // 急性报警首次随访等待
	ScreeningWait   time.Duration // 筛查路径首次随访等待
	MaxAttempts     int
	BackoffBaseUnit time.Duration
	ClaimBatchSize  int
}

// Scheduler 升级调度器
// 状态完全由 escalation_tasks 行持久化，进程重启后据此恢复，
// 不依赖任何内存态定时器
type Scheduler struct {
	tasks    TaskStore
	alerts   AlertStore
	activity ActivityStore
	notifier notifier.Notifier
	auditor  AuditSink
	cfg      Config
	logger   *zap.Logger
}

// NewScheduler 创建升级调度器
func NewScheduler(tasks TaskStore, alerts AlertStore, activity ActivityStore, n notifier.Notifier, auditor AuditSink, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 20
	}
	return &Scheduler{
		tasks:    tasks,
		alerts:   alerts,
		activity: activity,
		notifier: n,
		auditor:  auditor,
		cfg:      cfg,
		logger:   logger,
	}
}

// ScheduleInitial 为新报警安排首次随访
// 幂等：同一报警重复调用不会产生第二个任务
func (s *Scheduler) ScheduleInitial(ctx context.Context, alertID string, screening bool, now time.Time) (bool, error) {
	if alertID == "" {
		return false, fmt.Errorf("alert id is required")
	}

	wait := s.cfg.InitialWait
	if screening {
		wait = s.cfg.ScreeningWait
	}

	created, err := s.tasks.CreateTask(ctx, &models.EscalationTask{
		AlertID:     alertID,
		Attempt:     0,
		MaxAttempts: s.cfg.MaxAttempts,
		NextRunAt:   now.Add(wait),
		Status:      models.TaskStatusPending,
	})
	if err != nil {
		return false, fmt.Errorf("failed to schedule followup: %w", err)
	}

	if created {
		s.logger.Info("Followup scheduled",
			zap.String("alert_id", alertID),
			zap.Bool("screening", screening),
			zap.Duration("wait", wait))
	}
	return created, nil
}

// Cancel 取消报警的待执行随访（报警被取消或解决时调用）
func (s *Scheduler) Cancel(ctx context.Context, alertID string) error {
	if err := s.tasks.UpdateStatus(ctx, alertID, models.TaskStatusDone); err != nil {
		return fmt.Errorf("failed to cancel followup: %w", err)
	}
	s.logger.Info("Followup cancelled", zap.String("alert_id", alertID))
	return nil
}

// CheckFollowup 对单个报警执行一次随访检查（alert/followup-check 事件入口）
// 任务不存在、非 pending 或未到期时不做任何事
func (s *Scheduler) CheckFollowup(ctx context.Context, alertID string, now time.Time) error {
	if alertID == "" {
		return fmt.Errorf("alert id is required")
	}

	task, err := s.tasks.GetTask(ctx, alertID)
	if err != nil {
		return fmt.Errorf("failed to load followup task: %w", err)
	}
	if task == nil || task.Status != models.TaskStatusPending || task.NextRunAt.After(now) {
		return nil
	}
	return s.runFollowupCheck(ctx, task, now)
}

// SweepFollowups 处理所有到期的随访任务，返回处理数量
// 单任务失败不中断本轮，留待下一轮重试
func (s *Scheduler) SweepFollowups(ctx context.Context, now time.Time) (int, error) {
	due, err := s.tasks.ListDueTasks(ctx, now, s.cfg.ClaimBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due followups: %w", err)
	}

	processed := 0
	for _, task := range due {
		if err := s.runFollowupCheck(ctx, task, now); err != nil {
			s.logger.Error("Followup check failed",
				zap.String("alert_id", task.AlertID),
				zap.Int("attempt", task.Attempt),
				zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

// runFollowupCheck 执行一次随访检查并完成状态迁移
func (s *Scheduler) runFollowupCheck(ctx context.Context, task *models.EscalationTask, now time.Time) error {
	alert, err := s.alerts.GetAlert(ctx, task.AlertID)
	if err != nil {
		return fmt.Errorf("failed to load alert: %w", err)
	}

	// 报警已解决：随访结束
	if alert.Status == models.AlertStatusResolved {
		if err := s.tasks.UpdateStatus(ctx, task.AlertID, models.TaskStatusDone); err != nil {
			return err
		}
		s.auditor.RecordOK(ctx, audit.SystemActor, audit.ActionFollowupNotified, map[string]interface{}{
			"alert_id": task.AlertID,
			"result":   "alert_resolved",
		})
		return nil
	}

	// 用户在报警创建后有活跃记录：视为已恢复联系，随访结束
	lastActive, err := s.activity.GetLastActiveAt(ctx, alert.UserID)
	if err != nil {
		s.logger.Warn("Failed to load user activity, treating as inactive",
			zap.String("user_id", alert.UserID),
			zap.Error(err))
	}
	if lastActive != nil && lastActive.After(alert.CreatedAt) {
		if err := s.tasks.UpdateStatus(ctx, task.AlertID, models.TaskStatusDone); err != nil {
			return err
		}
		s.auditor.RecordOK(ctx, audit.SystemActor, audit.ActionFollowupNotified, map[string]interface{}{
			"alert_id": task.AlertID,
			"result":   "user_active",
		})
		s.logger.Info("Followup resolved by user activity",
			zap.String("alert_id", task.AlertID),
			zap.Time("last_active_at", *lastActive))
		return nil
	}

	attempt := task.Attempt + 1

	// 重试耗尽：移交人工处理，终态
	if attempt > task.MaxAttempts {
		if err := s.tasks.UpdateStatus(ctx, task.AlertID, models.TaskStatusEscalated); err != nil {
			return err
		}
		if err := s.notifier.Broadcast(ctx, alert); err != nil {
			s.logger.Error("Escalation broadcast failed",
				zap.String("alert_id", task.AlertID),
				zap.Error(err))
		}
		s.auditor.RecordOK(ctx, audit.SystemActor, audit.ActionAlertEscalated, map[string]interface{}{
			"alert_id": task.AlertID,
			"attempts": task.MaxAttempts,
		})
		s.logger.Warn("Alert escalated to human review",
			zap.String("alert_id", task.AlertID),
			zap.Int("attempts", task.MaxAttempts))
		return nil
	}

	// 发送随访通知并按指数退避改期
	if _, err := s.notifier.Send(ctx, alert); err != nil {
		return fmt.Errorf("failed to send followup notification: %w", err)
	}

	nextRunAt := now.Add(s.followupDelay(attempt))
	if err := s.tasks.Reschedule(ctx, task.AlertID, attempt, nextRunAt); err != nil {
		return err
	}

	s.auditor.RecordOK(ctx, audit.SystemActor, audit.ActionFollowupNotified, map[string]interface{}{
		"alert_id":    task.AlertID,
		"attempt":     attempt,
		"next_run_at": nextRunAt.UTC().Format(time.RFC3339),
	})
	s.logger.Info("Followup notified and rescheduled",
		zap.String("alert_id", task.AlertID),
		zap.Int("attempt", attempt),
		zap.Time("next_run_at", nextRunAt))
	return nil
}

// followupDelay 第 attempt 次随访后的等待时长
func (s *Scheduler) followupDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * s.cfg.BackoffBaseUnit
}
