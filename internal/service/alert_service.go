package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/audit"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/escalation"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/orchestrator"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/repository"
)

// AlertService 报警业务服务层
// 职责：
// 1. 业务规则验证（状态迁移约束）
// 2. 业务编排（协调 Repository、升级调度、取消标记）
// 3. 审计记录
type AlertService struct {
	alerts    *repository.AlertsRepository
	scheduler *escalation.Scheduler
	cancels   *orchestrator.CancelFlags
	auditor   *audit.Auditor
	events    Dispatcher
	logger    *zap.Logger
}

// NewAlertService 创建报警服务
func NewAlertService(
	alerts *repository.AlertsRepository,
	scheduler *escalation.Scheduler,
	cancels *orchestrator.CancelFlags,
	auditor *audit.Auditor,
	events Dispatcher,
	logger *zap.Logger,
) *AlertService {
	return &AlertService{
		alerts:    alerts,
		scheduler: scheduler,
		cancels:   cancels,
		auditor:   auditor,
		events:    events,
		logger:    logger,
	}
}

// ListAlerts 查询报警列表
// 业务规则：institution_id 必填，分页参数自动钳制
func (s *AlertService) ListAlerts(ctx context.Context, institutionID string, filters repository.AlertFilters, page, size int) ([]*models.CrisisAlert, int, error) {
	if institutionID == "" {
		return nil, 0, fmt.Errorf("institution_id is required")
	}
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}

	alerts, total, err := s.alerts.ListAlerts(ctx, institutionID, filters, page, size)
	if err != nil {
		s.logger.Error("Failed to list alerts",
			zap.String("institution_id", institutionID),
			zap.Error(err))
		return nil, 0, err
	}
	return alerts, total, nil
}

// GetAlert 获取单个报警
func (s *AlertService) GetAlert(ctx context.Context, alertID string) (*models.CrisisAlert, error) {
	return s.alerts.GetAlert(ctx, alertID)
}

// Acknowledge 确认报警
// 业务规则：仅 active 状态的报警可确认；确认视为响应人已接手，随访任务结束
func (s *AlertService) Acknowledge(ctx context.Context, alertID, acknowledgedBy string) error {
	if err := s.alerts.AcknowledgeAlert(ctx, alertID, acknowledgedBy); err != nil {
		s.auditor.RecordFailure(ctx, acknowledgedBy, audit.ActionAlertAcked, map[string]interface{}{
			"alert_id": alertID,
			"error":    err.Error(),
		})
		return err
	}

	if err := s.scheduler.Cancel(ctx, alertID); err != nil {
		// 任务可能尚未创建或已结束
		s.logger.Debug("No followup task to cancel",
			zap.String("alert_id", alertID),
			zap.Error(err))
	}

	s.auditor.RecordOK(ctx, acknowledgedBy, audit.ActionAlertAcked, map[string]interface{}{
		"alert_id": alertID,
	})
	s.logger.Info("Alert acknowledged",
		zap.String("alert_id", alertID),
		zap.String("acknowledged_by", acknowledgedBy))
	return nil
}

// Resolve 解决报警
// 业务规则：active 或 acknowledged 状态可解决；解决后取消待执行的升级随访
func (s *AlertService) Resolve(ctx context.Context, alertID, resolvedBy string, notes *string) error {
	if resolvedBy == "" {
		return fmt.Errorf("resolved_by is required")
	}

	if err := s.alerts.ResolveAlert(ctx, alertID, notes); err != nil {
		s.auditor.RecordFailure(ctx, resolvedBy, audit.ActionAlertResolved, map[string]interface{}{
			"alert_id": alertID,
			"error":    err.Error(),
		})
		return err
	}

	// 阻止仍在队列中的升级步骤
	if err := s.cancels.Set(ctx, alertID); err != nil {
		s.logger.Warn("Failed to set cancel flag",
			zap.String("alert_id", alertID),
			zap.Error(err))
	}
	if err := s.scheduler.Cancel(ctx, alertID); err != nil {
		// 任务可能尚未创建或已结束
		s.logger.Debug("No followup task to cancel",
			zap.String("alert_id", alertID),
			zap.Error(err))
	}

	s.auditor.RecordOK(ctx, resolvedBy, audit.ActionAlertResolved, map[string]interface{}{
		"alert_id": alertID,
	})

	// 发布领域事件供外部分发组件消费
	payload, err := json.Marshal(models.AlertCancelledPayload{AlertID: alertID})
	if err == nil {
		if dispatchErr := s.events.Dispatch(ctx, orchestrator.Event{
			Name:          models.EventAlertResolved,
			Key:           "resolved:" + alertID,
			CorrelationID: alertID,
			Payload:       payload,
		}); dispatchErr != nil {
			s.logger.Warn("Failed to dispatch resolution event",
				zap.String("alert_id", alertID),
				zap.Error(dispatchErr))
		}
	}

	s.logger.Info("Alert resolved",
		zap.String("alert_id", alertID),
		zap.String("resolved_by", resolvedBy))
	return nil
}

// Cancel 取消报警的升级流程（alert/cancelled 事件入口）
func (s *AlertService) Cancel(ctx context.Context, alertID string) error {
	if alertID == "" {
		return fmt.Errorf("alert id is required")
	}

	if err := s.cancels.Set(ctx, alertID); err != nil {
		return err
	}
	if err := s.scheduler.Cancel(ctx, alertID); err != nil {
		s.logger.Debug("No followup task to cancel",
			zap.String("alert_id", alertID),
			zap.Error(err))
	}

	s.auditor.RecordOK(ctx, audit.SystemActor, "alert.cancelled", map[string]interface{}{
		"alert_id": alertID,
	})
	return nil
}
