package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/analyzer"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/notifier"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/repository"
)

// Handler 死信处理器
// 负责持久化 system/function-failed 事件，危机路径失败时触发紧急广播
type Handler struct {
	failedEvents *repository.FailedEventsRepository
	notifier     notifier.Notifier
	logger       *zap.Logger
}

// NewHandler 创建死信处理器
func NewHandler(failedEvents *repository.FailedEventsRepository, n notifier.Notifier, logger *zap.Logger) *Handler {
	return &Handler{
		failedEvents: failedEvents,
		notifier:     n,
		logger:       logger,
	}
}

// crisisHandlers 失败时需要紧急广播的关键 handler
// process-signal 覆盖报警创建本身的失败（限流致命、入库错误）
var crisisHandlers = map[string]bool{
	"process-signal":    true,
	"notify-responders": true,
}

// HandleFailure 持久化失败事件，供人工审查
// 死信处理自身失败只记日志，不再进入死信循环
func (h *Handler) HandleFailure(ctx context.Context, payload models.FunctionFailedPayload, retryCount int) error {
	if payload.FunctionID == "" {
		return fmt.Errorf("function_id is required")
	}

	event := &models.FailedEvent{
		ID:            uuid.New().String(),
		FunctionID:    payload.FunctionID,
		OriginalEvent: payload.OriginalEvent,
		Error:         payload.Error,
		Status:        models.FailedStatusPendingReview,
		RetryCount:    retryCount,
		CreatedAt:     time.Now().UTC(),
	}

	if err := h.failedEvents.CreateFailedEvent(ctx, event); err != nil {
		h.logger.Error("Failed to persist dead letter",
			zap.String("function_id", payload.FunctionID),
			zap.Error(err))
		return fmt.Errorf("failed to persist dead letter: %w", err)
	}

	h.logger.Error("Event routed to dead letter queue",
		zap.String("failed_event_id", event.ID),
		zap.String("function_id", payload.FunctionID),
		zap.Int("retry_count", retryCount),
		zap.String("error", payload.Error))

	// 危机路径失败：倾向误报，通知所有可用响应人
	if crisisHandlers[payload.FunctionID] {
		if alert := h.crisisAlertFromPayload(payload.OriginalEvent); alert != nil {
			h.emergencyBroadcast(ctx, alert, payload.FunctionID)
		}
	}

	return nil
}

// crisisAlertFromPayload 从死信载荷还原危机报警
// alert/created 载荷直接携带风险等级；process-signal 的原始信号
// 尚未评分，按危机短语判定
func (h *Handler) crisisAlertFromPayload(raw json.RawMessage) *models.CrisisAlert {
	if len(raw) == 0 {
		return nil
	}

	var alertPayload models.AlertCreatedPayload
	if json.Unmarshal(raw, &alertPayload) == nil && alertPayload.AlertID != "" {
		if !strings.EqualFold(string(alertPayload.RiskLevel), string(models.RiskCritical)) {
			return nil
		}
		return &models.CrisisAlert{
			ID:            alertPayload.AlertID,
			UserID:        alertPayload.UserID,
			InstitutionID: alertPayload.InstitutionID,
			RiskLevel:     alertPayload.RiskLevel,
			Urgency:       alertPayload.Urgency,
		}
	}

	var signal models.Signal
	if json.Unmarshal(raw, &signal) != nil || signal.Source != models.SourceChat {
		return nil
	}
	var chat models.ChatPayload
	if json.Unmarshal(signal.Payload, &chat) != nil {
		return nil
	}
	if !analyzer.HasCrisisIndicators(chat.Message) {
		return nil
	}
	return &models.CrisisAlert{
		UserID:        signal.UserID,
		InstitutionID: signal.InstitutionID,
		RiskLevel:     models.RiskCritical,
		Urgency:       5,
	}
}

func (h *Handler) emergencyBroadcast(ctx context.Context, alert *models.CrisisAlert, functionID string) {
	if err := h.notifier.Broadcast(ctx, alert); err != nil {
		h.logger.Error("Emergency broadcast failed",
			zap.String("function_id", functionID),
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return
	}

	h.logger.Warn("Emergency broadcast triggered after crisis path failure",
		zap.String("function_id", functionID),
		zap.String("alert_id", alert.ID),
		zap.String("user_id", alert.UserID))
}
