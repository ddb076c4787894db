package notifier

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/pkg/redisutil"
)

// StreamNotifier 通过 Redis Streams 发布报警事件
// 下游分发服务（邮件/短信/推送）消费该 stream 完成实际投递
type StreamNotifier struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewStreamNotifier 创建 StreamNotifier
func NewStreamNotifier(client *redis.Client, stream string, logger *zap.Logger) *StreamNotifier {
	return &StreamNotifier{
		client: client,
		stream: stream,
		logger: logger,
	}
}

type alertEvent struct {
	Event         string `json:"event"`
	AlertID       string `json:"alertId"`
	UserID        string `json:"userId"`
	InstitutionID string `json:"institutionId"`
	RiskLevel     string `json:"riskLevel"`
	Urgency       int    `json:"urgency"`
	Broadcast     bool   `json:"broadcast,omitempty"`
}

// Send 发布 alert/created 事件到报警 stream
func (n *StreamNotifier) Send(ctx context.Context, alert *models.CrisisAlert) (bool, error) {
	id, err := redisutil.PublishJSONToStream(ctx, n.client, n.stream, alertEvent{
		Event:         models.EventAlertCreated,
		AlertID:       alert.ID,
		UserID:        alert.UserID,
		InstitutionID: alert.InstitutionID,
		RiskLevel:     string(alert.RiskLevel),
		Urgency:       alert.Urgency,
	})
	if err != nil {
		return false, fmt.Errorf("failed to publish alert notification: %w", err)
	}

	n.logger.Info("Alert notification published",
		zap.String("alert_id", alert.ID),
		zap.String("stream_id", id),
		zap.String("risk_level", string(alert.RiskLevel)))
	return true, nil
}

// Broadcast 发布带广播标记的事件，下游应通知全部可用响应人
func (n *StreamNotifier) Broadcast(ctx context.Context, alert *models.CrisisAlert) error {
	_, err := redisutil.PublishJSONToStream(ctx, n.client, n.stream, alertEvent{
		Event:         models.EventAlertCreated,
		AlertID:       alert.ID,
		UserID:        alert.UserID,
		InstitutionID: alert.InstitutionID,
		RiskLevel:     string(alert.RiskLevel),
		Urgency:       alert.Urgency,
		Broadcast:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to publish broadcast notification: %w", err)
	}

	n.logger.Warn("Emergency broadcast published",
		zap.String("alert_id", alert.ID),
		zap.String("user_id", alert.UserID))
	return nil
}

// PublishResolved 发布 alert/resolved 事件
func (n *StreamNotifier) PublishResolved(ctx context.Context, alert *models.CrisisAlert) error {
	_, err := redisutil.PublishJSONToStream(ctx, n.client, n.stream, alertEvent{
		Event:         models.EventAlertResolved,
		AlertID:       alert.ID,
		UserID:        alert.UserID,
		InstitutionID: alert.InstitutionID,
		RiskLevel:     string(alert.RiskLevel),
		Urgency:       alert.Urgency,
	})
	if err != nil {
		return fmt.Errorf("failed to publish resolution event: %w", err)
	}
	return nil
}
