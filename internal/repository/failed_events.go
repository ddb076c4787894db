package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// FailedEventsRepository 死信仓库
type FailedEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewFailedEventsRepository 创建死信仓库
func NewFailedEventsRepository(db *sql.DB, logger *zap.Logger) *FailedEventsRepository {
	return &FailedEventsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateFailedEvent 持久化死信记录
func (r *FailedEventsRepository) CreateFailedEvent(ctx context.Context, event *models.FailedEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if event.FunctionID == "" {
		return fmt.Errorf("function_id is required")
	}

	originalEvent := event.OriginalEvent
	if len(originalEvent) == 0 {
		originalEvent = json.RawMessage("{}")
	}

	query := `
		INSERT INTO failed_events (
			id,
			function_id,
			original_event,
			error,
			status,
			retry_count,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.FunctionID,
		[]byte(originalEvent),
		event.Error,
		event.Status,
		event.RetryCount,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create failed event: %w", err)
	}

	return nil
}

// ListPendingReview 获取待审查的死信（供处理人审查队列使用）
func (r *FailedEventsRepository) ListPendingReview(ctx context.Context, limit int) ([]*models.FailedEvent, error) {
	query := `
		SELECT id, function_id, original_event, error, status, retry_count, created_at
		FROM failed_events
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, models.FailedStatusPendingReview, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending failed events: %w", err)
	}
	defer rows.Close()

	var events []*models.FailedEvent
	for rows.Next() {
		var event models.FailedEvent
		var originalEvent []byte
		err := rows.Scan(
			&event.ID,
			&event.FunctionID,
			&originalEvent,
			&event.Error,
			&event.Status,
			&event.RetryCount,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed event: %w", err)
		}
		event.OriginalEvent = originalEvent
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failed events: %w", err)
	}

	return events, nil
}

// UpdateStatus 更新死信处理状态
func (r *FailedEventsRepository) UpdateStatus(ctx context.Context, eventID, status string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	if status != models.FailedStatusPendingReview &&
		status != models.FailedStatusInvestigating &&
		status != models.FailedStatusResolved {
		return fmt.Errorf("invalid failed event status: %s", status)
	}

	query := `
		UPDATE failed_events
		SET status = $1
		WHERE id = $2
	`

	result, err := r.db.ExecContext(ctx, query, status, eventID)
	if err != nil {
		return fmt.Errorf("failed to update failed event status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed event not found: %s", eventID)
	}

	return nil
}
