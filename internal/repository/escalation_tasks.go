package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// EscalationTasksRepository 升级任务仓库
// alert_id 为主键：同一报警同一时刻仅存在一个任务
type EscalationTasksRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewEscalationTasksRepository 创建升级任务仓库
func NewEscalationTasksRepository(db *sql.DB, logger *zap.Logger) *EscalationTasksRepository {
	return &EscalationTasksRepository{
		db:     db,
		logger: logger,
	}
}

// CreateTask 创建升级任务（幂等：已存在时不重复创建）
// 返回是否实际创建了新任务
func (r *EscalationTasksRepository) CreateTask(ctx context.Context, task *models.EscalationTask) (bool, error) {
	if task == nil {
		return false, fmt.Errorf("task is required")
	}
	if task.AlertID == "" {
		return false, fmt.Errorf("alert_id is required")
	}
	if task.NextRunAt.IsZero() {
		return false, fmt.Errorf("next_run_at is required")
	}

	query := `
		INSERT INTO escalation_tasks (
			alert_id,
			attempt,
			max_attempts,
			next_run_at,
			status,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (alert_id) DO NOTHING
	`

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, query,
		task.AlertID,
		task.Attempt,
		task.MaxAttempts,
		task.NextRunAt,
		task.Status,
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create escalation task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

// GetTask 根据报警ID获取升级任务
func (r *EscalationTasksRepository) GetTask(ctx context.Context, alertID string) (*models.EscalationTask, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := `
		SELECT alert_id, attempt, max_attempts, next_run_at, status, created_at, updated_at
		FROM escalation_tasks
		WHERE alert_id = $1
	`

	var task models.EscalationTask
	err := r.db.QueryRowContext(ctx, query, alertID).Scan(
		&task.AlertID,
		&task.Attempt,
		&task.MaxAttempts,
		&task.NextRunAt,
		&task.Status,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get escalation task: %w", err)
	}

	return &task, nil
}

// ListDueTasks 获取所有到期的待执行任务
// 持久化的 next_run_at 和 attempt 完全决定进程重启后的恢复
func (r *EscalationTasksRepository) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]*models.EscalationTask, error) {
	query := `
		SELECT alert_id, attempt, max_attempts, next_run_at, status, created_at, updated_at
		FROM escalation_tasks
		WHERE status = $1
		  AND next_run_at <= $2
		ORDER BY next_run_at ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, models.TaskStatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due escalation tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.EscalationTask
	for rows.Next() {
		var task models.EscalationTask
		err := rows.Scan(
			&task.AlertID,
			&task.Attempt,
			&task.MaxAttempts,
			&task.NextRunAt,
			&task.Status,
			&task.CreatedAt,
			&task.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalation tasks: %w", err)
	}

	return tasks, nil
}

// Reschedule 重排任务（递增 attempt 并设置下次执行时间）
func (r *EscalationTasksRepository) Reschedule(ctx context.Context, alertID string, attempt int, nextRunAt time.Time) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	query := `
		UPDATE escalation_tasks
		SET attempt = $1,
		    next_run_at = $2,
		    updated_at = $3
		WHERE alert_id = $4
		  AND status = $5
	`

	result, err := r.db.ExecContext(ctx, query,
		attempt,
		nextRunAt,
		time.Now().UTC(),
		alertID,
		models.TaskStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule escalation task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("escalation task not found or not pending: %s", alertID)
	}

	return nil
}

// UpdateStatus 更新任务状态（done / escalated 为终态）
func (r *EscalationTasksRepository) UpdateStatus(ctx context.Context, alertID, status string) error {
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if status != models.TaskStatusPending && status != models.TaskStatusDone && status != models.TaskStatusEscalated {
		return fmt.Errorf("invalid escalation task status: %s", status)
	}

	query := `
		UPDATE escalation_tasks
		SET status = $1,
		    updated_at = $2
		WHERE alert_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, status, time.Now().UTC(), alertID)
	if err != nil {
		return fmt.Errorf("failed to update escalation task status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("escalation task not found: %s", alertID)
	}

	return nil
}
