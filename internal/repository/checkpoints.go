package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CheckpointsRepository 工作流步骤检查点仓库
// 重试时已完成的步骤根据检查点跳过，保证步骤级幂等
type CheckpointsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCheckpointsRepository 创建检查点仓库
func NewCheckpointsRepository(db *sql.DB, logger *zap.Logger) *CheckpointsRepository {
	return &CheckpointsRepository{
		db:     db,
		logger: logger,
	}
}

// MarkStepDone 标记步骤完成（幂等）
func (r *CheckpointsRepository) MarkStepDone(ctx context.Context, eventKey, step string) error {
	if eventKey == "" {
		return fmt.Errorf("event_key is required")
	}
	if step == "" {
		return fmt.Errorf("step is required")
	}

	query := `
		INSERT INTO workflow_checkpoints (event_key, step, completed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_key, step) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query, eventKey, step, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark step done: %w", err)
	}

	return nil
}

// IsStepDone 查询步骤是否已完成
func (r *CheckpointsRepository) IsStepDone(ctx context.Context, eventKey, step string) (bool, error) {
	if eventKey == "" {
		return false, fmt.Errorf("event_key is required")
	}
	if step == "" {
		return false, fmt.Errorf("step is required")
	}

	query := `
		SELECT 1
		FROM workflow_checkpoints
		WHERE event_key = $1 AND step = $2
	`

	var one int
	err := r.db.QueryRowContext(ctx, query, eventKey, step).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check step completion: %w", err)
	}

	return true, nil
}

// PurgeOlderThan 清理过期检查点
func (r *CheckpointsRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM workflow_checkpoints
		WHERE completed_at < $1
	`

	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}
