package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// AuditLogRepository 审计日志仓库（只追加，不修改不删除）
type AuditLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAuditLogRepository 创建审计日志仓库
func NewAuditLogRepository(db *sql.DB, logger *zap.Logger) *AuditLogRepository {
	return &AuditLogRepository{
		db:     db,
		logger: logger,
	}
}

// Append 追加审计条目
func (r *AuditLogRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}
	if entry.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	if entry.Action == "" {
		return fmt.Errorf("action is required")
	}

	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	query := `
		INSERT INTO audit_log (actor, action, outcome, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		entry.Actor,
		entry.Action,
		entry.Outcome,
		[]byte(metadata),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}

// CountRecentFailures 统计时间窗口内同一操作者同一动作的失败次数
// 用于可疑行为检测
func (r *AuditLogRepository) CountRecentFailures(ctx context.Context, actor, action string, since time.Time) (int, error) {
	if actor == "" {
		return 0, fmt.Errorf("actor is required")
	}
	if action == "" {
		return 0, fmt.Errorf("action is required")
	}

	query := `
		SELECT COUNT(*)
		FROM audit_log
		WHERE actor = $1
		  AND action = $2
		  AND outcome = $3
		  AND created_at >= $4
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, actor, action, models.AuditOutcomeFailed, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent failures: %w", err)
	}

	return count, nil
}

// ListByActor 查询某操作者的审计记录（最新在前）
func (r *AuditLogRepository) ListByActor(ctx context.Context, actor string, limit int) ([]*models.AuditEntry, error) {
	if actor == "" {
		return nil, fmt.Errorf("actor is required")
	}

	query := `
		SELECT id, actor, action, outcome, metadata, created_at
		FROM audit_log
		WHERE actor = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, actor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var metadata []byte
		err := rows.Scan(
			&entry.ID,
			&entry.Actor,
			&entry.Action,
			&entry.Outcome,
			&metadata,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Metadata = metadata
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit entries: %w", err)
	}

	return entries, nil
}
