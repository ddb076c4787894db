package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// UserActivityRepository 用户活动数据仓库
// 为随访检查和批量评分提供最近的打卡、筛查和使用数据
type UserActivityRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewUserActivityRepository 创建用户活动仓库
func NewUserActivityRepository(db *sql.DB, logger *zap.Logger) *UserActivityRepository {
	return &UserActivityRepository{
		db:     db,
		logger: logger,
	}
}

// GetLastActiveAt 获取用户最近活跃时间
// 随访检查据此判断用户在报警创建后是否有活动
func (r *UserActivityRepository) GetLastActiveAt(ctx context.Context, userID string) (*time.Time, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT last_active_at
		FROM user_activity
		WHERE user_id = $1
	`

	var lastActive sql.NullTime
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&lastActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last active time: %w", err)
	}

	if !lastActive.Valid {
		return nil, nil
	}
	return &lastActive.Time, nil
}

// GetRecentWellness 获取用户最近的健康打卡（mood/stress/sleep，1-10）
func (r *UserActivityRepository) GetRecentWellness(ctx context.Context, userID string, since time.Time) ([]models.WellnessPayload, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT mood, stress, sleep
		FROM wellness_entries
		WHERE user_id = $1
		  AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query wellness entries: %w", err)
	}
	defer rows.Close()

	var entries []models.WellnessPayload
	for rows.Next() {
		var entry models.WellnessPayload
		if err := rows.Scan(&entry.Mood, &entry.Stress, &entry.Sleep); err != nil {
			return nil, fmt.Errorf("failed to scan wellness entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wellness entries: %w", err)
	}

	return entries, nil
}

// GetLatestScreening 获取用户最近一次筛查分值
func (r *UserActivityRepository) GetLatestScreening(ctx context.Context, userID string) (*models.ScreeningPayload, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT phq9_score, gad7_score
		FROM screening_results
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var screening models.ScreeningPayload
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&screening.PHQ9Score, &screening.GAD7Score)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest screening: %w", err)
	}

	return &screening, nil
}

// GetUsageSummary 获取用户使用行为统计
func (r *UserActivityRepository) GetUsageSummary(ctx context.Context, userID string) (*models.UsagePayload, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT weekly_logins, avg_session_minutes
		FROM user_activity
		WHERE user_id = $1
	`

	var usage models.UsagePayload
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&usage.WeeklyLogins, &usage.AvgSessionMinutes)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}

	return &usage, nil
}

// InstitutionForUser 查询用户所属机构
func (r *UserActivityRepository) InstitutionForUser(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user_id is required")
	}

	query := `
		SELECT institution_id
		FROM users
		WHERE id = $1
	`

	var institutionID string
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&institutionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("user not found: %s", userID)
		}
		return "", fmt.Errorf("failed to get institution for user: %w", err)
	}

	return institutionID, nil
}
