package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// AlertsRepository 危机报警仓库
// 合规要求：报警永不删除，只能通过定义的状态迁移变更
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建危机报警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilters 报警过滤条件
type AlertFilters struct {
	UserID    *string
	Status    *string
	RiskLevel *string
	StartTime *time.Time // created_at >= StartTime
	EndTime   *time.Time // created_at <= EndTime
}

// CreateAlert 创建报警
func (r *AlertsRepository) CreateAlert(ctx context.Context, alert *models.CrisisAlert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}
	if alert.InstitutionID == "" {
		return fmt.Errorf("institution_id is required")
	}
	if alert.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	query := `
		INSERT INTO crisis_alerts (
			id,
			user_id,
			institution_id,
			risk_level,
			urgency,
			detection_method,
			status,
			dedupe_key,
			created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		alert.ID,
		alert.UserID,
		alert.InstitutionID,
		string(alert.RiskLevel),
		alert.Urgency,
		alert.DetectionMethod,
		alert.Status,
		alert.DedupeKey,
		alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create crisis alert: %w", err)
	}

	return nil
}

// GetAlert 根据 id 获取报警
func (r *AlertsRepository) GetAlert(ctx context.Context, alertID string) (*models.CrisisAlert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert id is required")
	}

	query := `
		SELECT
			id,
			user_id,
			institution_id,
			risk_level,
			urgency,
			detection_method,
			status,
			dedupe_key,
			created_at,
			acknowledged_by,
			acknowledged_at,
			resolved_at,
			notes
		FROM crisis_alerts
		WHERE id = $1
	`

	alert, err := r.scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("crisis alert not found: %s", alertID)
		}
		return nil, fmt.Errorf("failed to get crisis alert: %w", err)
	}

	return alert, nil
}

// GetAlertByDedupeKey 根据去重键获取报警
// 同一 session+sequence 的重复投递不得产生重复报警
func (r *AlertsRepository) GetAlertByDedupeKey(ctx context.Context, dedupeKey string) (*models.CrisisAlert, error) {
	if dedupeKey == "" {
		return nil, fmt.Errorf("dedupe_key is required")
	}

	query := `
		SELECT
			id,
			user_id,
			institution_id,
			risk_level,
			urgency,
			detection_method,
			status,
			dedupe_key,
			created_at,
			acknowledged_by,
			acknowledged_at,
			resolved_at,
			notes
		FROM crisis_alerts
		WHERE dedupe_key = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	alert, err := r.scanAlert(r.db.QueryRowContext(ctx, query, dedupeKey))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get crisis alert by dedupe key: %w", err)
	}

	return alert, nil
}

// ListAlerts 查询报警列表（支持多条件过滤和分页）
func (r *AlertsRepository) ListAlerts(ctx context.Context, institutionID string, filters AlertFilters, page, size int) ([]*models.CrisisAlert, int, error) {
	if institutionID == "" {
		return nil, 0, fmt.Errorf("institution_id is required")
	}

	conditions := []string{"institution_id = $1"}
	args := []interface{}{institutionID}
	argIdx := 2

	if filters.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argIdx))
		args = append(args, *filters.UserID)
		argIdx++
	}
	if filters.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *filters.Status)
		argIdx++
	}
	if filters.RiskLevel != nil {
		conditions = append(conditions, fmt.Sprintf("risk_level = $%d", argIdx))
		args = append(args, *filters.RiskLevel)
		argIdx++
	}
	if filters.StartTime != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *filters.StartTime)
		argIdx++
	}
	if filters.EndTime != nil {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, *filters.EndTime)
		argIdx++
	}

	whereClause := strings.Join(conditions, " AND ")

	// 统计总数
	countQuery := "SELECT COUNT(*) FROM crisis_alerts WHERE " + whereClause
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count crisis alerts: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT
			id,
			user_id,
			institution_id,
			risk_level,
			urgency,
			detection_method,
			status,
			dedupe_key,
			created_at,
			acknowledged_by,
			acknowledged_at,
			resolved_at,
			notes
		FROM crisis_alerts
		WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, whereClause, argIdx, argIdx+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list crisis alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.CrisisAlert
	for rows.Next() {
		alert, err := r.scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan crisis alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate crisis alerts: %w", err)
	}

	return alerts, total, nil
}

// AcknowledgeAlert 确认报警（仅 active 状态可确认）
func (r *AlertsRepository) AcknowledgeAlert(ctx context.Context, alertID, acknowledgedBy string) error {
	if alertID == "" {
		return fmt.Errorf("alert id is required")
	}
	if acknowledgedBy == "" {
		return fmt.Errorf("acknowledged_by is required")
	}

	query := `
		UPDATE crisis_alerts
		SET status = $1,
		    acknowledged_by = $2,
		    acknowledged_at = $3
		WHERE id = $4
		  AND status = $5
	`

	result, err := r.db.ExecContext(ctx, query,
		models.AlertStatusAcknowledged,
		acknowledgedBy,
		time.Now().UTC(),
		alertID,
		models.AlertStatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to acknowledge crisis alert: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("crisis alert not found or not active: %s", alertID)
	}

	return nil
}

// ResolveAlert 解决报警（active 或 acknowledged 状态可解决）
func (r *AlertsRepository) ResolveAlert(ctx context.Context, alertID string, notes *string) error {
	if alertID == "" {
		return fmt.Errorf("alert id is required")
	}

	query := `
		UPDATE crisis_alerts
		SET status = $1,
		    resolved_at = $2,
		    notes = COALESCE($3, notes)
		WHERE id = $4
		  AND status IN ($5, $6)
	`

	result, err := r.db.ExecContext(ctx, query,
		models.AlertStatusResolved,
		time.Now().UTC(),
		notes,
		alertID,
		models.AlertStatusActive,
		models.AlertStatusAcknowledged,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve crisis alert: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("crisis alert not found or already resolved: %s", alertID)
	}

	return nil
}

// rowScanner 兼容 *sql.Row 和 *sql.Rows 的扫描接口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AlertsRepository) scanAlert(row rowScanner) (*models.CrisisAlert, error) {
	var alert models.CrisisAlert
	var riskLevel string
	var acknowledgedBy, notes sql.NullString
	var acknowledgedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&alert.ID,
		&alert.UserID,
		&alert.InstitutionID,
		&riskLevel,
		&alert.Urgency,
		&alert.DetectionMethod,
		&alert.Status,
		&alert.DedupeKey,
		&alert.CreatedAt,
		&acknowledgedBy,
		&acknowledgedAt,
		&resolvedAt,
		&notes,
	)
	if err != nil {
		return nil, err
	}

	alert.RiskLevel = models.RiskLevel(riskLevel)
	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = &acknowledgedBy.String
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if notes.Valid {
		alert.Notes = &notes.String
	}

	return &alert, nil
}
