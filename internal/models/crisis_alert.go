package models

import "time"

// 报警状态（合规要求：报警只能被解决，不能删除）
const (
	AlertStatusActive       = "active"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
)

// CrisisAlert 危机报警（对应 crisis_alerts 表）
type CrisisAlert struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	InstitutionID   string     `json:"institution_id" db:"institution_id"`
	RiskLevel       RiskLevel  `json:"risk_level" db:"risk_level"`
	Urgency         int        `json:"urgency" db:"urgency"` // 1-5
	DetectionMethod string     `json:"detection_method" db:"detection_method"`
	Status          string     `json:"status" db:"status"`
	DedupeKey       string     `json:"dedupe_key" db:"dedupe_key"` // 来源事件的稳定去重键
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	AcknowledgedBy  *string    `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	Notes           *string    `json:"notes,omitempty" db:"notes"`
}
