package models

import "time"

// RiskLevel 风险等级
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskAssessment 风险评估结果（每次分析周期重算，由下一次计算取代）
type RiskAssessment struct {
	UserID            string    `json:"user_id"`
	Score             int       `json:"score"` // 0-100
	Level             RiskLevel `json:"level"`
	Factors           []string  `json:"factors"`
	ProtectiveFactors []string  `json:"protective_factors"`
	AlertCounselor    bool      `json:"alert_counselor"`
	Confidence        float64   `json:"confidence"` // 0-1
	ComputedAt        time.Time `json:"computed_at"`
}
