package models

import "encoding/json"

// 事件目录（事件名 → 负载 → 效果，见各 handler）
const (
	EventSignalReceived = "signal/received"       // 触发分析 + 评分
	EventAlertCreated   = "alert/created"         // 触发通知 + 升级调度
	EventFollowupCheck  = "alert/followup-check"  // 驱动升级状态机
	EventAlertCancelled = "alert/cancelled"       // 取消待执行的升级
	EventAlertResolved  = "alert/resolved"        // 领域事件（供外部分发组件消费）
	EventFunctionFailed = "system/function-failed" // 死信入口
	EventAnalyticsTick  = "analytics/signal-batch" // 批处理聚合（非实时路径）
)

// AlertCreatedPayload alert/created 事件负载
type AlertCreatedPayload struct {
	AlertID       string    `json:"alert_id"`
	UserID        string    `json:"user_id"`
	InstitutionID string    `json:"institution_id"`
	RiskLevel     RiskLevel `json:"risk_level"`
	Urgency       int       `json:"urgency"`
	Screening     bool      `json:"screening"` // 是否为筛查触发路径（决定首次随访等待时长）
}

// FollowupCheckPayload alert/followup-check 事件负载
type FollowupCheckPayload struct {
	AlertID     string `json:"alert_id"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

// AlertCancelledPayload alert/cancelled 事件负载
type AlertCancelledPayload struct {
	AlertID string `json:"alert_id"`
}

// FunctionFailedPayload system/function-failed 事件负载
type FunctionFailedPayload struct {
	FunctionID    string          `json:"function_id"`
	Error         string          `json:"error"`
	OriginalEvent json.RawMessage `json:"original_event"`
}
