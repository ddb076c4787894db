package models

import (
	"encoding/json"
	"time"
)

// 死信状态
const (
	FailedStatusPendingReview = "pending_review"
	FailedStatusInvestigating = "investigating"
	FailedStatusResolved      = "resolved"
)

// FailedEvent 死信记录（对应 failed_events 表）
// 仅在编排器步骤耗尽重试或遇到致命错误时创建
type FailedEvent struct {
	ID            string          `json:"id" db:"id"`
	FunctionID    string          `json:"function_id" db:"function_id"`
	OriginalEvent json.RawMessage `json:"original_event" db:"original_event"`
	Error         string          `json:"error" db:"error"`
	Status        string          `json:"status" db:"status"`
	RetryCount    int             `json:"retry_count" db:"retry_count"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}
