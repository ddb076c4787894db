package models

import (
	"encoding/json"
	"time"
)

// 审计结果
const (
	AuditOutcomeOK     = "ok"
	AuditOutcomeFailed = "failed"
)

// AuditEntry 审计日志条目（对应 audit_log 表，只追加不修改）
type AuditEntry struct {
	ID        int64           `json:"id" db:"id"`
	Actor     string          `json:"actor" db:"actor"`   // 操作者（用户ID、处理人ID或 "system"）
	Action    string          `json:"action" db:"action"` // 如 "alert.created", "ratelimit.check"
	Outcome   string          `json:"outcome" db:"outcome"`
	Metadata  json.RawMessage `json:"metadata" db:"metadata"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
