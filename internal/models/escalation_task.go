package models

import "time"

// 升级任务状态
const (
	TaskStatusPending   = "pending"
	TaskStatusDone      = "done"
	TaskStatusEscalated = "escalated" // 终态：已移交人工，不再自动重试
)

// EscalationTask 升级随访任务（对应 escalation_tasks 表）
// 同一报警在 active 状态下仅存在一个存活任务
// 持久化的 next_run_at 和 attempt 完全决定进程重启后的恢复
type EscalationTask struct {
	AlertID     string    `json:"alert_id" db:"alert_id"`
	Attempt     int       `json:"attempt" db:"attempt"`
	MaxAttempts int       `json:"max_attempts" db:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at" db:"next_run_at"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
