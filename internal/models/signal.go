package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// SignalSource 信号来源
type SignalSource string

const (
	SourceChat      SignalSource = "chat"      // 聊天消息
	SourceScreening SignalSource = "screening" // 筛查问卷
	SourceWellness  SignalSource = "wellness"  // 健康打卡
	SourceUsage     SignalSource = "usage"     // 使用行为统计
)

// Signal 归一化后的输入信号（不可变，分析后即丢弃）
type Signal struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	InstitutionID string          `json:"institution_id"`
	Source        SignalSource    `json:"source"`
	Payload       json.RawMessage `json:"payload"`
	SessionID     string          `json:"session_id"` // 会话ID（与 Sequence 一起构成去重键）
	Sequence      int64           `json:"sequence"`   // 会话内序号
	Timestamp     time.Time       `json:"timestamp"`
}

// DedupeKey 返回稳定的事件去重键
// 同一 session+sequence 的重复投递不得产生重复报警
func (s *Signal) DedupeKey() string {
	if s.SessionID != "" {
		return s.SessionID + ":" + strconv.FormatInt(s.Sequence, 10)
	}
	return s.ID
}

// ChatPayload 聊天信号负载
type ChatPayload struct {
	Message string `json:"message"`
}

// ScreeningPayload 筛查信号负载（两项标准化筛查分值）
type ScreeningPayload struct {
	PHQ9Score int `json:"phq9_score"`
	GAD7Score int `json:"gad7_score"`
}

// WellnessPayload 健康打卡信号负载（1-10 量表）
type WellnessPayload struct {
	Mood   int `json:"mood"`
	Stress int `json:"stress"`
	Sleep  int `json:"sleep"`
}

// UsagePayload 使用行为信号负载
type UsagePayload struct {
	WeeklyLogins      int     `json:"weekly_logins"`
	AvgSessionMinutes float64 `json:"avg_session_minutes"`
}
