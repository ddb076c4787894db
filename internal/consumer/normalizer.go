package consumer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// rawSignal stream 中的原始信号格式
type rawSignal struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	InstitutionID string          `json:"institution_id"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
	SessionID     string          `json:"session_id"`
	Sequence      int64           `json:"sequence"`
	Timestamp     string          `json:"timestamp"`
}

var validSources = map[models.SignalSource]bool{
	models.SourceChat:      true,
	models.SourceScreening: true,
	models.SourceWellness:  true,
	models.SourceUsage:     true,
}

// NormalizeSignal 将原始 JSON 归一化为 Signal
// 格式错误返回 error，调用方应确认消息并跳过
func NormalizeSignal(data []byte) (*models.Signal, error) {
	var raw rawSignal
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid signal json: %w", err)
	}

	if raw.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if raw.InstitutionID == "" {
		return nil, fmt.Errorf("institution_id is required")
	}

	source := models.SignalSource(raw.Source)
	if !validSources[source] {
		return nil, fmt.Errorf("unknown signal source: %s", raw.Source)
	}

	if err := validatePayload(source, raw.Payload); err != nil {
		return nil, err
	}

	signal := &models.Signal{
		ID:            raw.ID,
		UserID:        raw.UserID,
		InstitutionID: raw.InstitutionID,
		Source:        source,
		Payload:       raw.Payload,
		SessionID:     raw.SessionID,
		Sequence:      raw.Sequence,
		Timestamp:     time.Now().UTC(),
	}
	if signal.ID == "" {
		signal.ID = uuid.New().String()
	}
	if raw.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, raw.Timestamp); err == nil {
			signal.Timestamp = ts.UTC()
		}
	}

	return signal, nil
}

// validatePayload 按来源校验负载结构和取值范围
func validatePayload(source models.SignalSource, payload json.RawMessage) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required for source %s", source)
	}

	switch source {
	case models.SourceChat:
		var p models.ChatPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid chat payload: %w", err)
		}
		if p.Message == "" {
			return fmt.Errorf("chat message is required")
		}
	case models.SourceScreening:
		var p models.ScreeningPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid screening payload: %w", err)
		}
		if p.PHQ9Score < 0 || p.PHQ9Score > 27 {
			return fmt.Errorf("phq9_score out of range: %d", p.PHQ9Score)
		}
		if p.GAD7Score < 0 || p.GAD7Score > 21 {
			return fmt.Errorf("gad7_score out of range: %d", p.GAD7Score)
		}
	case models.SourceWellness:
		var p models.WellnessPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid wellness payload: %w", err)
		}
		if p.Mood < 1 || p.Mood > 10 {
			return fmt.Errorf("mood out of range: %d", p.Mood)
		}
		if p.Stress < 1 || p.Stress > 10 {
			return fmt.Errorf("stress out of range: %d", p.Stress)
		}
	case models.SourceUsage:
		var p models.UsagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("invalid usage payload: %w", err)
		}
		if p.WeeklyLogins < 0 {
			return fmt.Errorf("weekly_logins cannot be negative: %d", p.WeeklyLogins)
		}
	}
	return nil
}
