package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/analyzer"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/audit"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/orchestrator"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/ratelimit"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/repository"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/scoring"
)

// wellnessLookback 评分时回溯的健康打卡窗口
const wellnessLookback = 7 * 24 * time.Hour

// Dispatcher 事件分发契约
type Dispatcher interface {
	Dispatch(ctx context.Context, ev orchestrator.Event) error
}

// SignalPipeline 信号处理管线
// 分析 → 评分 → 限流 → 去重 → 创建报警 → 发布 alert/created
type SignalPipeline struct {
	analyzer   *analyzer.Analyzer
	engine     *scoring.Engine
	alerts     *repository.AlertsRepository
	activity   *repository.UserActivityRepository
	limiter    *ratelimit.Limiter
	auditor    *audit.Auditor
	dispatcher Dispatcher
	logger     *zap.Logger
}

// NewSignalPipeline 创建信号处理管线
func NewSignalPipeline(
	a *analyzer.Analyzer,
	engine *scoring.Engine,
	alerts *repository.AlertsRepository,
	activity *repository.UserActivityRepository,
	limiter *ratelimit.Limiter,
	auditor *audit.Auditor,
	dispatcher Dispatcher,
	logger *zap.Logger,
) *SignalPipeline {
	return &SignalPipeline{
		analyzer:   a,
		engine:     engine,
		alerts:     alerts,
		activity:   activity,
		limiter:    limiter,
		auditor:    auditor,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Evaluate 处理一条归一化信号（process-signal handler 的核心步骤）
// 幂等：重复投递通过 dedupe key 去重，不产生重复报警
func (p *SignalPipeline) Evaluate(ctx context.Context, ev orchestrator.Event) error {
	var signal models.Signal
	if err := json.Unmarshal(ev.Payload, &signal); err != nil {
		return orchestrator.Fatal(fmt.Errorf("invalid signal payload: %w", err))
	}

	// 聊天信号先做文本风险分析（分析降级不产生错误）
	var analysis *models.AnalysisResult
	if signal.Source == models.SourceChat {
		var chat models.ChatPayload
		if err := json.Unmarshal(signal.Payload, &chat); err != nil {
			return orchestrator.Fatal(fmt.Errorf("invalid chat payload: %w", err))
		}
		result := p.analyzer.Analyze(ctx, signal.UserID, chat.Message)
		analysis = &result
	}

	input, err := p.gatherScoringInput(ctx, &signal, analysis)
	if err != nil {
		return err
	}

	// 信号进入批量聚合（非实时路径，失败不影响主流程）
	if err := p.dispatcher.Dispatch(ctx, orchestrator.Event{
		Name:    models.EventAnalyticsTick,
		Payload: ev.Payload,
	}); err != nil {
		p.logger.Debug("Failed to enqueue analytics event",
			zap.Error(err))
	}

	assessment := p.engine.Score(input)
	p.logger.Info("Risk assessment computed",
		zap.String("user_id", signal.UserID),
		zap.Int("score", assessment.Score),
		zap.String("level", string(assessment.Level)),
		zap.Bool("alert_counselor", assessment.AlertCounselor))

	if !assessment.AlertCounselor {
		return nil
	}

	// 限流：超限视为致命错误，直接进死信；每次检查均留审计记录
	count, err := p.limiter.Allow(ctx, signal.InstitutionID)
	if err != nil {
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			p.auditor.RecordFailure(ctx, signal.InstitutionID, audit.ActionRateLimitCheck, map[string]interface{}{
				"user_id": signal.UserID,
			})
			return orchestrator.Fatal(err)
		}
		return err
	}
	p.auditor.RecordOK(ctx, signal.InstitutionID, audit.ActionRateLimitCheck, map[string]interface{}{
		"user_id": signal.UserID,
		"count":   count,
	})

	// 去重：同一事件的重复投递不产生第二条报警
	existing, err := p.alerts.GetAlertByDedupeKey(ctx, signal.DedupeKey())
	if err != nil {
		return err
	}
	if existing != nil {
		p.logger.Info("Duplicate signal, alert already exists",
			zap.String("dedupe_key", signal.DedupeKey()),
			zap.String("alert_id", existing.ID))
		// 上一次执行可能在发布 alert/created 前失败，补发保证通知与
		// 随访调度不被跳过（下游步骤由检查点去重，重复发布无副作用）
		return p.dispatchAlertCreated(ctx, existing, signal.Source == models.SourceScreening)
	}

	alert := &models.CrisisAlert{
		ID:              uuid.New().String(),
		UserID:          signal.UserID,
		InstitutionID:   signal.InstitutionID,
		RiskLevel:       assessment.Level,
		Urgency:         urgencyFor(assessment.Level, analysis),
		DetectionMethod: detectionMethod(analysis),
		Status:          models.AlertStatusActive,
		DedupeKey:       signal.DedupeKey(),
		CreatedAt:       time.Now().UTC(),
	}

	if err := p.alerts.CreateAlert(ctx, alert); err != nil {
		return err
	}

	p.auditor.RecordOK(ctx, audit.SystemActor, audit.ActionAlertCreated, map[string]interface{}{
		"alert_id":   alert.ID,
		"user_id":    alert.UserID,
		"risk_level": string(alert.RiskLevel),
		"risk_score": assessment.Score,
		"method":     alert.DetectionMethod,
	})

	return p.dispatchAlertCreated(ctx, alert, signal.Source == models.SourceScreening)
}

// dispatchAlertCreated 发布 alert/created 事件，驱动通知与随访调度
func (p *SignalPipeline) dispatchAlertCreated(ctx context.Context, alert *models.CrisisAlert, screening bool) error {
	payload, err := json.Marshal(models.AlertCreatedPayload{
		AlertID:       alert.ID,
		UserID:        alert.UserID,
		InstitutionID: alert.InstitutionID,
		RiskLevel:     alert.RiskLevel,
		Urgency:       alert.Urgency,
		Screening:     screening,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	return p.dispatcher.Dispatch(ctx, orchestrator.Event{
		Name:          models.EventAlertCreated,
		Key:           "alert:" + alert.ID,
		CorrelationID: alert.ID,
		Payload:       payload,
	})
}

// gatherScoringInput 汇集评分所需的全部数据源
func (p *SignalPipeline) gatherScoringInput(ctx context.Context, signal *models.Signal, analysis *models.AnalysisResult) (scoring.Input, error) {
	input := scoring.Input{
		UserID:   signal.UserID,
		Analysis: analysis,
	}

	since := time.Now().UTC().Add(-wellnessLookback)
	wellness, err := p.activity.GetRecentWellness(ctx, signal.UserID, since)
	if err != nil {
		return input, err
	}
	input.Wellness = scoring.WellnessInput{Entries: wellness}

	// 当前信号本身是打卡时也计入
	if signal.Source == models.SourceWellness {
		var entry models.WellnessPayload
		if err := json.Unmarshal(signal.Payload, &entry); err == nil {
			input.Wellness.Entries = append(input.Wellness.Entries, entry)
		}
	}

	screening, err := p.activity.GetLatestScreening(ctx, signal.UserID)
	if err != nil {
		return input, err
	}
	if signal.Source == models.SourceScreening {
		var s models.ScreeningPayload
		if err := json.Unmarshal(signal.Payload, &s); err == nil {
			screening = &s
		}
	}
	if screening != nil {
		input.Screening = scoring.ScreeningInput{
			HasScores: true,
			PHQ9:      screening.PHQ9Score,
			GAD7:      screening.GAD7Score,
		}
	}

	usage, err := p.activity.GetUsageSummary(ctx, signal.UserID)
	if err != nil {
		return input, err
	}
	if signal.Source == models.SourceUsage {
		var u models.UsagePayload
		if err := json.Unmarshal(signal.Payload, &u); err == nil {
			usage = &u
		}
	}
	if usage != nil {
		input.Usage = scoring.UsageInput{
			HasData:           true,
			WeeklyLogins:      usage.WeeklyLogins,
			AvgSessionMinutes: usage.AvgSessionMinutes,
		}
	}

	return input, nil
}

func urgencyFor(level models.RiskLevel, analysis *models.AnalysisResult) int {
	if analysis != nil && analysis.UrgencyLevel > 0 {
		return analysis.UrgencyLevel
	}
	switch level {
	case models.RiskCritical:
		return 5
	case models.RiskHigh:
		return 4
	case models.RiskModerate:
		return 3
	default:
		return 2
	}
}

func detectionMethod(analysis *models.AnalysisResult) string {
	if analysis != nil {
		return string(analysis.Method)
	}
	return "scoring"
}
