package scoring

import (
	"time"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// Thresholds 风险等级阈值（产品待定值，统一由配置提供）
type Thresholds struct {
	Moderate         int     // 默认 30
	High             int     // 默认 50
	Critical         int     // 默认 70
	CrisisConfidence float64 // 危机置信度生效阈值，默认 0.7
}

// DefaultThresholds 默认阈值
func DefaultThresholds() Thresholds {
	return Thresholds{Moderate: 30, High: 50, Critical: 70, CrisisConfidence: CrisisConfidenceThreshold}
}

// CrisisConfidenceThreshold 危机置信度生效阈值默认值
// 仅当置信度达到该值时 crisis_present 才参与 alert_counselor 判定
const CrisisConfidenceThreshold = 0.7

// WellnessInput 健康打卡输入（1-10 量表）
type WellnessInput struct {
	Entries []models.WellnessPayload
}

// ScreeningInput 筛查分值输入
type ScreeningInput struct {
	HasScores bool
	PHQ9      int
	GAD7      int
}

// UsageInput 使用行为输入
type UsageInput struct {
	HasData           bool
	WeeklyLogins      int
	AvgSessionMinutes float64
}

// Input 单次风险评估输入
type Input struct {
	UserID    string
	Wellness  WellnessInput
	Screening ScreeningInput
	Analysis  *models.AnalysisResult
	Usage     UsageInput
}

// Engine 风险评分引擎
// 纯函数实现，无副作用，可同步（请求路径）或批量（定时扫描）调用
type Engine struct {
	thresholds Thresholds
}

// NewEngine 创建风险评分引擎
func NewEngine(thresholds Thresholds) *Engine {
	if thresholds.CrisisConfidence <= 0 {
		thresholds.CrisisConfidence = CrisisConfidenceThreshold
	}
	return &Engine{thresholds: thresholds}
}

// Score 计算风险评估
// 加权公式（各项独立封顶，总分钳制到 [0,100]）：
//   - 健康打卡：max(0, 30 - 2*avgMood + 2*avgStress)，上限 30
//   - 筛查分值：2*PHQ9 + 2*GAD7，上限 40
//   - 文本情绪：max(0, 20 - 2*sentiment)，危机置信达标时额外 +15
//   - 使用行为：每周登录 <3 次 +5，平均会话 <10 分钟 +3，上限 10
func (e *Engine) Score(in Input) models.RiskAssessment {
	var score int
	var factors []string
	var protective []string
	var sources int

	// 健康打卡贡献
	if len(in.Wellness.Entries) > 0 {
		sources++
		avgMood, avgStress := wellnessAverages(in.Wellness.Entries)
		contribution := 30 - 2*avgMood + 2*avgStress
		if contribution < 0 {
			contribution = 0
		}
		if contribution > 30 {
			contribution = 30
		}
		score += int(contribution)
		if contribution > 0 {
			factors = append(factors, "declining wellness trend")
		}
		if avgMood >= 7 {
			protective = append(protective, "stable mood")
		}
	}

	// 筛查分值贡献
	if in.Screening.HasScores {
		sources++
		contribution := 2*in.Screening.PHQ9 + 2*in.Screening.GAD7
		if contribution > 40 {
			contribution = 40
		}
		if contribution < 0 {
			contribution = 0
		}
		score += contribution
		if contribution > 0 {
			factors = append(factors, "elevated screening scores")
		}
	}

	// 文本情绪贡献
	if in.Analysis != nil {
		sources++
		contribution := 20 - 2*in.Analysis.SentimentScore
		if contribution < 0 {
			contribution = 0
		}
		score += contribution
		if contribution > 0 {
			factors = append(factors, "negative sentiment")
		}
		if in.Analysis.CrisisPresent && in.Analysis.CrisisConfidence >= e.thresholds.CrisisConfidence {
			score += 15
			factors = append(factors, "crisis language detected")
		}
		if in.Analysis.SentimentScore >= 7 {
			protective = append(protective, "positive sentiment")
		}
	}

	// 使用行为贡献
	if in.Usage.HasData {
		sources++
		contribution := 0
		if in.Usage.WeeklyLogins < 3 {
			contribution += 5
			factors = append(factors, "low engagement")
		}
		if in.Usage.AvgSessionMinutes < 10 {
			contribution += 3
			factors = append(factors, "short sessions")
		}
		if contribution > 10 {
			contribution = 10
		}
		score += contribution
		if contribution == 0 {
			protective = append(protective, "regular platform usage")
		}
	}

	crisisConfirmed := in.Analysis != nil &&
		in.Analysis.CrisisPresent &&
		in.Analysis.CrisisConfidence >= e.thresholds.CrisisConfidence

	// 确认的危机语言将分值抬升到 critical 阈值
	// 保持 分值→等级 单调映射的同时保证危机场景必然触发 critical
	if crisisConfirmed && score < e.thresholds.Critical {
		score = e.thresholds.Critical
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	level := e.LevelForScore(score)
	// 无任何贡献因子的低分视为 minimal
	if level == models.RiskLow && len(factors) == 0 {
		level = models.RiskMinimal
	}

	confidence := float64(sources) * 0.25
	if confidence > 1.0 {
		confidence = 1.0
	}

	return models.RiskAssessment{
		UserID:            in.UserID,
		Score:             score,
		Level:             level,
		Factors:           factors,
		ProtectiveFactors: protective,
		AlertCounselor:    level == models.RiskHigh || level == models.RiskCritical || crisisConfirmed,
		Confidence:        confidence,
		ComputedAt:        time.Now().UTC(),
	}
}

// LevelForScore 分值到等级的单调映射
// 相同分值必须映射到相同等级（minimal 的降级仅在无贡献因子时发生）
func (e *Engine) LevelForScore(score int) models.RiskLevel {
	switch {
	case score >= e.thresholds.Critical:
		return models.RiskCritical
	case score >= e.thresholds.High:
		return models.RiskHigh
	case score >= e.thresholds.Moderate:
		return models.RiskModerate
	default:
		return models.RiskLow
	}
}

func wellnessAverages(entries []models.WellnessPayload) (avgMood, avgStress float64) {
	var moodSum, stressSum int
	for _, e := range entries {
		moodSum += e.Mood
		stressSum += e.Stress
	}
	n := float64(len(entries))
	return float64(moodSum) / n, float64(stressSum) / n
}
