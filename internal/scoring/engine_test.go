package scoring

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

func newTestEngine() *Engine {
	return NewEngine(DefaultThresholds())
}

func TestScore_NoSignal(t *testing.T) {
	engine := newTestEngine()

	assessment := engine.Score(Input{UserID: "user-1"})

	assert.Equal(t, 0, assessment.Score)
	assert.Equal(t, models.RiskMinimal, assessment.Level)
	assert.False(t, assessment.AlertCounselor)
	assert.Empty(t, assessment.Factors)
	assert.Equal(t, 0.0, assessment.Confidence)
}

func TestScore_WellnessContribution(t *testing.T) {
	engine := newTestEngine()

	// avgMood=2, avgStress=9 → 30 - 4 + 18 = 44，封顶 30
	assessment := engine.Score(Input{
		UserID: "user-1",
		Wellness: WellnessInput{Entries: []models.WellnessPayload{
			{Mood: 2, Stress: 9, Sleep: 4},
		}},
	})

	assert.Equal(t, 30, assessment.Score)
	assert.Equal(t, models.RiskModerate, assessment.Level)
	assert.Contains(t, assessment.Factors, "declining wellness trend")
}

func TestScore_WellnessProtective(t *testing.T) {
	engine := newTestEngine()

	// avgMood=8, avgStress=2 → 30 - 16 + 4 = 18，正向情绪计入保护因子
	assessment := engine.Score(Input{
		UserID: "user-1",
		Wellness: WellnessInput{Entries: []models.WellnessPayload{
			{Mood: 8, Stress: 2, Sleep: 8},
		}},
	})

	assert.Equal(t, 18, assessment.Score)
	assert.Contains(t, assessment.ProtectiveFactors, "stable mood")
}

func TestScore_ScreeningCapped(t *testing.T) {
	engine := newTestEngine()

	// 2*15 + 2*12 = 54，封顶 40
	assessment := engine.Score(Input{
		UserID:    "user-1",
		Screening: ScreeningInput{HasScores: true, PHQ9: 15, GAD7: 12},
	})

	assert.Equal(t, 40, assessment.Score)
	assert.Equal(t, models.RiskModerate, assessment.Level)
	assert.Contains(t, assessment.Factors, "elevated screening scores")
}

func TestScore_UsageContribution(t *testing.T) {
	engine := newTestEngine()

	assessment := engine.Score(Input{
		UserID: "user-1",
		Usage:  UsageInput{HasData: true, WeeklyLogins: 1, AvgSessionMinutes: 4},
	})

	assert.Equal(t, 8, assessment.Score)
	assert.Contains(t, assessment.Factors, "low engagement")
	assert.Contains(t, assessment.Factors, "short sessions")
}

func TestScore_UsageProtective(t *testing.T) {
	engine := newTestEngine()

	assessment := engine.Score(Input{
		UserID: "user-1",
		Usage:  UsageInput{HasData: true, WeeklyLogins: 5, AvgSessionMinutes: 25},
	})

	assert.Equal(t, 0, assessment.Score)
	assert.Contains(t, assessment.ProtectiveFactors, "regular platform usage")
}

func TestScore_CrisisLanguageForcesCritical(t *testing.T) {
	engine := newTestEngine()

	// 危机语言置信达标时分值抬升到 critical 阈值
	assessment := engine.Score(Input{
		UserID: "user-1",
		Analysis: &models.AnalysisResult{
			SentimentScore:   2,
			CrisisPresent:    true,
			CrisisConfidence: 0.8,
			UrgencyLevel:     5,
			Method:           models.MethodHeuristic,
		},
	})

	assert.Equal(t, models.RiskCritical, assessment.Level)
	assert.True(t, assessment.AlertCounselor)
	assert.GreaterOrEqual(t, assessment.Score, 70)
	assert.Contains(t, assessment.Factors, "crisis language detected")
}

func TestScore_CrisisLanguageBelowConfidenceThreshold(t *testing.T) {
	engine := newTestEngine()

	// 置信度未达 0.7，危机标志不参与判定
	assessment := engine.Score(Input{
		UserID: "user-1",
		Analysis: &models.AnalysisResult{
			SentimentScore:   5,
			CrisisPresent:    true,
			CrisisConfidence: 0.4,
			Method:           models.MethodInference,
		},
	})

	assert.NotEqual(t, models.RiskCritical, assessment.Level)
	assert.False(t, assessment.AlertCounselor)
}

func TestScore_ConfiguredCrisisConfidenceThreshold(t *testing.T) {
	// 配置更严的置信度阈值后，0.8 的置信度不再触发危机抬升
	strict := NewEngine(Thresholds{Moderate: 30, High: 50, Critical: 70, CrisisConfidence: 0.9})

	analysis := &models.AnalysisResult{
		SentimentScore:   2,
		CrisisPresent:    true,
		CrisisConfidence: 0.8,
		Method:           models.MethodHeuristic,
	}

	assessment := strict.Score(Input{UserID: "user-1", Analysis: analysis})
	assert.NotEqual(t, models.RiskCritical, assessment.Level)

	// 零值回落到默认阈值 0.7
	fallback := NewEngine(Thresholds{Moderate: 30, High: 50, Critical: 70})
	assessment = fallback.Score(Input{UserID: "user-1", Analysis: analysis})
	assert.Equal(t, models.RiskCritical, assessment.Level)
}

func TestScore_AlertCounselorOnHighLevel(t *testing.T) {
	engine := newTestEngine()

	// 健康 30 + 筛查 40 = 70 → critical
	assessment := engine.Score(Input{
		UserID: "user-1",
		Wellness: WellnessInput{Entries: []models.WellnessPayload{
			{Mood: 1, Stress: 10, Sleep: 3},
		}},
		Screening: ScreeningInput{HasScores: true, PHQ9: 20, GAD7: 15},
	})

	require.Equal(t, models.RiskCritical, assessment.Level)
	assert.True(t, assessment.AlertCounselor)
}

func TestLevelForScore_Boundaries(t *testing.T) {
	engine := newTestEngine()

	assert.Equal(t, models.RiskLow, engine.LevelForScore(0))
	assert.Equal(t, models.RiskLow, engine.LevelForScore(29))
	assert.Equal(t, models.RiskModerate, engine.LevelForScore(30))
	assert.Equal(t, models.RiskModerate, engine.LevelForScore(49))
	assert.Equal(t, models.RiskHigh, engine.LevelForScore(50))
	assert.Equal(t, models.RiskHigh, engine.LevelForScore(69))
	assert.Equal(t, models.RiskCritical, engine.LevelForScore(70))
	assert.Equal(t, models.RiskCritical, engine.LevelForScore(100))
}

// TestScoreRangeProperty 对任意输入，分值必须落在 [0,100]
func TestScoreRangeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	engine := newTestEngine()

	properties.Property("score stays within [0,100]", prop.ForAll(
		func(mood, stress, phq9, gad7, sentiment, logins int, sessionMinutes float64, crisis bool, confidence float64) bool {
			assessment := engine.Score(Input{
				UserID: "user-prop",
				Wellness: WellnessInput{Entries: []models.WellnessPayload{
					{Mood: mood, Stress: stress, Sleep: 5},
				}},
				Screening: ScreeningInput{HasScores: true, PHQ9: phq9, GAD7: gad7},
				Analysis: &models.AnalysisResult{
					SentimentScore:   sentiment,
					CrisisPresent:    crisis,
					CrisisConfidence: confidence,
					Method:           models.MethodHeuristic,
				},
				Usage: UsageInput{HasData: true, WeeklyLogins: logins, AvgSessionMinutes: sessionMinutes},
			})
			return assessment.Score >= 0 && assessment.Score <= 100
		},
		gen.IntRange(1, 10),
		gen.IntRange(1, 10),
		gen.IntRange(0, 27),
		gen.IntRange(0, 21),
		gen.IntRange(1, 10),
		gen.IntRange(0, 20),
		gen.Float64Range(0, 120),
		gen.Bool(),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// TestLevelMonotonicProperty 分值到等级的映射必须单调
func TestLevelMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	engine := newTestEngine()
	rank := map[models.RiskLevel]int{
		models.RiskLow:      0,
		models.RiskModerate: 1,
		models.RiskHigh:     2,
		models.RiskCritical: 3,
	}

	properties.Property("higher score never maps to lower level", prop.ForAll(
		func(a, b int) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			return rank[engine.LevelForScore(lo)] <= rank[engine.LevelForScore(hi)]
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
