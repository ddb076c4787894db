package models

// AnalysisMethod 文本分析方法
type AnalysisMethod string

const (
	MethodInference         AnalysisMethod = "inference"          // 外部推理服务
	MethodHeuristic         AnalysisMethod = "heuristic"          // 关键词规则
	MethodEmergencyFallback AnalysisMethod = "emergency_fallback" // 紧急兜底
)

// AnalysisResult 文本风险分析结果（附着在产生它的 Signal 上，不独立持久化）
type AnalysisResult struct {
	SentimentScore   int            `json:"sentiment_score"`   // 1-10，越低越消极
	PrimaryEmotion   string         `json:"primary_emotion"`   // 主要情绪
	CrisisPresent    bool           `json:"crisis_present"`    // 是否存在危机语言
	CrisisConfidence float64        `json:"crisis_confidence"` // 0-1
	UrgencyLevel     int            `json:"urgency_level"`     // 1-5
	Method           AnalysisMethod `json:"method"`
}
