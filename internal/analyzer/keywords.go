package analyzer

import "strings"

// 危机短语列表（命中即 crisis_present=true，urgency=5）
// 统一维护一份，避免各服务各自为政的重复清单
var crisisPhrases = []string{
	"suicide",
	"kill myself",
	"end it all",
	"end my life",
	"want to die",
	"hurt myself",
	"better off dead",
	"no reason to live",
	"take my own life",
}

// 紧急短语列表（命中提升 urgency，但不直接判定危机）
var urgentPhrases = []string{
	"can't go on",
	"cant go on",
	"hopeless",
	"no way out",
	"give up",
	"worthless",
	"unbearable",
}

// HasCrisisIndicators 判断文本是否命中危机短语
// 供死信紧急广播在报警尚未评分时判定危机路径
func HasCrisisIndicators(message string) bool {
	crisis, _ := keywordScan(message)
	return crisis > 0
}

// keywordScan 对消息做大小写不敏感的短语匹配
func keywordScan(message string) (crisisMatches, urgentMatches int) {
	lower := strings.ToLower(message)
	for _, phrase := range crisisPhrases {
		if strings.Contains(lower, phrase) {
			crisisMatches++
		}
	}
	for _, phrase := range urgentPhrases {
		if strings.Contains(lower, phrase) {
			urgentMatches++
		}
	}
	return crisisMatches, urgentMatches
}

// confidenceForMatches 命中数到置信度的映射
// 单次命中即达到下游行动阈值（0.7），后续命中递增，封顶 1.0
func confidenceForMatches(matches int) float64 {
	if matches <= 0 {
		return 0
	}
	confidence := 0.7 + 0.1*float64(matches-1)
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}
