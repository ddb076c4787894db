package analyzer

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
)

// Options 分析器配置
type Options struct {
	MaxConcurrent    int64 // 推理并发上限
	ContextCacheSize int   // 会话上下文 LRU 容量
	ContextDepth     int   // 每用户保留的历史消息条数
}

// Analyzer 文本风险分析器
// 三级降级链：推理服务 → 关键词规则 → 紧急兜底
// 降级不向调用方暴露错误，method 字段记录实际使用的路径
type Analyzer struct {
	client       InferenceClient
	schema       *jsonschema.Schema
	sem          *semaphore.Weighted
	contextCache *lru.Cache[string, []string]
	contextDepth int
	logger       *zap.Logger
}

// New 创建文本风险分析器
// client 为 nil 时直接使用关键词规则
func New(client InferenceClient, opts Options, logger *zap.Logger) (*Analyzer, error) {
	schema, err := compileClassifySchema()
	if err != nil {
		return nil, err
	}

	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.ContextCacheSize <= 0 {
		opts.ContextCacheSize = 1024
	}
	if opts.ContextDepth <= 0 {
		opts.ContextDepth = 5
	}

	cache, err := lru.New[string, []string](opts.ContextCacheSize)
	if err != nil {
		return nil, err
	}

	return &Analyzer{
		client:       client,
		schema:       schema,
		sem:          semaphore.NewWeighted(opts.MaxConcurrent),
		contextCache: cache,
		contextDepth: opts.ContextDepth,
		logger:       logger,
	}, nil
}

// Analyze 分析消息文本，永不返回错误
func (a *Analyzer) Analyze(ctx context.Context, userID, message string) (result models.AnalysisResult) {
	// 紧急兜底：任何意外 panic 都降级为纯关键词判定
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Analyzer panicked, using emergency fallback",
				zap.Any("panic", r),
			)
			result = a.emergencyFallback(message)
		}
	}()

	priorMessages := a.rememberMessage(userID, message)

	// 第一级：外部推理 + 严格格式校验
	if a.client != nil {
		if inferred := a.tryInference(ctx, message, priorMessages); inferred != nil {
			return *inferred
		}
	}

	// 第二级：关键词规则
	return a.heuristic(message)
}

// tryInference 尝试推理路径，失败返回 nil（静默降级）
func (a *Analyzer) tryInference(ctx context.Context, message string, priorMessages []string) *models.AnalysisResult {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer a.sem.Release(1)

	raw, err := a.client.Classify(ctx, message, priorMessages)
	if err != nil {
		a.logger.Warn("Inference call failed, falling back to heuristic",
			zap.Error(err),
		)
		return nil
	}

	parsed, err := validateAndParse(a.schema, raw)
	if err != nil {
		// 格式不合法时整体丢弃，不信任部分输出
		a.logger.Warn("Inference response rejected",
			zap.Error(err),
		)
		return nil
	}

	return parsed
}

// heuristic 关键词规则评分
func (a *Analyzer) heuristic(message string) models.AnalysisResult {
	crisisMatches, urgentMatches := keywordScan(message)

	if crisisMatches > 0 {
		return models.AnalysisResult{
			SentimentScore:   2,
			PrimaryEmotion:   "distressed",
			CrisisPresent:    true,
			CrisisConfidence: confidenceForMatches(crisisMatches),
			UrgencyLevel:     5,
			Method:           models.MethodHeuristic,
		}
	}

	if urgentMatches > 0 {
		return models.AnalysisResult{
			SentimentScore:   3,
			PrimaryEmotion:   "overwhelmed",
			CrisisPresent:    false,
			CrisisConfidence: 0,
			UrgencyLevel:     3,
			Method:           models.MethodHeuristic,
		}
	}

	return models.AnalysisResult{
		SentimentScore:   5,
		PrimaryEmotion:   "neutral",
		CrisisPresent:    false,
		CrisisConfidence: 0,
		UrgencyLevel:     1,
		Method:           models.MethodHeuristic,
	}
}

// emergencyFallback 紧急兜底：仅做关键词判定，绝不抛出
func (a *Analyzer) emergencyFallback(message string) models.AnalysisResult {
	crisisMatches, _ := keywordScan(message)
	return models.AnalysisResult{
		SentimentScore:   5,
		PrimaryEmotion:   "unknown",
		CrisisPresent:    crisisMatches > 0,
		CrisisConfidence: confidenceForMatches(crisisMatches),
		UrgencyLevel:     urgencyForCrisis(crisisMatches),
		Method:           models.MethodEmergencyFallback,
	}
}

func urgencyForCrisis(crisisMatches int) int {
	if crisisMatches > 0 {
		return 5
	}
	return 1
}

// rememberMessage 记录消息到有界会话上下文缓存，返回此前的历史消息
// 缓存固定容量，由 LRU 淘汰，不做人工清理扫描
func (a *Analyzer) rememberMessage(userID, message string) []string {
	prior, _ := a.contextCache.Get(userID)
	history := append(append([]string{}, prior...), message)
	if len(history) > a.contextDepth {
		history = history[len(history)-a.contextDepth:]
	}
	a.contextCache.Add(userID, history)
	return prior
}
