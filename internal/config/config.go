package config

import (
	"os"
	"strconv"
	"time"

	"github.com/omarKhan56/Mind-Bridge-sub000/pkg/database"
	"github.com/omarKhan56/Mind-Bridge-sub000/pkg/redisutil"
)

// Config 危机检测服务配置
type Config struct {
	Database database.Config
	Redis    redisutil.Config

	// 信号接入配置
	Signals struct {
		Stream        string // 信号流名称，如 "crisis:signals"
		ConsumerGroup string // 消费者组名称
		AlertStream   string // 报警领域事件流（供外部通知分发组件消费）
		ReadCount     int64  // 每次读取的消息数量
	}

	// 文本风险分析配置
	Analyzer struct {
		InferenceURL        string        // 外部推理服务地址（为空时仅使用关键词规则）
		InferenceTimeout    time.Duration // 推理调用超时，默认 3秒
		MaxConcurrent       int64         // 推理并发上限，默认 10
		ConfidenceThreshold float64       // 危机置信度阈值，默认 0.7
		ContextCacheSize    int           // 每用户会话上下文 LRU 容量，默认 1024
		ContextDepth        int           // 每用户保留的历史消息条数，默认 5
	}

	// 风险评分阈值（产品待定值统一放在配置，见 risk level 映射）
	Scoring struct {
		ModerateThreshold int // 默认 30
		HighThreshold     int // 默认 50
		CriticalThreshold int // 默认 70
	}

	// 工作流编排配置
	Workflow struct {
		MaxRetries          int           // 单步重试上限，默认 3
		QueueSize           int           // 事件队列长度，默认 1024
		Workers             int           // 工作协程数量，默认 8
		PartitionLimit      int64         // 每机构并发工作流上限，默认 20
		BatchTimeout        time.Duration // 批处理窗口，默认 5秒
		BatchMaxSize        int           // 批处理最大条数，默认 50
		CancelKeyPrefix     string        // 取消标记键前缀，如 "crisis:cancel:"
		CancelTTL           time.Duration // 取消标记 TTL，默认 24小时
		CheckpointRetention time.Duration // 步骤检查点保留时长，默认 7天
	}

	// 升级调度配置
	Escalation struct {
		InitialWait     time.Duration // 急性报警首次随访等待，默认 1小时
		ScreeningWait   time.Duration // 筛查触发报警首次随访等待，默认 24小时
		MaxAttempts     int           // 最大随访次数，默认 3
		BackoffBaseUnit time.Duration // 退避基础单位，默认 24小时
		PollInterval    time.Duration // 到期任务轮询间隔，默认 30秒
		ClaimBatchSize  int           // 每次认领的到期任务数量，默认 20
	}

	// 报警限流配置
	RateLimit struct {
		DailyLimit int           // 每机构每日报警上限，默认 50
		KeyPrefix  string        // 计数键前缀，如 "crisis:ratelimit:"
		TTL        time.Duration // 桶 TTL，默认 24小时
	}

	// 审计异常检测配置
	Audit struct {
		FailureThreshold int           // 可疑行为判定阈值，默认 5 次
		Window           time.Duration // 检测时间窗口，默认 15分钟
	}

	// 通知配置
	Notifier struct {
		SendTimeout time.Duration // 单次通知超时，默认 10秒
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 数据库配置
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "mindcare")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	// Redis 配置
	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// 信号接入配置
	cfg.Signals.Stream = getEnv("SIGNAL_STREAM", "crisis:signals")
	cfg.Signals.ConsumerGroup = getEnv("SIGNAL_CONSUMER_GROUP", "crisis-core")
	cfg.Signals.AlertStream = getEnv("ALERT_STREAM", "crisis:alerts")
	cfg.Signals.ReadCount = 10

	// 文本风险分析配置
	cfg.Analyzer.InferenceURL = getEnv("INFERENCE_URL", "")
	cfg.Analyzer.InferenceTimeout = getEnvDuration("INFERENCE_TIMEOUT", 3*time.Second)
	cfg.Analyzer.MaxConcurrent = int64(getEnvInt("INFERENCE_MAX_CONCURRENT", 10))
	cfg.Analyzer.ConfidenceThreshold = 0.7
	cfg.Analyzer.ContextCacheSize = getEnvInt("CONTEXT_CACHE_SIZE", 1024)
	cfg.Analyzer.ContextDepth = 5

	// 风险评分阈值
	cfg.Scoring.ModerateThreshold = 30
	cfg.Scoring.HighThreshold = 50
	cfg.Scoring.CriticalThreshold = 70

	// 工作流编排配置
	cfg.Workflow.MaxRetries = getEnvInt("WORKFLOW_MAX_RETRIES", 3)
	cfg.Workflow.QueueSize = 1024
	cfg.Workflow.Workers = getEnvInt("WORKFLOW_WORKERS", 8)
	cfg.Workflow.PartitionLimit = int64(getEnvInt("WORKFLOW_PARTITION_LIMIT", 20))
	cfg.Workflow.BatchTimeout = getEnvDuration("WORKFLOW_BATCH_TIMEOUT", 5*time.Second)
	cfg.Workflow.BatchMaxSize = getEnvInt("WORKFLOW_BATCH_MAX_SIZE", 50)
	cfg.Workflow.CancelKeyPrefix = "crisis:cancel:"
	cfg.Workflow.CancelTTL = 24 * time.Hour
	cfg.Workflow.CheckpointRetention = 7 * 24 * time.Hour

	// 升级调度配置
	cfg.Escalation.InitialWait = getEnvDuration("ESCALATION_INITIAL_WAIT", time.Hour)
	cfg.Escalation.ScreeningWait = getEnvDuration("ESCALATION_SCREENING_WAIT", 24*time.Hour)
	cfg.Escalation.MaxAttempts = getEnvInt("ESCALATION_MAX_ATTEMPTS", 3)
	cfg.Escalation.BackoffBaseUnit = getEnvDuration("ESCALATION_BACKOFF_BASE", 24*time.Hour)
	cfg.Escalation.PollInterval = getEnvDuration("ESCALATION_POLL_INTERVAL", 30*time.Second)
	cfg.Escalation.ClaimBatchSize = 20

	// 报警限流配置
	cfg.RateLimit.DailyLimit = getEnvInt("RATELIMIT_DAILY", 50)
	cfg.RateLimit.KeyPrefix = "crisis:ratelimit:"
	cfg.RateLimit.TTL = 24 * time.Hour

	// 审计异常检测配置
	cfg.Audit.FailureThreshold = 5
	cfg.Audit.Window = 15 * time.Minute

	// 通知配置
	cfg.Notifier.SendTimeout = getEnvDuration("NOTIFIER_SEND_TIMEOUT", 10*time.Second)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
