package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"

	"github.com/omarKhan56/Mind-Bridge-sub000/internal/analyzer"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/audit"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/config"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/consumer"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/deadletter"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/escalation"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/models"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/notifier"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/orchestrator"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/ratelimit"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/repository"
	"github.com/omarKhan56/Mind-Bridge-sub000/internal/scoring"
	"github.com/omarKhan56/Mind-Bridge-sub000/pkg/database"
	"github.com/omarKhan56/Mind-Bridge-sub000/pkg/redisutil"
)

// CrisisService 危机检测服务（整合各层）
type CrisisService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	alertsRepo       *repository.AlertsRepository
	tasksRepo        *repository.EscalationTasksRepository
	failedEventsRepo *repository.FailedEventsRepository
	auditRepo        *repository.AuditLogRepository
	checkpointsRepo  *repository.CheckpointsRepository
	activityRepo     *repository.UserActivityRepository

	analyzer     *analyzer.Analyzer
	engine       *scoring.Engine
	limiter      *ratelimit.Limiter
	auditor      *audit.Auditor
	streamNotify *notifier.StreamNotifier
	deadLetter   *deadletter.Handler
	orchestrator *orchestrator.Orchestrator
	cancelFlags  *orchestrator.CancelFlags
	scheduler    *escalation.Scheduler
	poller       *escalation.Poller
	consumer     *consumer.SignalConsumer
	pipeline     *SignalPipeline
	alertService *AlertService
}

// NewCrisisService 创建危机检测服务
func NewCrisisService(cfg *config.Config, logger *zap.Logger) (*CrisisService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisutil.NewRedisClient(&cfg.Redis)
	if err := redisutil.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	alertsRepo := repository.NewAlertsRepository(db, logger)
	tasksRepo := repository.NewEscalationTasksRepository(db, logger)
	failedEventsRepo := repository.NewFailedEventsRepository(db, logger)
	auditRepo := repository.NewAuditLogRepository(db, logger)
	checkpointsRepo := repository.NewCheckpointsRepository(db, logger)
	activityRepo := repository.NewUserActivityRepository(db, logger)

	// 4. 创建分析与评分组件
	var inferenceClient analyzer.InferenceClient
	if cfg.Analyzer.InferenceURL != "" {
		inferenceClient = analyzer.NewHTTPInferenceClient(cfg.Analyzer.InferenceURL, cfg.Analyzer.InferenceTimeout)
	}
	textAnalyzer, err := analyzer.New(inferenceClient, analyzer.Options{
		MaxConcurrent:    cfg.Analyzer.MaxConcurrent,
		ContextCacheSize: cfg.Analyzer.ContextCacheSize,
		ContextDepth:     cfg.Analyzer.ContextDepth,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer: %w", err)
	}

	engine := scoring.NewEngine(scoring.Thresholds{
		Moderate:         cfg.Scoring.ModerateThreshold,
		High:             cfg.Scoring.HighThreshold,
		Critical:         cfg.Scoring.CriticalThreshold,
		CrisisConfidence: cfg.Analyzer.ConfidenceThreshold,
	})

	// 5. 创建通知、限流、审计、死信组件
	streamNotify := notifier.NewStreamNotifier(redisClient, cfg.Signals.AlertStream, logger)
	timedNotifier := notifier.NewWithTimeout(streamNotify, cfg.Notifier.SendTimeout)

	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimit.KeyPrefix, cfg.RateLimit.DailyLimit, cfg.RateLimit.TTL, logger)
	auditor := audit.NewAuditor(auditRepo, cfg.Audit.FailureThreshold, cfg.Audit.Window, logger)
	deadLetter := deadletter.NewHandler(failedEventsRepo, timedNotifier, logger)

	// 6. 创建编排器
	cancelFlags := orchestrator.NewCancelFlags(redisClient, cfg.Workflow.CancelKeyPrefix, cfg.Workflow.CancelTTL)
	orch, err := orchestrator.New(orchestrator.Options{
		Workers:           cfg.Workflow.Workers,
		QueueSize:         cfg.Workflow.QueueSize,
		DefaultMaxRetries: cfg.Workflow.MaxRetries,
		PartitionLimit:    cfg.Workflow.PartitionLimit,
	}, checkpointsRepo, cancelFlags, deadLetter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	// 7. 创建升级调度器
	scheduler := escalation.NewScheduler(tasksRepo, alertsRepo, activityRepo, timedNotifier, auditor, escalation.Config{
		InitialWait:     cfg.Escalation.InitialWait,
		ScreeningWait:   cfg.Escalation.ScreeningWait,
		MaxAttempts:     cfg.Escalation.MaxAttempts,
		BackoffBaseUnit: cfg.Escalation.BackoffBaseUnit,
		ClaimBatchSize:  cfg.Escalation.ClaimBatchSize,
	}, logger)
	poller := escalation.NewPoller(scheduler, cfg.Escalation.PollInterval, logger)

	// 8. 创建管线与信号消费者
	pipeline := NewSignalPipeline(textAnalyzer, engine, alertsRepo, activityRepo, limiter, auditor, orch, logger)
	signalConsumer := consumer.NewSignalConsumer(redisClient, cfg.Signals.Stream, cfg.Signals.ConsumerGroup, cfg.Signals.ReadCount, orch, logger)

	alertService := NewAlertService(alertsRepo, scheduler, cancelFlags, auditor, orch, logger)

	s := &CrisisService{
		config:           cfg,
		db:               db,
		redisClient:      redisClient,
		logger:           logger,
		alertsRepo:       alertsRepo,
		tasksRepo:        tasksRepo,
		failedEventsRepo: failedEventsRepo,
		auditRepo:        auditRepo,
		checkpointsRepo:  checkpointsRepo,
		activityRepo:     activityRepo,
		analyzer:         textAnalyzer,
		engine:           engine,
		limiter:          limiter,
		auditor:          auditor,
		streamNotify:     streamNotify,
		deadLetter:       deadLetter,
		orchestrator:     orch,
		cancelFlags:      cancelFlags,
		scheduler:        scheduler,
		poller:           poller,
		consumer:         signalConsumer,
		pipeline:         pipeline,
		alertService:     alertService,
	}

	if err := s.registerHandlers(timedNotifier); err != nil {
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}

	// 可疑行为告警进入编排器，供审查队列消费
	auditor.OnSuspicious = func(actor, action string, failures int) {
		detail, err := json.Marshal(map[string]interface{}{
			"actor":    actor,
			"action":   action,
			"failures": failures,
		})
		if err != nil {
			return
		}
		payload, err := json.Marshal(models.FunctionFailedPayload{
			FunctionID:    "suspicious-activity",
			Error:         fmt.Sprintf("%d failed %s attempts by %s within audit window", failures, action, actor),
			OriginalEvent: detail,
		})
		if err != nil {
			return
		}
		if err := orch.Dispatch(context.Background(), orchestrator.Event{
			Name:    models.EventFunctionFailed,
			Payload: payload,
		}); err != nil {
			logger.Warn("Failed to dispatch suspicious activity event",
				zap.Error(err))
		}
	}

	return s, nil
}

// AlertService 返回报警业务服务（供 API 层使用）
func (s *CrisisService) AlertService() *AlertService {
	return s.alertService
}

// registerHandlers 注册工作流处理器
func (s *CrisisService) registerHandlers(timedNotifier notifier.Notifier) error {
	// 信号处理：分析 → 评分 → 报警，按机构分区限流
	err := s.orchestrator.Register(&orchestrator.Handler{
		ID:    "process-signal",
		Event: models.EventSignalReceived,
		PartitionKeyFunc: func(ev orchestrator.Event) string {
			var key struct {
				InstitutionID string `json:"institution_id"`
			}
			if err := json.Unmarshal(ev.Payload, &key); err != nil {
				return ""
			}
			return key.InstitutionID
		},
		Steps: []orchestrator.Step{
			{Name: "evaluate", Run: s.pipeline.Evaluate},
		},
	})
	if err != nil {
		return err
	}

	// 报警创建后：通知响应人 + 安排随访
	err = s.orchestrator.Register(&orchestrator.Handler{
		ID:    "notify-responders",
		Event: models.EventAlertCreated,
		Steps: []orchestrator.Step{
			{Name: "notify", Run: func(ctx context.Context, ev orchestrator.Event) error {
				var payload models.AlertCreatedPayload
				if err := json.Unmarshal(ev.Payload, &payload); err != nil {
					return orchestrator.Fatal(fmt.Errorf("invalid alert payload: %w", err))
				}
				alert, err := s.alertsRepo.GetAlert(ctx, payload.AlertID)
				if err != nil {
					return err
				}
				if _, err := timedNotifier.Send(ctx, alert); err != nil {
					return err
				}
				return nil
			}},
			{Name: "schedule-followup", Run: func(ctx context.Context, ev orchestrator.Event) error {
				var payload models.AlertCreatedPayload
				if err := json.Unmarshal(ev.Payload, &payload); err != nil {
					return orchestrator.Fatal(fmt.Errorf("invalid alert payload: %w", err))
				}
				_, err := s.scheduler.ScheduleInitial(ctx, payload.AlertID, payload.Screening, time.Now().UTC())
				return err
			}},
		},
	})
	if err != nil {
		return err
	}

	// 外部触发的随访检查：带 alert_id 时只查单个任务，否则全量扫描
	err = s.orchestrator.Register(&orchestrator.Handler{
		ID:    "followup-check",
		Event: models.EventFollowupCheck,
		Steps: []orchestrator.Step{
			{Name: "check", Run: func(ctx context.Context, ev orchestrator.Event) error {
				var payload models.FollowupCheckPayload
				if len(ev.Payload) > 0 {
					if err := json.Unmarshal(ev.Payload, &payload); err != nil {
						return orchestrator.Fatal(fmt.Errorf("invalid followup payload: %w", err))
					}
				}
				if payload.AlertID != "" {
					return s.scheduler.CheckFollowup(ctx, payload.AlertID, time.Now().UTC())
				}
				_, err := s.scheduler.SweepFollowups(ctx, time.Now().UTC())
				return err
			}},
		},
	})
	if err != nil {
		return err
	}

	// 报警取消：设置取消标记并终止随访
	err = s.orchestrator.Register(&orchestrator.Handler{
		ID:    "cancel-escalation",
		Event: models.EventAlertCancelled,
		Steps: []orchestrator.Step{
			{Name: "cancel", Run: func(ctx context.Context, ev orchestrator.Event) error {
				var payload models.AlertCancelledPayload
				if err := json.Unmarshal(ev.Payload, &payload); err != nil {
					return orchestrator.Fatal(fmt.Errorf("invalid cancel payload: %w", err))
				}
				return s.alertService.Cancel(ctx, payload.AlertID)
			}},
		},
	})
	if err != nil {
		return err
	}

	// 报警解决的领域事件发布到报警流，供外部分发组件消费
	err = s.orchestrator.Register(&orchestrator.Handler{
		ID:    "publish-resolution",
		Event: models.EventAlertResolved,
		Steps: []orchestrator.Step{
			{Name: "publish", Run: func(ctx context.Context, ev orchestrator.Event) error {
				var payload models.AlertCancelledPayload
				if err := json.Unmarshal(ev.Payload, &payload); err != nil {
					return orchestrator.Fatal(fmt.Errorf("invalid resolution payload: %w", err))
				}
				alert, err := s.alertsRepo.GetAlert(ctx, payload.AlertID)
				if err != nil {
					return err
				}
				return s.streamNotify.PublishResolved(ctx, alert)
			}},
		},
	})
	if err != nil {
		return err
	}

	// 外部上报的失败事件直接进死信
	err = s.orchestrator.Register(&orchestrator.Handler{
		ID:    "record-failure",
		Event: models.EventFunctionFailed,
		Steps: []orchestrator.Step{
			{Name: "persist", Run: func(ctx context.Context, ev orchestrator.Event) error {
				var payload models.FunctionFailedPayload
				if err := json.Unmarshal(ev.Payload, &payload); err != nil {
					return orchestrator.Fatal(fmt.Errorf("invalid failure payload: %w", err))
				}
				if payload.FunctionID == "" {
					payload.FunctionID = "external"
				}
				return s.deadLetter.HandleFailure(ctx, payload, 0)
			}},
		},
	})
	if err != nil {
		return err
	}

	// 信号批量聚合（非实时路径）
	return s.orchestrator.Register(&orchestrator.Handler{
		ID:    "signal-analytics",
		Event: models.EventAnalyticsTick,
		Batch: &orchestrator.BatchConfig{
			MaxSize: s.config.Workflow.BatchMaxSize,
			Timeout: s.config.Workflow.BatchTimeout,
			Run: func(ctx context.Context, evs []orchestrator.Event) error {
				counts := map[string]int{}
				for _, ev := range evs {
					var entry struct {
						Source string `json:"source"`
					}
					if err := json.Unmarshal(ev.Payload, &entry); err != nil {
						continue
					}
					counts[entry.Source]++
				}
				s.logger.Info("Signal batch aggregated",
					zap.Int("batch_size", len(evs)),
					zap.Any("by_source", counts))
				return nil
			},
		},
	})
}

// Start 启动服务（阻塞直到 ctx 取消或某组件出错）
func (s *CrisisService) Start(ctx context.Context) error {
	s.logger.Info("Starting crisis service")

	if err := s.orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.consumer.Start(gctx)
	})
	g.Go(func() error {
		return s.poller.Start(gctx)
	})
	g.Go(func() error {
		return s.purgeCheckpointsLoop(gctx)
	})

	err := g.Wait()
	s.orchestrator.Stop()
	return err
}

// purgeCheckpointsLoop 定期清理过期的步骤检查点
func (s *CrisisService) purgeCheckpointsLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.config.Workflow.CheckpointRetention)
			purged, err := s.checkpointsRepo.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				s.logger.Error("Failed to purge checkpoints",
					zap.Error(err))
				continue
			}
			if purged > 0 {
				s.logger.Info("Expired checkpoints purged",
					zap.Int64("count", purged))
			}
		}
	}
}

// Stop 停止服务
func (s *CrisisService) Stop() error {
	s.logger.Info("Stopping crisis service")

	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err))
	}
	if err := redisutil.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err))
	}
	return nil
}
