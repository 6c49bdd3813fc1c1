package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"roadwatch-alarm/internal/advisor"
	"roadwatch-alarm/internal/collection"
	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/consumer"
	"roadwatch-alarm/internal/grouping"
	"roadwatch-alarm/internal/notify"
	"roadwatch-alarm/internal/repository"
	"roadwatch-alarm/internal/verification"
	"roadwatch-alarm/pkg/database"
	"roadwatch-alarm/pkg/mqtt"
	pkgredis "roadwatch-alarm/pkg/redis"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// AlarmService 报警关联服务（整合各层）
type AlarmService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	eventsRepo      *repository.AlarmEventsRepository
	verdictsRepo    *repository.VerdictsRepository
	detectionsRepo  *repository.DetectionsRepository
	advicesRepo     *repository.AdvicesRepository
	collectionsRepo *repository.CollectionsRepository
	verifier        *verification.Verifier
	advisor         *advisor.Advisor
	manager         *collection.Manager
	notifier        *notify.Notifier
	pipeline        *Pipeline
	queryService    *QueryService
	streamConsumer  *consumer.StreamConsumer
}

// NewAlarmService 创建报警关联服务
func NewAlarmService(cfg *config.Config, logger *zap.Logger) (*AlarmService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := pkgredis.NewRedisClient(&cfg.Redis)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT（推送失败不影响主流程，连接失败仅告警）
	mqttClient, err := mqtt.NewClient(&cfg.MQTT)
	if err != nil {
		logger.Warn("Failed to connect notification broker, pushes will be skipped",
			zap.Error(err),
		)
		mqttClient = nil
	}

	// 4. 创建 Repository 层
	eventsRepo := repository.NewAlarmEventsRepository(db, logger)
	verdictsRepo := repository.NewVerdictsRepository(db, logger)
	detectionsRepo := repository.NewDetectionsRepository(db, logger)
	advicesRepo := repository.NewAdvicesRepository(db, logger)
	collectionsRepo := repository.NewCollectionsRepository(db, logger)

	// 5. 创建核验层（外部协作方客户端）
	frameClient := verification.NewFrameProviderClient(
		cfg.Verification.FrameProviderURL,
		time.Duration(cfg.Verification.FrameTimeout)*time.Second,
		cfg.Verification.ProbeAttempts,
		time.Duration(cfg.Verification.ProbeInterval)*time.Second,
		logger,
	)
	bboxClient := verification.NewBBoxExtractorClient(
		cfg.Verification.BBoxExtractorURL,
		time.Duration(cfg.Verification.BBoxTimeout)*time.Second,
		logger,
	)
	detectorClient := verification.NewObjectDetectorClient(
		cfg.Verification.DetectorURL,
		time.Duration(cfg.Verification.DetectTimeout)*time.Second,
		logger,
	)
	verifier := verification.NewVerifier(cfg, frameClient, bboxClient, detectorClient,
		verdictsRepo, detectionsRepo, logger)

	// 6. 创建决策层
	adv := advisor.NewAdvisor(cfg, eventsRepo, detectionsRepo, advicesRepo, logger)
	manager := collection.NewManager(cfg, collectionsRepo, eventsRepo, verdictsRepo, advicesRepo, logger)
	notifier := notify.NewNotifier(mqttClient, cfg, logger)
	formatter := grouping.NewFormatter(verdictsRepo)

	// 7. 创建管线与查询服务
	pipeline := NewPipeline(cfg, eventsRepo, verdictsRepo, advicesRepo,
		verifier, adv, manager, notifier, redisClient, logger)
	queryService := NewQueryService(collectionsRepo, eventsRepo, advicesRepo,
		formatter, manager, logger)

	// 8. 创建流消费者
	streamConsumer := consumer.NewStreamConsumer(cfg, redisClient, logger)

	return &AlarmService{
		config:          cfg,
		db:              db,
		redisClient:     redisClient,
		mqttClient:      mqttClient,
		logger:          logger,
		eventsRepo:      eventsRepo,
		verdictsRepo:    verdictsRepo,
		detectionsRepo:  detectionsRepo,
		advicesRepo:     advicesRepo,
		collectionsRepo: collectionsRepo,
		verifier:        verifier,
		advisor:         adv,
		manager:         manager,
		notifier:        notifier,
		pipeline:        pipeline,
		queryService:    queryService,
		streamConsumer:  streamConsumer,
	}, nil
}

// Start 启动服务
func (s *AlarmService) Start(ctx context.Context) error {
	s.logger.Info("Starting alarm correlation service")

	if err := s.streamConsumer.Start(ctx, s.pipeline); err != nil {
		return fmt.Errorf("failed to start stream consumer: %w", err)
	}

	return nil
}

// Stop 停止服务
func (s *AlarmService) Stop() error {
	s.logger.Info("Stopping alarm correlation service")

	s.streamConsumer.Stop()

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis client",
			zap.Error(err),
		)
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	return nil
}

// Query 查询服务入口（HTTP 层使用）
func (s *AlarmService) Query() *QueryService {
	return s.queryService
}
