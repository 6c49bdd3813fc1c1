package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roadwatch-alarm/internal/advisor"
	"roadwatch-alarm/internal/collection"
	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/models"
	"roadwatch-alarm/internal/notify"
	"roadwatch-alarm/internal/repository"
	"roadwatch-alarm/internal/verification"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Pipeline 单报警处理管线
// 一条报警依次经过：落库 → 消费去重 → 核验 → 处置建议 →
// 集合决策 → 快照缓存与推送 → 标记已消费。
// 任一外部协作方失败都降级到待定路径，不阻塞后续报警。
type Pipeline struct {
	config       *config.Config
	eventsRepo   *repository.AlarmEventsRepository
	verdictsRepo *repository.VerdictsRepository
	advicesRepo  *repository.AdvicesRepository
	verifier     *verification.Verifier
	advisor      *advisor.Advisor
	manager      *collection.Manager
	notifier     *notify.Notifier
	redisClient  *redis.Client
	logger       *zap.Logger
}

// NewPipeline 创建处理管线
func NewPipeline(
	cfg *config.Config,
	eventsRepo *repository.AlarmEventsRepository,
	verdictsRepo *repository.VerdictsRepository,
	advicesRepo *repository.AdvicesRepository,
	verifier *verification.Verifier,
	adv *advisor.Advisor,
	manager *collection.Manager,
	notifier *notify.Notifier,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		config:       cfg,
		eventsRepo:   eventsRepo,
		verdictsRepo: verdictsRepo,
		advicesRepo:  advicesRepo,
		verifier:     verifier,
		advisor:      adv,
		manager:      manager,
		notifier:     notifier,
		redisClient:  redisClient,
		logger:       logger,
	}
}

// Process 处理一条报警
// 返回 nil 表示可以提交消费位置；返回错误表示需要重投
func (p *Pipeline) Process(ctx context.Context, alarm *models.AlarmEvent) error {
	if alarm == nil || alarm.AlarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	// 报警先落库，上游数据异常也不丢
	if err := p.eventsRepo.CreateAlarmEvent(ctx, alarm); err != nil {
		return fmt.Errorf("failed to persist alarm: %w", err)
	}

	consumed, err := p.eventsRepo.IsConsumed(ctx, alarm.AlarmID)
	if err != nil {
		p.logger.Warn("Failed to check consumed flag",
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
	}
	if consumed {
		p.logger.Debug("Alarm already consumed, skipping",
			zap.String("alarm_id", alarm.AlarmID),
		)
		return nil
	}

	verdict, err := p.verifier.Verify(ctx, alarm)
	if err != nil {
		// 判定本身仍可用，仅落库失败
		p.logger.Error("Failed to persist verification verdict",
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
	}

	advice, err := p.advisor.Advise(ctx, alarm, verdict)
	if err != nil {
		p.logger.Error("Failed to persist disposal advice",
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
	}

	result, err := p.manager.Process(ctx, alarm, verdict)
	if err != nil {
		return fmt.Errorf("failed to process collection decision: %w", err)
	}

	p.publish(ctx, result)

	if err := p.eventsRepo.MarkConsumed(ctx, alarm.AlarmID); err != nil {
		return fmt.Errorf("failed to mark alarm consumed: %w", err)
	}

	p.logger.Info("Alarm processed",
		zap.String("alarm_id", alarm.AlarmID),
		zap.String("device_id", alarm.DeviceID),
		zap.String("category", string(alarm.Category)),
		zap.Int16("check_flag", verdictFlag(verdict)),
		zap.String("advice", adviceName(advice)),
		zap.String("collection_id", result.Collection.CollectionID),
		zap.String("mutation", result.Mutation),
	)
	return nil
}

// publish 缓存集合快照并向通知接收方推送变更
func (p *Pipeline) publish(ctx context.Context, result *collection.Result) {
	if result.Closed != nil {
		p.pushCollection(ctx, result.Closed, collection.MutationClosed)
	}
	p.pushCollection(ctx, result.Collection, result.Mutation)
}

func (p *Pipeline) pushCollection(ctx context.Context, coll *models.Collection, mutation string) {
	members, err := p.memberAdvices(ctx, coll)
	if err != nil {
		p.logger.Warn("Failed to assemble member advices for snapshot",
			zap.String("collection_id", coll.CollectionID),
			zap.Error(err),
		)
	}

	p.cacheSnapshot(ctx, coll, members, mutation)
	p.notifier.PushSnapshot(coll, members, mutation)
}

// memberAdvices 组装快照内嵌的成员建议列表（按并入顺序）
func (p *Pipeline) memberAdvices(ctx context.Context, coll *models.Collection) ([]models.MemberAdvice, error) {
	events, err := p.eventsRepo.GetAlarmEvents(ctx, coll.MemberIDs)
	if err != nil {
		return nil, err
	}

	advices, err := p.advicesRepo.GetAdvices(ctx, coll.MemberIDs)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.AlarmEvent, len(events))
	for _, e := range events {
		byID[e.AlarmID] = e
	}

	members := make([]models.MemberAdvice, 0, len(coll.MemberIDs))
	for _, alarmID := range coll.MemberIDs {
		member := models.MemberAdvice{AlarmID: alarmID}
		if e := byID[alarmID]; e != nil {
			member.Category = e.Category
			member.AlarmTime = e.AlarmTime
		}
		if a := advices[alarmID]; a != nil {
			member.Advice = a.Advice
			member.Reason = a.Reason
		}
		members = append(members, member)
	}
	return members, nil
}

// cacheSnapshot 集合快照写入 Redis，供查询侧快速读取
func (p *Pipeline) cacheSnapshot(ctx context.Context, coll *models.Collection, members []models.MemberAdvice, mutation string) {
	snapshot := models.CollectionSnapshot{
		Collection: *coll,
		Members:    members,
		Mutation:   mutation,
		PushedAt:   time.Now(),
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		p.logger.Error("Failed to marshal snapshot for cache",
			zap.String("collection_id", coll.CollectionID),
			zap.Error(err),
		)
		return
	}

	key := p.config.Cache.SnapshotKeyPrefix + coll.CollectionID
	ttl := time.Duration(p.config.Cache.SnapshotTTL) * time.Second
	if err := p.redisClient.Set(ctx, key, payload, ttl).Err(); err != nil {
		p.logger.Warn("Failed to cache collection snapshot",
			zap.String("collection_id", coll.CollectionID),
			zap.Error(err),
		)
	}
}

func verdictFlag(v *models.VerificationVerdict) int16 {
	if v == nil {
		return int16(models.CheckUnknown)
	}
	return int16(v.CheckFlag)
}

func adviceName(a *models.DisposalAdvice) string {
	if a == nil {
		return models.AdviceUndetermined.String()
	}
	return a.Advice.String()
}
