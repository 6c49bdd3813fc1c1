package collection

import (
	"context"
	"fmt"
	"time"

	"roadwatch-alarm/internal/advisor"
	"roadwatch-alarm/internal/classifier"
	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/models"
	"roadwatch-alarm/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 集合变更类型（随快照推送）
const (
	MutationCreated  = "created"
	MutationJoined   = "joined"
	MutationClosed   = "closed"
	MutationRejoined = "rejoined" // 至少一次投递下的重复成员，原地刷新
)

// Result 单条报警的集合决策结果
// Closed 在关闭旧集合并新建时携带被关闭的集合
type Result struct {
	Collection *models.Collection
	Mutation   string
	Closed     *models.Collection
}

type transition int

const (
	transitionJoin transition = iota
	transitionCloseAndCreate
)

// Manager 事件集合状态机
// 状态 open/closed，closed 为终态；每设备同一时刻至多一个开放集合。
// 同设备的决策必须在设备锁内执行（见 DeviceLock）。
type Manager struct {
	config          *config.Config
	collectionsRepo *repository.CollectionsRepository
	eventsRepo      *repository.AlarmEventsRepository
	verdictsRepo    *repository.VerdictsRepository
	advicesRepo     *repository.AdvicesRepository
	locks           *DeviceLock
	logger          *zap.Logger
}

// NewManager 创建集合状态机
func NewManager(
	cfg *config.Config,
	collectionsRepo *repository.CollectionsRepository,
	eventsRepo *repository.AlarmEventsRepository,
	verdictsRepo *repository.VerdictsRepository,
	advicesRepo *repository.AdvicesRepository,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		config:          cfg,
		collectionsRepo: collectionsRepo,
		eventsRepo:      eventsRepo,
		verdictsRepo:    verdictsRepo,
		advicesRepo:     advicesRepo,
		locks:           NewDeviceLock(),
		logger:          logger,
	}
}

// Process 对一条已完成核验的报警执行并入/新建/关闭决策
func (m *Manager) Process(ctx context.Context, alarm *models.AlarmEvent, verdict *models.VerificationVerdict) (*Result, error) {
	if alarm == nil {
		return nil, fmt.Errorf("alarm is required")
	}

	deviceKey := alarm.DeviceID
	if alarm.Category == models.CategoryIllegalVehicle {
		deviceKey = models.NoFixedDeviceID
	}

	m.locks.Lock(deviceKey)
	defer m.locks.Unlock(deviceKey)

	// 至少一次投递：已是成员则原地刷新，不新增成员
	existing, err := m.collectionsRepo.FindByMemberAlarmID(ctx, alarm.AlarmID)
	if err != nil {
		m.logger.Warn("Failed to check existing membership",
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
	} else if existing != nil {
		m.refresh(ctx, existing)
		return &Result{Collection: existing, Mutation: MutationRejoined}, nil
	}

	if alarm.Category == models.CategoryIllegalVehicle {
		return m.processIllegalVehicle(ctx, alarm, verdict)
	}

	open, err := m.collectionsRepo.GetOpenByDevice(ctx, alarm.DeviceID)
	if err != nil {
		m.logger.Warn("Failed to look up open collection, creating a new one",
			zap.String("device_id", alarm.DeviceID),
			zap.Error(err),
		)
		return m.create(ctx, alarm.DeviceID, alarm, verdict, nil)
	}
	if open == nil {
		return m.create(ctx, alarm.DeviceID, alarm, verdict, nil)
	}

	comparison, err := m.pickComparison(ctx, open, alarm)
	if err != nil || comparison == nil {
		// 成员列表为空或加载失败属于不变式破坏，走安全默认：关旧建新
		m.logger.Warn("No comparison alarm available, closing and recreating",
			zap.String("collection_id", open.CollectionID),
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
		return m.closeAndCreate(ctx, open, alarm, verdict)
	}

	switch m.decide(alarm, comparison) {
	case transitionJoin:
		result, err := m.join(ctx, open, alarm, verdict)
		if err != nil {
			m.logger.Warn("Failed to join collection, closing and recreating",
				zap.String("collection_id", open.CollectionID),
				zap.String("alarm_id", alarm.AlarmID),
				zap.Error(err),
			)
			return m.closeAndCreate(ctx, open, alarm, verdict)
		}
		return result, nil
	default:
		return m.closeAndCreate(ctx, open, alarm, verdict)
	}
}

// processIllegalVehicle 违章车辆不绑定设备，统一并入合成集合，事件类型固定
func (m *Manager) processIllegalVehicle(ctx context.Context, alarm *models.AlarmEvent, verdict *models.VerificationVerdict) (*Result, error) {
	open, err := m.collectionsRepo.GetOpenByDevice(ctx, models.NoFixedDeviceID)
	if err != nil {
		m.logger.Warn("Failed to look up illegal vehicle collection",
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
		open = nil
	}
	if open == nil {
		return m.create(ctx, models.NoFixedDeviceID, alarm, verdict, fixedType(models.IncidentIllegalVehicle))
	}

	result, err := m.join(ctx, open, alarm, verdict)
	if err != nil {
		// 合成集合不能关闭也不能换设备，降级为直接新建合成集合
		m.logger.Warn("Failed to join illegal vehicle collection, creating a new synthetic one",
			zap.String("collection_id", open.CollectionID),
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
		return m.create(ctx, models.NoFixedDeviceID, alarm, verdict, fixedType(models.IncidentIllegalVehicle))
	}
	return result, nil
}

// pickComparison 选择比较报警：
// 报警时间不晚于当前报警的最近成员；乱序投递时退而取其后最早的成员
func (m *Manager) pickComparison(ctx context.Context, open *models.Collection, alarm *models.AlarmEvent) (*models.AlarmEvent, error) {
	if len(open.MemberIDs) == 0 {
		return nil, fmt.Errorf("collection has no members: collection_id=%s", open.CollectionID)
	}

	members, err := m.eventsRepo.GetAlarmEvents(ctx, open.MemberIDs)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("no member events found: collection_id=%s", open.CollectionID)
	}

	var before, after *models.AlarmEvent
	for _, member := range members {
		if !member.AlarmTime.After(alarm.AlarmTime) {
			if before == nil || member.AlarmTime.After(before.AlarmTime) {
				before = member
			}
		} else {
			if after == nil || member.AlarmTime.Before(after.AlarmTime) {
				after = member
			}
		}
	}

	if before != nil {
		return before, nil
	}
	return after, nil
}

// decide 并入/关闭决策表
func (m *Manager) decide(alarm, comparison *models.AlarmEvent) transition {
	elapsed := alarm.AlarmTime.Sub(comparison.AlarmTime)
	if elapsed < 0 {
		elapsed = -elapsed
	}
	defaultWindow := time.Duration(m.config.Merge.DefaultJoinWindowMin) * time.Minute

	if alarm.Category != models.CategoryVehicleStopped ||
		comparison.Category != models.CategoryVehicleStopped {
		if elapsed <= defaultWindow {
			return transitionJoin
		}
		return transitionCloseAndCreate
	}

	// 双方均为车辆停驶：时间窗放宽，叠加桩号约束
	milestoneDelta := alarm.Milestone - comparison.Milestone
	if milestoneDelta < 0 {
		milestoneDelta = -milestoneDelta
	}
	stoppedWindow := time.Duration(m.config.Merge.StoppedJoinWindowMin) * time.Minute

	if elapsed <= stoppedWindow {
		if milestoneDelta <= m.config.Merge.MilestoneDelta {
			return transitionJoin
		}
		return transitionCloseAndCreate
	}
	if milestoneDelta == 0 {
		return transitionJoin
	}
	return transitionCloseAndCreate
}

// join 并入开放集合；成员写入失败时返回错误，由调用方选择降级路径
func (m *Manager) join(ctx context.Context, open *models.Collection, alarm *models.AlarmEvent, verdict *models.VerificationVerdict) (*Result, error) {
	if err := m.collectionsRepo.AddMember(ctx, open.CollectionID, alarm.AlarmID); err != nil {
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	// 刷新必须覆盖刚并入的成员
	open.MemberIDs = append(open.MemberIDs, alarm.AlarmID)

	if err := m.collectionsRepo.RecomputeBounds(ctx, open.CollectionID); err != nil {
		m.logger.Error("Failed to recompute collection bounds",
			zap.String("collection_id", open.CollectionID),
			zap.Error(err),
		)
	}

	if verdict != nil && verdict.CheckFlag == models.CheckConfirmed {
		if err := m.collectionsRepo.IncrementConfirmed(ctx, open.CollectionID); err != nil {
			m.logger.Error("Failed to increment confirmed count",
				zap.String("collection_id", open.CollectionID),
				zap.Error(err),
			)
		}
	}

	m.refresh(ctx, open)

	joined, err := m.collectionsRepo.GetCollection(ctx, open.CollectionID)
	if err != nil {
		joined = open
	}
	return &Result{Collection: joined, Mutation: MutationJoined}, nil
}

// closeAndCreate 关闭当前集合并以触发报警为种子新建开放集合
func (m *Manager) closeAndCreate(ctx context.Context, open *models.Collection, alarm *models.AlarmEvent, verdict *models.VerificationVerdict) (*Result, error) {
	if err := m.collectionsRepo.CloseCollection(ctx, open.CollectionID); err != nil {
		return nil, fmt.Errorf("failed to close collection: %w", err)
	}
	open.Status = models.CollectionClosed

	result, err := m.create(ctx, alarm.DeviceID, alarm, verdict, nil)
	if err != nil {
		return nil, err
	}
	result.Closed = open
	return result, nil
}

// create 新建单成员开放集合
func (m *Manager) create(ctx context.Context, deviceID string, alarm *models.AlarmEvent, verdict *models.VerificationVerdict, incidentType *models.IncidentType) (*Result, error) {
	now := time.Now()

	collection := &models.Collection{
		CollectionID:      uuid.New().String(),
		DeviceID:          deviceID,
		RoadID:            alarm.RoadID,
		Milestone:         alarm.Milestone,
		Advice:            models.AdviceUndetermined,
		MemberIDs:         []string{alarm.AlarmID},
		EarliestAlarmTime: alarm.AlarmTime,
		LatestAlarmTime:   alarm.AlarmTime,
		MemberCount:       1,
		Status:            models.CollectionOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if incidentType != nil {
		collection.IncidentType = *incidentType
	} else {
		collection.IncidentType = models.IncidentOutOfScope
	}
	if verdict != nil && verdict.CheckFlag == models.CheckConfirmed {
		collection.ConfirmedCount = 1
	}

	if err := m.collectionsRepo.CreateCollection(ctx, collection, alarm.AlarmID); err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	m.refresh(ctx, collection)
	return &Result{Collection: collection, Mutation: MutationCreated}, nil
}

// refresh 重算集合事件类型与聚合处置建议并写回
// 合成违章集合的事件类型固定，跳过归类
func (m *Manager) refresh(ctx context.Context, collection *models.Collection) {
	members, err := m.eventsRepo.GetAlarmEvents(ctx, collection.MemberIDs)
	if err != nil {
		m.logger.Error("Failed to load members for refresh",
			zap.String("collection_id", collection.CollectionID),
			zap.Error(err),
		)
		return
	}

	verdicts, err := m.verdictsRepo.GetVerdicts(ctx, collection.MemberIDs)
	if err != nil {
		m.logger.Error("Failed to load verdicts for refresh",
			zap.String("collection_id", collection.CollectionID),
			zap.Error(err),
		)
		verdicts = map[string]*models.VerificationVerdict{}
	}

	advices, err := m.advicesRepo.GetAdvices(ctx, collection.MemberIDs)
	if err != nil {
		m.logger.Error("Failed to load advices for refresh",
			zap.String("collection_id", collection.CollectionID),
			zap.Error(err),
		)
		advices = map[string]*models.DisposalAdvice{}
	}

	hasConfirmed := false

	if collection.DeviceID != models.NoFixedDeviceID {
		evidence := make([]classifier.MemberEvidence, 0, len(members))
		for _, member := range members {
			e := classifier.MemberEvidence{Category: member.Category}
			if v := verdicts[member.AlarmID]; v != nil {
				e.CheckFlag = v.CheckFlag
				e.MatchedLabel = v.MatchedLabel
			}
			if e.CheckFlag == models.CheckConfirmed {
				hasConfirmed = true
			}
			evidence = append(evidence, e)
		}

		incidentType := classifier.Classify(evidence)
		if incidentType != collection.IncidentType {
			if err := m.collectionsRepo.UpdateIncidentType(ctx, collection.CollectionID, incidentType); err != nil {
				m.logger.Error("Failed to update incident type",
					zap.String("collection_id", collection.CollectionID),
					zap.Error(err),
				)
			} else {
				collection.IncidentType = incidentType
			}
		}
	} else {
		for _, member := range members {
			if v := verdicts[member.AlarmID]; v != nil && v.CheckFlag == models.CheckConfirmed {
				hasConfirmed = true
			}
		}
	}

	facts := make([]advisor.MemberFact, 0, len(members))
	for _, member := range members {
		fact := advisor.MemberFact{
			AlarmID:        member.AlarmID,
			AlarmTime:      member.AlarmTime,
			HumanConfirmed: member.HumanConfirmed,
		}
		if a := advices[member.AlarmID]; a != nil {
			fact.Advice = a.Advice
		}
		facts = append(facts, fact)
	}

	aggregate := advisor.Aggregate(facts, hasConfirmed)
	if aggregate != collection.Advice {
		if err := m.collectionsRepo.UpdateAdvice(ctx, collection.CollectionID, aggregate); err != nil {
			m.logger.Error("Failed to update collection advice",
				zap.String("collection_id", collection.CollectionID),
				zap.Error(err),
			)
		} else {
			collection.Advice = aggregate
		}
	}
}

// Refresh 对外暴露的集合重算入口（人工确认等集合外变更后调用）
func (m *Manager) Refresh(ctx context.Context, collectionID string) (*models.Collection, error) {
	collection, err := m.collectionsRepo.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	m.locks.Lock(collection.DeviceID)
	defer m.locks.Unlock(collection.DeviceID)

	m.refresh(ctx, collection)
	return collection, nil
}

func fixedType(t models.IncidentType) *models.IncidentType {
	return &t
}
