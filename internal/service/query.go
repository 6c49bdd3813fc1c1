package service

import (
	"context"
	"fmt"

	"roadwatch-alarm/internal/collection"
	"roadwatch-alarm/internal/grouping"
	"roadwatch-alarm/internal/models"
	"roadwatch-alarm/internal/repository"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// QueryService 集合查询服务（面向消费方的出站查询面）
type QueryService struct {
	collectionsRepo *repository.CollectionsRepository
	eventsRepo      *repository.AlarmEventsRepository
	advicesRepo     *repository.AdvicesRepository
	formatter       *grouping.Formatter
	manager         *collection.Manager
	logger          *zap.Logger
}

// NewQueryService 创建查询服务
func NewQueryService(
	collectionsRepo *repository.CollectionsRepository,
	eventsRepo *repository.AlarmEventsRepository,
	advicesRepo *repository.AdvicesRepository,
	formatter *grouping.Formatter,
	manager *collection.Manager,
	logger *zap.Logger,
) *QueryService {
	return &QueryService{
		collectionsRepo: collectionsRepo,
		eventsRepo:      eventsRepo,
		advicesRepo:     advicesRepo,
		formatter:       formatter,
		manager:         manager,
		logger:          logger,
	}
}

// CollectionPage 分页查询结果
type CollectionPage struct {
	Total       int                  `json:"total"`
	Page        int                  `json:"page"`
	Size        int                  `json:"size"`
	Collections []*models.Collection `json:"collections"`
}

// CollectionDetail 集合详情（含有序成员及其处置建议）
type CollectionDetail struct {
	Collection *models.Collection    `json:"collection"`
	Members    []models.MemberAdvice `json:"members"`
}

// ListCollections 分页查询集合
func (s *QueryService) ListCollections(ctx context.Context, filters repository.CollectionFilters, page, size int) (*CollectionPage, error) {
	if filters.MilestoneFrom != nil && filters.MilestoneTo != nil &&
		*filters.MilestoneFrom > *filters.MilestoneTo {
		return nil, fmt.Errorf("invalid milestone range")
	}
	if filters.StartTime != nil && filters.EndTime != nil &&
		filters.StartTime.After(*filters.EndTime) {
		return nil, fmt.Errorf("invalid time range")
	}

	collections, total, err := s.collectionsRepo.ListCollections(ctx, filters, page, size)
	if err != nil {
		return nil, err
	}

	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	return &CollectionPage{
		Total:       total,
		Page:        page,
		Size:        size,
		Collections: collections,
	}, nil
}

// GetCollectionDetail 获取集合详情
func (s *QueryService) GetCollectionDetail(ctx context.Context, collectionID string) (*CollectionDetail, error) {
	coll, err := s.collectionsRepo.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	members, err := s.memberAdvices(ctx, coll)
	if err != nil {
		return nil, err
	}

	return &CollectionDetail{Collection: coll, Members: members}, nil
}

// GetCollectionGroups 获取集合的成员分组视图（按检出目标）
func (s *QueryService) GetCollectionGroups(ctx context.Context, collectionID string) ([]grouping.Group, error) {
	coll, err := s.collectionsRepo.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	return s.formatter.Format(ctx, coll)
}

// ConfirmAlarm 人工独立确认一条报警，并触发所属集合重算
func (s *QueryService) ConfirmAlarm(ctx context.Context, alarmID string) (*models.Collection, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	if err := s.eventsRepo.MarkHumanConfirmed(ctx, alarmID); err != nil {
		return nil, err
	}

	coll, err := s.collectionsRepo.FindByMemberAlarmID(ctx, alarmID)
	if err != nil {
		return nil, err
	}
	if coll == nil {
		// 报警尚未并入任何集合，确认标志已落库，后续并入时生效
		return nil, nil
	}

	return s.manager.Refresh(ctx, coll.CollectionID)
}

// ExportCollections 导出集合列表为 Excel
func (s *QueryService) ExportCollections(ctx context.Context, filters repository.CollectionFilters) (*excelize.File, error) {
	const exportLimit = 10000

	collections, _, err := s.collectionsRepo.ListCollections(ctx, filters, 1, exportLimit)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	const sheet = "Collections"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{
		"Collection ID", "Device ID", "Road ID", "Milestone",
		"Incident Type", "Advice", "Earliest Alarm", "Latest Alarm",
		"Members", "Confirmed", "Status",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for row, coll := range collections {
		values := []interface{}{
			coll.CollectionID,
			coll.DeviceID,
			coll.RoadID,
			coll.Milestone,
			string(coll.IncidentType),
			coll.Advice.String(),
			coll.EarliestAlarmTime.Format("2006-01-02 15:04:05"),
			coll.LatestAlarmTime.Format("2006-01-02 15:04:05"),
			coll.MemberCount,
			coll.ConfirmedCount,
			string(coll.Status),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	return f, nil
}

// memberAdvices 按并入顺序组装成员建议列表
func (s *QueryService) memberAdvices(ctx context.Context, coll *models.Collection) ([]models.MemberAdvice, error) {
	events, err := s.eventsRepo.GetAlarmEvents(ctx, coll.MemberIDs)
	if err != nil {
		return nil, err
	}

	advices, err := s.advicesRepo.GetAdvices(ctx, coll.MemberIDs)
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
