package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"roadwatch-alarm/internal/models"

	"go.uber.org/zap"
)

// CollectionsRepository 事件集合仓库
//
// 表结构约定：
//   collections(collection_id pk, device_id, road_id, milestone, incident_type,
//               advice, earliest_alarm_time, latest_alarm_time, member_count,
//               confirmed_count, status, created_at, updated_at)
//   collection_members(collection_id, alarm_id, seq, PRIMARY KEY(collection_id, alarm_id))
// 约束：
//   collection_members.alarm_id 全表唯一（一条报警只属于一个集合）
//   collections 上的部分唯一索引 (device_id) WHERE status='open'
//   （每设备同一时刻至多一个开放集合）
type CollectionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewCollectionsRepository 创建事件集合仓库
func NewCollectionsRepository(db *sql.DB, logger *zap.Logger) *CollectionsRepository {
	return &CollectionsRepository{
		db:     db,
		logger: logger,
	}
}

// CollectionFilters 集合查询过滤条件
type CollectionFilters struct {
	RoadID        *string
	MilestoneFrom *int
	MilestoneTo   *int
	StartTime     *time.Time // latest_alarm_time >= StartTime
	EndTime       *time.Time // earliest_alarm_time <= EndTime
	IncidentType  *string
	Advice        *int16
	Status        *string
	DeviceID      *string
}

// CreateCollection 创建集合并写入种子成员（同一事务）
func (r *CollectionsRepository) CreateCollection(ctx context.Context, collection *models.Collection, seedAlarmID string) error {
	if collection == nil {
		return fmt.Errorf("collection is required")
	}
	if collection.CollectionID == "" {
		return fmt.Errorf("collection_id is required")
	}
	if seedAlarmID == "" {
		return fmt.Errorf("seed alarm_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO collections (
			collection_id,
			device_id,
			road_id,
			milestone,
			incident_type,
			advice,
			earliest_alarm_time,
			latest_alarm_time,
			member_count,
			confirmed_count,
			status,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`,
		collection.CollectionID,
		collection.DeviceID,
		collection.RoadID,
		collection.Milestone,
		string(collection.IncidentType),
		int16(collection.Advice),
		collection.EarliestAlarmTime,
		collection.LatestAlarmTime,
		collection.MemberCount,
		collection.ConfirmedCount,
		string(collection.Status),
		collection.CreatedAt,
		collection.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert collection: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO collection_members (collection_id, alarm_id, seq)
		VALUES ($1, $2, 1)
	`, collection.CollectionID, seedAlarmID)
	if err != nil {
		return fmt.Errorf("failed to insert seed member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit collection: %w", err)
	}

	return nil
}

// GetOpenByDevice 获取设备当前的开放集合；不存在时返回 (nil, nil)
func (r *CollectionsRepository) GetOpenByDevice(ctx context.Context, deviceID string) (*models.Collection, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := collectionSelect + `
		WHERE device_id = $1
		  AND status = 'open'
		ORDER BY created_at DESC
		LIMIT 1
	`

	collection, err := r.scanCollection(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open collection: %w", err)
	}

	if err := r.loadMembers(ctx, collection); err != nil {
		return nil, err
	}
	return collection, nil
}

// GetCollection 获取集合及其有序成员列表
func (r *CollectionsRepository) GetCollection(ctx context.Context, collectionID string) (*models.Collection, error) {
	if collectionID == "" {
		return nil, fmt.Errorf("collection_id is required")
	}

	query := collectionSelect + ` WHERE collection_id = $1`

	collection, err := r.scanCollection(r.db.QueryRowContext(ctx, query, collectionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("collection not found: collection_id=%s", collectionID)
		}
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}

	if err := r.loadMembers(ctx, collection); err != nil {
		return nil, err
	}
	return collection, nil
}

// FindByMemberAlarmID 查找包含指定报警的集合（跨开放与关闭集合）
// 不存在时返回 (nil, nil)，用于至少一次投递的成员去重
func (r *CollectionsRepository) FindByMemberAlarmID(ctx context.Context, alarmID string) (*models.Collection, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	query := collectionSelect + `
		WHERE collection_id = (
			SELECT collection_id FROM collection_members WHERE alarm_id = $1
		)
	`

	collection, err := r.scanCollection(r.db.QueryRowContext(ctx, query, alarmID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find collection by member: %w", err)
	}

	if err := r.loadMembers(ctx, collection); err != nil {
		return nil, err
	}
	return collection, nil
}

// AddMember 并入成员（按 alarm_id 去重，重复并入为空操作）
func (r *CollectionsRepository) AddMember(ctx context.Context, collectionID, alarmID string) error {
	if collectionID == "" {
		return fmt.Errorf("collection_id is required")
	}
	if alarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	query := `
		INSERT INTO collection_members (collection_id, alarm_id, seq)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1
		FROM collection_members
		WHERE collection_id = $1
		ON CONFLICT (collection_id, alarm_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query, collectionID, alarmID)
	if err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}

	return nil
}

// RecomputeBounds 按成员聚合重算集合时间边界与成员数
// 每次成员变更后调用，保证 earliest/latest 不变式
func (r *CollectionsRepository) RecomputeBounds(ctx context.Context, collectionID string) error {
	if collectionID == "" {
		return fmt.Errorf("collection_id is required")
	}

	query := `
		UPDATE collections SET
			earliest_alarm_time = agg.earliest,
			latest_alarm_time = agg.latest,
			member_count = agg.cnt,
			updated_at = NOW()
		FROM (
			SELECT
				MIN(e.alarm_time) AS earliest,
				MAX(e.alarm_time) AS latest,
				COUNT(*) AS cnt
			FROM collection_members m
			JOIN alarm_events e ON e.alarm_id = m.alarm_id
			WHERE m.collection_id = $1
		) agg
		WHERE collections.collection_id = $1
	`

	_, err := r.db.ExecContext(ctx, query, collectionID)
	if err != nil {
		return fmt.Errorf("failed to recompute collection bounds: %w", err)
	}

	return nil
}

// UpdateIncidentType 更新集合事件类型（归类器重算后写回）
func (r *CollectionsRepository) UpdateIncidentType(ctx context.Context, collectionID string, incidentType models.IncidentType) error {
	if collectionID == "" {
		return fmt.Errorf("collection_id is required")
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE collections SET incident_type = $2, updated_at = NOW()
		WHERE collection_id = $1
	`, collectionID, string(incidentType))
	if err != nil {
		return fmt.Errorf("failed to update incident type: %w", err)
	}

	return nil
}

// UpdateAdvice 更新集合级聚合处置建议
func (r *CollectionsRepository) UpdateAdvice(ctx context.Context, collectionID string, advice models.Advice) error {
	if collectionID == "" {
		return fmt.Errorf("collection_id is required")
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE collections SET advice = $2, updated_at = NOW()
		WHERE collection_id = $1
	`, collectionID, int16(advice))
	if err != nil {
		return fmt.Errorf("failed to update collection advice: %w", err)
	}

	return nil
}

// IncrementConfirmed 确认成员计数加一（并入报警的判定为确认时调用）
func (r *CollectionsRepository) IncrementConfirmed(ctx context.Context, collectionID string) error {
	if collectionID == "" {
		return fmt.Errorf("collection_id is required")
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE collections SET confirmed_count = confirmed_count + 1, updated_at = NOW()
		WHERE collection_id = $1
	`, collectionID)
	if err != nil {
		return fmt.Errorf("failed to increment confirmed count: %w", err)
	}

	return nil
}

// CloseCollection 关闭集合（终态，不可重开）
func (r *CollectionsRepository) CloseCollection(ctx context.Context, collectionID string) error {
	if collectionID == "" {
		return fmt.Errorf("collection_id is required")
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE collections SET status = 'closed', updated_at = NOW()
		WHERE collection_id = $1
		  AND status = 'open'
	`, collectionID)
	if err != nil {
		return fmt.Errorf("failed to close collection: %w", err)
	}

	return nil
}

// ListCollections 分页查询集合（支持路段/桩号范围/时间范围/类型/建议过滤）
func (r *CollectionsRepository) ListCollections(ctx context.Context, filters CollectionFilters, page, size int) ([]*models.Collection, int, error) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}

	where, args := buildCollectionWhere(filters)

	countQuery := `SELECT COUNT(*) FROM collections` + where
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count collections: %w", err)
	}

	listQuery := collectionSelect + where +
		fmt.Sprintf(" ORDER BY latest_alarm_time DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var collections []*models.Collection
	for rows.Next() {
		collection, err := r.scanCollection(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan collection: %w", err)
		}
		collections = append(collections, collection)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate collections: %w", err)
	}

	return collections, total, nil
}

const collectionSelect = `
	SELECT
		collection_id,
		device_id,
		road_id,
		milestone,
		incident_type,
		advice,
		earliest_alarm_time,
		latest_alarm_time,
		member_count,
		confirmed_count,
		status,
		created_at,
		updated_at
	FROM collections
`

func buildCollectionWhere(filters CollectionFilters) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.RoadID != nil {
		conditions = append(conditions, "road_id = "+arg(*filters.RoadID))
	}
	if filters.DeviceID != nil {
		conditions = append(conditions, "device_id = "+arg(*filters.DeviceID))
	}
	if filters.MilestoneFrom != nil {
		conditions = append(conditions, "milestone >= "+arg(*filters.MilestoneFrom))
	}
	if filters.MilestoneTo != nil {
		conditions = append(conditions, "milestone <= "+arg(*filters.MilestoneTo))
	}
	if filters.StartTime != nil {
		conditions = append(conditions, "latest_alarm_time >= "+arg(*filters.StartTime))
	}
	if filters.EndTime != nil {
		conditions = append(conditions, "earliest_alarm_time <= "+arg(*filters.EndTime))
	}
	if filters.IncidentType != nil {
		conditions = append(conditions, "incident_type = "+arg(*filters.IncidentType))
	}
	if filters.Advice != nil {
		conditions = append(conditions, "advice = "+arg(*filters.Advice))
	}
	if filters.Status != nil {
		conditions = append(conditions, "status = "+arg(*filters.Status))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (r *CollectionsRepository) scanCollection(row rowScanner) (*models.Collection, error) {
	var collection models.Collection
	var incidentType, status string
	var advice int16

	err := row.Scan(
		&collection.CollectionID,
		&collection.DeviceID,
		&collection.RoadID,
		&collection.Milestone,
		&incidentType,
		&advice,
		&collection.EarliestAlarmTime,
		&collection.LatestAlarmTime,
		&collection.MemberCount,
		&collection.ConfirmedCount,
		&status,
		&collection.CreatedAt,
		&collection.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	collection.IncidentType = models.IncidentType(incidentType)
	collection.Advice = models.Advice(advice)
	collection.Status = models.CollectionStatus(status)
	return &collection, nil
}

// loadMembers 加载集合成员（按并入顺序）
func (r *CollectionsRepository) loadMembers(ctx context.Context, collection *models.Collection) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT alarm_id FROM collection_members
		WHERE collection_id = $1
		ORDER BY seq ASC
	`, collection.CollectionID)
	if err != nil {
		return fmt.Errorf("failed to load collection members: %w", err)
	}
	defer rows.Close()

	var memberIDs []string
	for rows.Next() {
		var alarmID string
		if err := rows.Scan(&alarmID); err != nil {
			return fmt.Errorf("failed to scan member: %w", err)
		}
		memberIDs = append(memberIDs, alarmID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate members: %w", err)
	}

	collection.MemberIDs = memberIDs
	return nil
}
