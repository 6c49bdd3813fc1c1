package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"roadwatch-alarm/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AlarmEventsRepository 原始报警事件仓库
type AlarmEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlarmEventsRepository 创建报警事件仓库
func NewAlarmEventsRepository(db *sql.DB, logger *zap.Logger) *AlarmEventsRepository {
	return &AlarmEventsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlarmEvent 写入报警事件（按 alarm_id 幂等，重复投递不报错）
func (r *AlarmEventsRepository) CreateAlarmEvent(ctx context.Context, event *models.AlarmEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.AlarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	query := `
		INSERT INTO alarm_events (
			alarm_id,
			device_id,
			road_id,
			category,
			alarm_time,
			milestone,
			content,
			vendor,
			video_path,
			image_path,
			consumed,
			human_confirmed,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (alarm_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		event.AlarmID,
		event.DeviceID,
		event.RoadID,
		string(event.Category),
		event.AlarmTime,
		event.Milestone,
		event.Content,
		event.Vendor,
		event.VideoPath,
		event.ImagePath,
		event.Consumed,
		event.HumanConfirmed,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alarm event: %w", err)
	}

	return nil
}

// GetAlarmEvent 根据 alarm_id 获取单个报警事件
func (r *AlarmEventsRepository) GetAlarmEvent(ctx context.Context, alarmID string) (*models.AlarmEvent, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	query := `
		SELECT
			alarm_id,
			device_id,
			road_id,
			category,
			alarm_time,
			milestone,
			content,
			vendor,
			video_path,
			image_path,
			consumed,
			human_confirmed,
			created_at
		FROM alarm_events
		WHERE alarm_id = $1
	`

	event, err := r.scanAlarmEvent(r.db.QueryRowContext(ctx, query, alarmID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alarm event not found: alarm_id=%s", alarmID)
		}
		return nil, fmt.Errorf("failed to get alarm event: %w", err)
	}

	return event, nil
}

// GetAlarmEvents 批量获取报警事件（按 alarm_time 升序返回）
func (r *AlarmEventsRepository) GetAlarmEvents(ctx context.Context, alarmIDs []string) ([]*models.AlarmEvent, error) {
	if len(alarmIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT
			alarm_id,
			device_id,
			road_id,
			category,
			alarm_time,
			milestone,
			content,
			vendor,
			video_path,
			image_path,
			consumed,
			human_confirmed,
			created_at
		FROM alarm_events
		WHERE alarm_id = ANY($1)
		ORDER BY alarm_time ASC
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(alarmIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get alarm events: %w", err)
	}
	defer rows.Close()

	var events []*models.AlarmEvent
	for rows.Next() {
		event, err := r.scanAlarmEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alarm event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarm events: %w", err)
	}

	return events, nil
}

// IsConsumed 查询报警是否已被完整处理（至少一次投递去重）
func (r *AlarmEventsRepository) IsConsumed(ctx context.Context, alarmID string) (bool, error) {
	if alarmID == "" {
		return false, fmt.Errorf("alarm_id is required")
	}

	var consumed bool
	err := r.db.QueryRowContext(ctx,
		`SELECT consumed FROM alarm_events WHERE alarm_id = $1`,
		alarmID,
	).Scan(&consumed)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check consumed flag: %w", err)
	}

	return consumed, nil
}

// MarkConsumed 标记报警已完整处理（流水线末尾调用，随后才确认消费位点）
func (r *AlarmEventsRepository) MarkConsumed(ctx context.Context, alarmID string) error {
	if alarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE alarm_events SET consumed = TRUE WHERE alarm_id = $1`,
		alarmID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark alarm consumed: %w", err)
	}

	return nil
}

// MarkHumanConfirmed 标记报警已被人工独立确认
func (r *AlarmEventsRepository) MarkHumanConfirmed(ctx context.Context, alarmID string) error {
	if alarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE alarm_events SET human_confirmed = TRUE WHERE alarm_id = $1`,
		alarmID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark alarm human confirmed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("alarm event not found: alarm_id=%s", alarmID)
	}

	return nil
}

// GetPrecedingAlarm 获取同设备同类别、时间在给定报警之前的最近一条报警
// 用于重复报警抑制；不存在时返回 (nil, nil)
func (r *AlarmEventsRepository) GetPrecedingAlarm(ctx context.Context, deviceID string, category models.AlarmCategory, before time.Time, excludeAlarmID string) (*models.AlarmEvent, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}

	query := `
		SELECT
			alarm_id,
			device_id,
			road_id,
			category,
			alarm_time,
			milestone,
			content,
			vendor,
			video_path,
			image_path,
			consumed,
			human_confirmed,
			created_at
		FROM alarm_events
		WHERE device_id = $1
		  AND category = $2
		  AND alarm_time <= $3
		  AND alarm_id <> $4
		ORDER BY alarm_time DESC
		LIMIT 1
	`

	event, err := r.scanAlarmEvent(r.db.QueryRowContext(ctx, query, deviceID, string(category), before, excludeAlarmID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get preceding alarm: %w", err)
	}

	return event, nil
}

// rowScanner 兼容 *sql.Row 与 *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AlarmEventsRepository) scanAlarmEvent(row rowScanner) (*models.AlarmEvent, error) {
	var event models.AlarmEvent
	var category string

	err := row.Scan(
		&event.AlarmID,
		&event.DeviceID,
		&event.RoadID,
		&category,
		&event.AlarmTime,
		&event.Milestone,
		&event.Content,
		&event.Vendor,
		&event.VideoPath,
		&event.ImagePath,
		&event.Consumed,
		&event.HumanConfirmed,
		&event.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	event.Category = models.AlarmCategory(category)
	return &event, nil
}
