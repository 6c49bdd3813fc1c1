package repository

import (
	"context"
	"database/sql"
	"fmt"

	"roadwatch-alarm/internal/models"

	"go.uber.org/zap"
)

// DetectionsRepository 检测命中仓库（检测目录，仅追加）
type DetectionsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDetectionsRepository 创建检测命中仓库
func NewDetectionsRepository(db *sql.DB, logger *zap.Logger) *DetectionsRepository {
	return &DetectionsRepository{
		db:     db,
		logger: logger,
	}
}

// AppendHits 追加一条报警的检测命中
// 空检测结果同样是有效结果，由调用方决定是否落库哨兵记录
func (r *DetectionsRepository) AppendHits(ctx context.Context, alarmID string, hits []models.DetectionHit) error {
	if alarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}
	if len(hits) == 0 {
		return nil
	}

	query := `
		INSERT INTO alarm_detections (
			alarm_id,
			label,
			type,
			score,
			x1, y1, x2, y2,
			iou,
			frame_seq,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	for _, hit := range hits {
		var iou sql.NullFloat64
		if hit.IoU != nil {
			iou = sql.NullFloat64{Float64: *hit.IoU, Valid: true}
		}

		_, err := r.db.ExecContext(ctx, query,
			alarmID,
			hit.Label,
			hit.Type,
			hit.Score,
			hit.Box.X1,
			hit.Box.Y1,
			hit.Box.X2,
			hit.Box.Y2,
			iou,
			hit.FrameSeq,
			hit.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to append detection hit: %w", err)
		}
	}

	return nil
}

// ListHits 获取一条报警的全部检测命中（按帧序、得分排序）
func (r *DetectionsRepository) ListHits(ctx context.Context, alarmID string) ([]models.DetectionHit, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	query := `
		SELECT
			id,
			alarm_id,
			label,
			type,
			score,
			x1, y1, x2, y2,
			iou,
			frame_seq,
			created_at
		FROM alarm_detections
		WHERE alarm_id = $1
		ORDER BY frame_seq ASC, score DESC
	`

	rows, err := r.db.QueryContext(ctx, query, alarmID)
	if err != nil {
		return nil, fmt.Errorf("failed to list detection hits: %w", err)
	}
	defer rows.Close()

	var hits []models.DetectionHit
	for rows.Next() {
		hit, err := scanDetectionHit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan detection hit: %w", err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate detection hits: %w", err)
	}

	return hits, nil
}

// TopHit 获取一条报警得分最高的检测命中；不存在时返回 (nil, nil)
// 重复报警抑制用它的检测框与当前报警比对 IoU
func (r *DetectionsRepository) TopHit(ctx context.Context, alarmID string) (*models.DetectionHit, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	query := `
		SELECT
			id,
			alarm_id,
			label,
			type,
			score,
			x1, y1, x2, y2,
			iou,
			frame_seq,
			created_at
		FROM alarm_detections
		WHERE alarm_id = $1
		ORDER BY score DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, query, alarmID)
	hit, err := scanDetectionHit(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get top detection hit: %w", err)
	}

	return &hit, nil
}

func scanDetectionHit(row rowScanner) (models.DetectionHit, error) {
	var hit models.DetectionHit
	var iou sql.NullFloat64

	err := row.Scan(
		&hit.ID,
		&hit.AlarmID,
		&hit.Label,
		&hit.Type,
		&hit.Score,
		&hit.Box.X1,
		&hit.Box.Y1,
		&hit.Box.X2,
		&hit.Box.Y2,
		&iou,
		&hit.FrameSeq,
		&hit.CreatedAt,
	)
	if err != nil {
		return models.DetectionHit{}, err
	}

	if iou.Valid {
		hit.IoU = &iou.Float64
	}
	return hit, nil
}
