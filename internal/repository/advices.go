package repository

import (
	"context"
	"database/sql"
	"fmt"

	"roadwatch-alarm/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// AdvicesRepository 处置建议仓库
// 每条报警至多一条建议，集合成员变化时幂等 upsert 重算结果
type AdvicesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAdvicesRepository 创建处置建议仓库
func NewAdvicesRepository(db *sql.DB, logger *zap.Logger) *AdvicesRepository {
	return &AdvicesRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertAdvice 写入或更新处置建议（按 alarm_id 幂等）
func (r *AdvicesRepository) UpsertAdvice(ctx context.Context, advice *models.DisposalAdvice) error {
	if advice == nil {
		return fmt.Errorf("advice is required")
	}
	if advice.AlarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	query := `
		INSERT INTO disposal_advices (
			alarm_id,
			advice,
			reason,
			updated_at
		) VALUES (
			$1, $2, $3, $4
		)
		ON CONFLICT (alarm_id) DO UPDATE SET
			advice = EXCLUDED.advice,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		advice.AlarmID,
		int16(advice.Advice),
		advice.Reason,
		advice.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert advice: %w", err)
	}

	return nil
}

// GetAdvice 获取处置建议；不存在时返回 (nil, nil)
func (r *AdvicesRepository) GetAdvice(ctx context.Context, alarmID string) (*models.DisposalAdvice, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	query := `
		SELECT alarm_id, advice, reason, updated_at
		FROM disposal_advices
		WHERE alarm_id = $1
	`

	var advice models.DisposalAdvice
	var value int16

	err := r.db.QueryRowContext(ctx, query, alarmID).Scan(
		&advice.AlarmID,
		&value,
		&advice.Reason,
		&advice.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get advice: %w", err)
	}

	advice.Advice = models.Advice(value)
	return &advice, nil
}

// GetAdvices 批量获取处置建议（alarm_id → 建议）
func (r *AdvicesRepository) GetAdvices(ctx context.Context, alarmIDs []string) (map[string]*models.DisposalAdvice, error) {
	if len(alarmIDs) == 0 {
		return map[string]*models.DisposalAdvice{}, nil
	}

	query := `
		SELECT alarm_id, advice, reason, updated_at
		FROM disposal_advices
		WHERE alarm_id = ANY($1)
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(alarmIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get advices: %w", err)
	}
	defer rows.Close()

	advices := make(map[string]*models.DisposalAdvice, len(alarmIDs))
	for rows.Next() {
		var advice models.DisposalAdvice
		var value int16

		err := rows.Scan(
			&advice.AlarmID,
			&value,
			&advice.Reason,
			&advice.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan advice: %w", err)
		}

		advice.Advice = models.Advice(value)
		advices[advice.AlarmID] = &advice
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate advices: %w", err)
	}

	return advices, nil
}
