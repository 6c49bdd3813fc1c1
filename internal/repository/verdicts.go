package repository

import (
	"context"
	"database/sql"
	"fmt"

	"roadwatch-alarm/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// VerdictsRepository 核验判定仓库（核验台账）
// 每条报警至多一条判定，写入后不可变
type VerdictsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewVerdictsRepository 创建核验判定仓库
func NewVerdictsRepository(db *sql.DB, logger *zap.Logger) *VerdictsRepository {
	return &VerdictsRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertVerdict 写入核验判定（按 alarm_id 幂等；已存在时保留首次判定）
func (r *VerdictsRepository) UpsertVerdict(ctx context.Context, verdict *models.VerificationVerdict) error {
	if verdict == nil {
		return fmt.Errorf("verdict is required")
	}
	if verdict.AlarmID == "" {
		return fmt.Errorf("alarm_id is required")
	}

	query := `
		INSERT INTO alarm_verdicts (
			alarm_id,
			media_path,
			check_flag,
			matched_label,
			source,
			reason,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (alarm_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		verdict.AlarmID,
		verdict.MediaPath,
		int16(verdict.CheckFlag),
		verdict.MatchedLabel,
		verdict.Source,
		verdict.Reason,
		verdict.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert verdict: %w", err)
	}

	return nil
}

// GetVerdict 获取核验判定；不存在时返回 (nil, nil)
// 缺失判定属于不变式破坏，调用方须将报警降级到待定处置路径而非阻塞
func (r *VerdictsRepository) GetVerdict(ctx context.Context, alarmID string) (*models.VerificationVerdict, error) {
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	query := `
		SELECT
			alarm_id,
			media_path,
			check_flag,
			matched_label,
			source,
			reason,
			created_at
		FROM alarm_verdicts
		WHERE alarm_id = $1
	`

	var verdict models.VerificationVerdict
	var checkFlag int16

	err := r.db.QueryRowContext(ctx, query, alarmID).Scan(
		&verdict.AlarmID,
		&verdict.MediaPath,
		&checkFlag,
		&verdict.MatchedLabel,
		&verdict.Source,
		&verdict.Reason,
		&verdict.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get verdict: %w", err)
	}

	verdict.CheckFlag = models.CheckFlag(checkFlag)
	return &verdict, nil
}

// GetVerdicts 批量获取核验判定（alarm_id → 判定）
func (r *VerdictsRepository) GetVerdicts(ctx context.Context, alarmIDs []string) (map[string]*models.VerificationVerdict, error) {
	if len(alarmIDs) == 0 {
		return map[string]*models.VerificationVerdict{}, nil
	}

	query := `
		SELECT
			alarm_id,
			media_path,
			check_flag,
			matched_label,
			source,
			reason,
			created_at
		FROM alarm_verdicts
		WHERE alarm_id = ANY($1)
	`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(alarmIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get verdicts: %w", err)
	}
	defer rows.Close()

	verdicts := make(map[string]*models.VerificationVerdict, len(alarmIDs))
	for rows.Next() {
		var verdict models.VerificationVerdict
		var checkFlag int16

		err := rows.Scan(
			&verdict.AlarmID,
			&verdict.MediaPath,
			&checkFlag,
			&verdict.MatchedLabel,
			&verdict.Source,
			&verdict.Reason,
			&verdict.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verdict: %w", err)
		}

		verdict.CheckFlag = models.CheckFlag(checkFlag)
		verdicts[verdict.AlarmID] = &verdict
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate verdicts: %w", err)
	}

	return verdicts, nil
}
