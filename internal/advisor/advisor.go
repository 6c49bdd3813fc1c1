package advisor

import (
	"context"
	"fmt"
	"time"

	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/models"
	"roadwatch-alarm/internal/repository"

	"go.uber.org/zap"
)

// 误报原因（按报警类别）
var falsePositiveReasons = map[models.AlarmCategory]string{
	models.CategoryVehicleStopped: "no stopped vehicle found in sampled frames",
	models.CategoryPedestrian:     "no pedestrian found in sampled frames",
	models.CategoryDebris:         "no debris found in sampled frames",
	models.CategoryIllegalVehicle: "no target vehicle found in sampled frames",
	models.CategoryOther:          "verification rejected",
}

// Advisor 处置建议器
// 单报警建议由判定、标签语义与重复报警抑制共同决定；
// 集合级建议见 aggregate.go
type Advisor struct {
	config         *config.Config
	eventsRepo     *repository.AlarmEventsRepository
	detectionsRepo *repository.DetectionsRepository
	advicesRepo    *repository.AdvicesRepository
	logger         *zap.Logger
}

// NewAdvisor 创建处置建议器
func NewAdvisor(
	cfg *config.Config,
	eventsRepo *repository.AlarmEventsRepository,
	detectionsRepo *repository.DetectionsRepository,
	advicesRepo *repository.AdvicesRepository,
	logger *zap.Logger,
) *Advisor {
	return &Advisor{
		config:         cfg,
		eventsRepo:     eventsRepo,
		detectionsRepo: detectionsRepo,
		advicesRepo:    advicesRepo,
		logger:         logger,
	}
}

// Advise 计算并落库单报警处置建议
func (a *Advisor) Advise(ctx context.Context, alarm *models.AlarmEvent, verdict *models.VerificationVerdict) (*models.DisposalAdvice, error) {
	if alarm == nil {
		return nil, fmt.Errorf("alarm is required")
	}

	advice := a.compute(ctx, alarm, verdict)
	advice.UpdatedAt = time.Now()

	if err := a.advicesRepo.UpsertAdvice(ctx, advice); err != nil {
		return advice, fmt.Errorf("failed to persist advice: %w", err)
	}

	return advice, nil
}

func (a *Advisor) compute(ctx context.Context, alarm *models.AlarmEvent, verdict *models.VerificationVerdict) *models.DisposalAdvice {
	advice := &models.DisposalAdvice{AlarmID: alarm.AlarmID}

	// 判定缺失视同 unknown（不变式破坏走待定路径，不阻塞）
	if verdict == nil || verdict.CheckFlag == models.CheckUnknown {
		advice.Advice = models.AdviceUndetermined
		if verdict != nil && verdict.Reason != "" {
			advice.Reason = verdict.Reason
		} else {
			advice.Reason = "verification verdict unavailable"
		}
		return advice
	}

	if verdict.CheckFlag == models.CheckRejected {
		advice.Advice = models.AdviceFalsePositive
		advice.Reason = falsePositiveReasons[alarm.Category]
		if advice.Reason == "" {
			advice.Reason = falsePositiveReasons[models.CategoryOther]
		}
		return advice
	}

	// 确认路径
	if models.IsIgnorableLabel(verdict.MatchedLabel) {
		advice.Advice = models.AdviceNoAction
		advice.Reason = fmt.Sprintf("ignorable target: %s", verdict.MatchedLabel)
		return advice
	}

	if dup, prevID := a.isDuplicate(ctx, alarm); dup {
		advice.Advice = models.AdviceDuplicate
		advice.Reason = fmt.Sprintf("duplicate of alarm %s", prevID)
		return advice
	}

	advice.Advice = models.AdviceConfirm
	advice.Reason = fmt.Sprintf("confirmed target: %s", verdict.MatchedLabel)
	return advice
}

// isDuplicate 重复报警抑制：与同设备同类别的前一条报警比对时间与 IoU
// 查询失败按非重复处理（保守给出确认建议）
func (a *Advisor) isDuplicate(ctx context.Context, alarm *models.AlarmEvent) (bool, string) {
	prev, err := a.eventsRepo.GetPrecedingAlarm(ctx, alarm.DeviceID, alarm.Category, alarm.AlarmTime, alarm.AlarmID)
	if err != nil {
		a.logger.Warn("Failed to look up preceding alarm, skipping duplicate suppression",
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
		return false, ""
	}
	if prev == nil {
		return false, ""
	}

	elapsed := alarm.AlarmTime.Sub(prev.AlarmTime)
	if elapsed < 0 {
		elapsed = -elapsed
	}

	iou, hasIoU := a.boxOverlap(ctx, alarm.AlarmID, prev.AlarmID)

	switch alarm.Category {
	case models.CategoryVehicleStopped:
		if elapsed <= time.Duration(a.config.Duplicate.StoppedWindowMin)*time.Minute &&
			hasIoU && iou >= a.config.Duplicate.StoppedIoU {
			return true, prev.AlarmID
		}

	case models.CategoryPedestrian:
		if elapsed <= time.Duration(a.config.Duplicate.PedestrianWindowMin)*time.Minute {
			return true, prev.AlarmID
		}

	case models.CategoryDebris:
		if elapsed <= time.Duration(a.config.Duplicate.DebrisWindowMin)*time.Minute {
			return true, prev.AlarmID
		}
		if elapsed <= 24*time.Hour {
			if hasIoU && iou >= a.config.Duplicate.DebrisDayIoU {
				return true, prev.AlarmID
			}
		} else {
			// 超过一天的同点位抛洒物视为同一残留物
			return true, prev.AlarmID
		}
	}

	return false, ""
}

// boxOverlap 取两条报警各自得分最高命中的检测框，计算交并比
func (a *Advisor) boxOverlap(ctx context.Context, alarmID, prevAlarmID string) (float64, bool) {
	current, err := a.detectionsRepo.TopHit(ctx, alarmID)
	if err != nil || current == nil {
		return 0, false
	}
	previous, err := a.detectionsRepo.TopHit(ctx, prevAlarmID)
	if err != nil || previous == nil {
		return 0, false
	}
	return current.Box.IoU(previous.Box), true
}
