package verification

import (
	"context"
	"fmt"
	"time"

	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/models"
	"roadwatch-alarm/internal/repository"

	"go.uber.org/zap"
)

// 判定来源
const (
	SourceIoUVote       = "iou_vote"
	SourcePresenceCount = "presence_count"
	SourceFallback      = "fallback"
)

// Verifier 报警核验器
// 编排抽帧、基准框提取、目标检测三个外部服务，产出三态判定并落台账。
// 任何外部失败都降级为 unknown 判定，不阻塞流水线。
type Verifier struct {
	config         *config.Config
	frameClient    *FrameProviderClient
	bboxClient     *BBoxExtractorClient
	detectorClient *ObjectDetectorClient
	verdictsRepo   *repository.VerdictsRepository
	detectionsRepo *repository.DetectionsRepository
	logger         *zap.Logger
}

// NewVerifier 创建核验器
func NewVerifier(
	cfg *config.Config,
	frameClient *FrameProviderClient,
	bboxClient *BBoxExtractorClient,
	detectorClient *ObjectDetectorClient,
	verdictsRepo *repository.VerdictsRepository,
	detectionsRepo *repository.DetectionsRepository,
	logger *zap.Logger,
) *Verifier {
	return &Verifier{
		config:         cfg,
		frameClient:    frameClient,
		bboxClient:     bboxClient,
		detectorClient: detectorClient,
		verdictsRepo:   verdictsRepo,
		detectionsRepo: detectionsRepo,
		logger:         logger,
	}
}

// Verify 核验一条报警
// 返回的判定总是可用；error 仅表示落库失败，调用方记录后继续
func (v *Verifier) Verify(ctx context.Context, alarm *models.AlarmEvent) (*models.VerificationVerdict, error) {
	if alarm == nil {
		return nil, fmt.Errorf("alarm is required")
	}

	// 上游数据缺陷：报警仍然保留，走待定路径
	if alarm.VideoPath == "" {
		return v.fallback(ctx, alarm, "missing video path")
	}

	// 视频连通性探测（唯一允许重试的外部调用）
	if err := v.frameClient.ProbeVideo(alarm.VideoPath); err != nil {
		return v.fallback(ctx, alarm, fmt.Sprintf("video unreachable: %v", err))
	}

	frames, err := v.frameClient.SampleFrames(alarm.VideoPath, alarm.Category)
	if err != nil {
		return v.fallback(ctx, alarm, fmt.Sprintf("frame sampling failed: %v", err))
	}

	// 基准框：IoU 投票类别必需；其他类别缺失时命中记录不带 IoU
	reference, err := v.bboxClient.ExtractReferenceBox(alarm.ImagePath)
	if err != nil {
		if usesIoUVote(alarm.Category) {
			return v.fallback(ctx, alarm, fmt.Sprintf("reference box unavailable: %v", err))
		}
		v.logger.Warn("Reference box unavailable, recording hits without IoU",
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
		reference = nil
	}

	// 逐帧检测；零检测帧同样计入帧总数
	now := time.Now()
	var hits []models.DetectionHit
	frameHits := make(map[int][]models.DetectionHit, len(frames))
	for _, frame := range frames {
		detections, err := v.detectorClient.DetectFrame(frame.URL)
		if err != nil {
			return v.fallback(ctx, alarm, fmt.Sprintf("detection failed on frame %d: %v", frame.Seq, err))
		}

		for _, det := range detections {
			hit := models.DetectionHit{
				AlarmID:   alarm.AlarmID,
				Label:     det.Label,
				Type:      det.Type,
				Score:     det.Score,
				Box:       det.Box,
				FrameSeq:  frame.Seq,
				CreatedAt: now,
			}
			if reference != nil {
				iou := det.Box.IoU(*reference)
				hit.IoU = &iou
			}
			hits = append(hits, hit)
			frameHits[frame.Seq] = append(frameHits[frame.Seq], hit)
		}
	}

	if err := v.detectionsRepo.AppendHits(ctx, alarm.AlarmID, hits); err != nil {
		v.logger.Error("Failed to persist detection hits",
			zap.String("alarm_id", alarm.AlarmID),
			zap.Error(err),
		)
	}

	var verdict *models.VerificationVerdict
	if usesIoUVote(alarm.Category) {
		verdict = v.iouVote(alarm, frames, frameHits, now)
	} else {
		verdict = v.presenceCount(alarm, frames, frameHits, now)
	}

	if err := v.verdictsRepo.UpsertVerdict(ctx, verdict); err != nil {
		return verdict, fmt.Errorf("failed to persist verdict: %w", err)
	}

	v.logger.Info("Alarm verified",
		zap.String("alarm_id", alarm.AlarmID),
		zap.String("category", string(alarm.Category)),
		zap.Int16("check_flag", int16(verdict.CheckFlag)),
		zap.String("matched_label", verdict.MatchedLabel),
		zap.String("source", verdict.Source),
	)

	return verdict, nil
}

// usesIoUVote 车辆类报警按 IoU 投票判定，其余按存在计数判定
func usesIoUVote(category models.AlarmCategory) bool {
	return category == models.CategoryVehicleStopped || category == models.CategoryIllegalVehicle
}

// iouVote 按帧投票：每帧取车辆类检测相对基准框的最佳 IoU，
// 达到阈值的帧计一票，过半即确认
func (v *Verifier) iouVote(alarm *models.AlarmEvent, frames []SampledFrame, frameHits map[int][]models.DetectionHit, now time.Time) *models.VerificationVerdict {
	threshold := v.config.Verification.IoUConfirm

	votes := 0
	labelScores := make(map[string]float64)
	for _, frame := range frames {
		best := 0.0
		bestLabel := ""
		for _, hit := range frameHits[frame.Seq] {
			if !models.IsVehicleLabel(hit.Label) || hit.IoU == nil {
				continue
			}
			if *hit.IoU > best {
				best = *hit.IoU
				bestLabel = hit.Label
			}
		}
		if best >= threshold && bestLabel != "" {
			votes++
			labelScores[bestLabel] += best
		}
	}

	verdict := &models.VerificationVerdict{
		AlarmID:   alarm.AlarmID,
		MediaPath: alarm.VideoPath,
		Source:    SourceIoUVote,
		CreatedAt: now,
	}

	if votes*2 > len(frames) {
		verdict.CheckFlag = models.CheckConfirmed
		verdict.MatchedLabel = topLabel(labelScores)
	} else {
		verdict.CheckFlag = models.CheckRejected
		verdict.Reason = fmt.Sprintf("iou vote failed: %d/%d frames", votes, len(frames))
	}

	return verdict
}

// presenceCount 按检出存在计数判定：含类别匹配检测的帧数达到下限即确认
func (v *Verifier) presenceCount(alarm *models.AlarmEvent, frames []SampledFrame, frameHits map[int][]models.DetectionHit, now time.Time) *models.VerificationVerdict {
	present := 0
	labelScores := make(map[string]float64)
	for _, frame := range frames {
		matched := false
		for _, hit := range frameHits[frame.Seq] {
			if !matchesCategory(alarm.Category, hit) {
				continue
			}
			matched = true
			labelScores[hit.Label] += hit.Score
		}
		if matched {
			present++
		}
	}

	verdict := &models.VerificationVerdict{
		AlarmID:   alarm.AlarmID,
		MediaPath: alarm.VideoPath,
		Source:    SourcePresenceCount,
		CreatedAt: now,
	}

	if present >= v.config.Verification.PresenceMin {
		verdict.CheckFlag = models.CheckConfirmed
		verdict.MatchedLabel = topLabel(labelScores)
	} else {
		verdict.CheckFlag = models.CheckRejected
		verdict.Reason = fmt.Sprintf("presence count failed: %d/%d frames", present, len(frames))
	}

	return verdict
}

// matchesCategory 检测命中是否支持该类别的报警
func matchesCategory(category models.AlarmCategory, hit models.DetectionHit) bool {
	switch category {
	case models.CategoryPedestrian:
		return models.IsPersonLabel(hit.Label)
	case models.CategoryDebris:
		return hit.Type == "debris"
	default:
		return true
	}
}

// topLabel 取累计得分最高的标签作为胜出标签
func topLabel(labelScores map[string]float64) string {
	best := ""
	bestScore := 0.0
	for label, score := range labelScores {
		if score > bestScore || (score == bestScore && label < best) {
			best = label
			bestScore = score
		}
	}
	return best
}

// fallback 外部失败降级：写入 unknown 判定并返回
func (v *Verifier) fallback(ctx context.Context, alarm *models.AlarmEvent, reason string) (*models.VerificationVerdict, error) {
	verdict := &models.VerificationVerdict{
		AlarmID:   alarm.AlarmID,
		MediaPath: alarm.VideoPath,
		CheckFlag: models.CheckUnknown,
		Source:    SourceFallback,
		Reason:    reason,
		CreatedAt: time.Now(),
	}

	v.logger.Warn("Verification degraded to unknown",
		zap.String("alarm_id", alarm.AlarmID),
		zap.String("reason", reason),
	)

	if err := v.verdictsRepo.UpsertVerdict(ctx, verdict); err != nil {
		return verdict, fmt.Errorf("failed to persist fallback verdict: %w", err)
	}

	return verdict, nil
}
