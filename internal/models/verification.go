package models

import (
	"time"
)

// CheckFlag 核验判定结果（三态）
type CheckFlag int16

const (
	CheckUnknown   CheckFlag = 0 // 未知（核验未完成或失败）
	CheckConfirmed CheckFlag = 1 // 确认（真实报警）
	CheckRejected  CheckFlag = 2 // 否决（误报）
)

// VerificationVerdict 核验判定（与 AlarmEvent 1:1，对应 alarm_verdicts 表）
// 写入后不可变，下游不可重新推导
type VerificationVerdict struct {
	AlarmID      string    `json:"alarm_id" db:"alarm_id"`
	MediaPath    string    `json:"media_path" db:"media_path"` // 核验使用的图片/视频路径
	CheckFlag    CheckFlag `json:"check_flag" db:"check_flag"`
	MatchedLabel string    `json:"matched_label" db:"matched_label"` // 胜出标签
	Source       string    `json:"source" db:"source"`               // 判定来源（iou_vote / presence_count / fallback）
	Reason       string    `json:"reason" db:"reason"`               // 失败降级时记录原因
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// BBox 检测框（两点坐标）
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area 检测框面积
func (b BBox) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU 计算与另一个检测框的交并比
func (b BBox) IoU(other BBox) float64 {
	ix1 := maxFloat(b.X1, other.X1)
	iy1 := maxFloat(b.Y1, other.Y1)
	ix2 := minFloat(b.X2, other.X2)
	iy2 := minFloat(b.Y2, other.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// DetectionHit 目标检测命中（与 AlarmEvent N:1，对应 alarm_detections 表，仅追加）
type DetectionHit struct {
	ID        int64     `json:"id" db:"id"`
	AlarmID   string    `json:"alarm_id" db:"alarm_id"`
	Label     string    `json:"label" db:"label"`
	Type      string    `json:"type" db:"type"` // vehicle / person / debris
	Score     float64   `json:"score" db:"score"`
	Box       BBox      `json:"box"`
	IoU       *float64  `json:"iou,omitempty" db:"iou"` // 相对基准框的交并比（无基准框时为空）
	FrameSeq  int       `json:"frame_seq" db:"frame_seq"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
