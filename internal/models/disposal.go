package models

import (
	"time"
)

// Advice 处置建议
type Advice int16

const (
	AdviceUndetermined  Advice = 0 // 待定（核验未知）
	AdviceFalsePositive Advice = 1 // 误报
	AdviceConfirm       Advice = 2 // 确认处置
	AdviceNoAction      Advice = 3 // 无需处置
	AdviceDuplicate     Advice = 4 // 重复报警（按无需处置参与集合投票）
)

// String 处置建议可读名称
func (a Advice) String() string {
	switch a {
	case AdviceUndetermined:
		return "undetermined"
	case AdviceFalsePositive:
		return "false_positive"
	case AdviceConfirm:
		return "confirm"
	case AdviceNoAction:
		return "no_action"
	case AdviceDuplicate:
		return "duplicate"
	default:
		return "undetermined"
	}
}

// DisposalAdvice 单报警处置建议（与 AlarmEvent 1:1，对应 disposal_advices 表）
// 所属集合成员变化时重新计算，幂等 upsert
type DisposalAdvice struct {
	AlarmID   string    `json:"alarm_id" db:"alarm_id"`
	Advice    Advice    `json:"advice" db:"advice"`
	Reason    string    `json:"reason" db:"reason"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
