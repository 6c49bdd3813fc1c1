package models

import (
	"time"
)

// AlarmCategory 报警类别（来自第三方相机分析算法）
type AlarmCategory string

const (
	CategoryVehicleStopped AlarmCategory = "vehicle_stopped" // 车辆停驶
	CategoryPedestrian     AlarmCategory = "pedestrian"      // 行人闯入
	CategoryDebris         AlarmCategory = "debris"          // 抛洒物
	CategoryIllegalVehicle AlarmCategory = "illegal_vehicle" // 违章车辆
	CategoryOther          AlarmCategory = "other"           // 其他
)

// ParseAlarmCategory 解析报警类别，未知值归入 other
func ParseAlarmCategory(s string) AlarmCategory {
	switch AlarmCategory(s) {
	case CategoryVehicleStopped, CategoryPedestrian, CategoryDebris, CategoryIllegalVehicle:
		return AlarmCategory(s)
	default:
		return CategoryOther
	}
}

// AlarmEvent 原始报警事件（对应 alarm_events 表）
// 由接入层创建后不可变，仅 consumed / human_confirmed 两个标志位允许更新
type AlarmEvent struct {
	AlarmID        string        `json:"alarm_id" db:"alarm_id"`
	DeviceID       string        `json:"device_id" db:"device_id"`
	RoadID         string        `json:"road_id" db:"road_id"`
	Category       AlarmCategory `json:"category" db:"category"`
	AlarmTime      time.Time     `json:"alarm_time" db:"alarm_time"`
	Milestone      int           `json:"milestone" db:"milestone"` // 里程桩号（整数，单位由路段约定）
	Content        string        `json:"content" db:"content"`
	Vendor         string        `json:"vendor" db:"vendor"`
	VideoPath      string        `json:"video_path" db:"video_path"`
	ImagePath      string        `json:"image_path" db:"image_path"`
	Consumed       bool          `json:"consumed" db:"consumed"`               // 至少一次投递去重标志
	HumanConfirmed bool          `json:"human_confirmed" db:"human_confirmed"` // 人工独立确认标志
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}
