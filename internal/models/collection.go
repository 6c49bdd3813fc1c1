package models

import (
	"time"
)

// CollectionStatus 集合状态
type CollectionStatus string

const (
	CollectionOpen   CollectionStatus = "open"   // 开放（可继续并入报警）
	CollectionClosed CollectionStatus = "closed" // 关闭（终态，不可重开）
)

// IncidentType 事件语义类型（由归类器推断）
type IncidentType string

const (
	IncidentConstruction        IncidentType = "construction"         // 道路施工
	IncidentTrafficAccident     IncidentType = "traffic_accident"     // 交通事故
	IncidentVehicleFailure      IncidentType = "vehicle_failure"      // 车辆故障
	IncidentPedestrianIntrusion IncidentType = "pedestrian_intrusion" // 行人闯入
	IncidentDebris              IncidentType = "debris"               // 抛洒物/路面异常
	IncidentVehicleStopped      IncidentType = "vehicle_stopped"      // 车辆停驶
	IncidentIllegalVehicle      IncidentType = "illegal_vehicle"      // 违章车辆（合成集合固定类型）
	IncidentOutOfScope          IncidentType = "out_of_scope"         // 不在归类范围内
)

// NoFixedDeviceID 违章车辆类报警不绑定设备，统一并入该合成设备的集合
const NoFixedDeviceID = "no-fixed-device"

// Collection 事件集合（核心聚合，对应 collections + collection_members 表）
// 成员按并入顺序去重保存；时间边界在每次变更后按成员聚合重算
type Collection struct {
	CollectionID      string           `json:"collection_id" db:"collection_id"`
	DeviceID          string           `json:"device_id" db:"device_id"`
	RoadID            string           `json:"road_id" db:"road_id"`
	Milestone         int              `json:"milestone" db:"milestone"`
	IncidentType      IncidentType     `json:"incident_type" db:"incident_type"`
	Advice            Advice           `json:"advice" db:"advice"` // 集合级聚合建议
	MemberIDs         []string         `json:"member_ids"`         // 按并入顺序（非必然按报警时间）
	EarliestAlarmTime time.Time        `json:"earliest_alarm_time" db:"earliest_alarm_time"`
	LatestAlarmTime   time.Time        `json:"latest_alarm_time" db:"latest_alarm_time"`
	MemberCount       int              `json:"member_count" db:"member_count"`
	ConfirmedCount    int              `json:"confirmed_count" db:"confirmed_count"`
	Status            CollectionStatus `json:"status" db:"status"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// IsOpen 集合是否开放
func (c *Collection) IsOpen() bool {
	return c.Status == CollectionOpen
}

// HasMember 报警是否已是集合成员（幂等并入判断）
func (c *Collection) HasMember(alarmID string) bool {
	for _, id := range c.MemberIDs {
		if id == alarmID {
			return true
		}
	}
	return false
}

// CollectionSnapshot 集合快照（推送给外部通知接收方）
type CollectionSnapshot struct {
	Collection Collection       `json:"collection"`
	Members    []MemberAdvice   `json:"members"`
	Mutation   string           `json:"mutation"` // created / joined / rejoined / closed
	PushedAt   time.Time        `json:"pushed_at"`
}

// MemberAdvice 成员报警及其处置建议（快照内嵌）
type MemberAdvice struct {
	AlarmID   string    `json:"alarm_id"`
	Category  AlarmCategory `json:"category"`
	AlarmTime time.Time `json:"alarm_time"`
	Advice    Advice    `json:"advice"`
	Reason    string    `json:"reason"`
}
