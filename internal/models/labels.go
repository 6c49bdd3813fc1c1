package models

// 目标检测标签的语义分组。
// 标签集合来自核验服务的检测类别表，归类器与处置建议器共用。

// 车辆类标签
var vehicleLabels = map[string]bool{
	"car":                    true,
	"truck":                  true,
	"bus":                    true,
	"construction_vehicle":   true,
	"anti_collision_vehicle": true,
	"police_car":             true,
	"ambulance":              true,
	"fire_truck":             true,
}

// 施工/防撞类车辆标签
var constructionVehicleLabels = map[string]bool{
	"construction_vehicle":   true,
	"anti_collision_vehicle": true,
}

// 救援类车辆标签
var rescueVehicleLabels = map[string]bool{
	"police_car": true,
	"ambulance":  true,
	"fire_truck": true,
}

// 人员类标签
var personLabels = map[string]bool{
	"person":         true,
	"builder":        true,
	"traffic_police": true,
	"medic":          true,
}

// 救援类人员标签
var rescuePersonLabels = map[string]bool{
	"traffic_police": true,
	"medic":          true,
}

// 故障指示类抛洒物标签
var faultDebrisLabels = map[string]bool{
	"tripod":       true,
	"spilled_load": true,
	"tyre":         true,
}

// 可忽略标签（道路作业车辆/人员、不阻碍通行的小型抛洒物）
var ignorableLabels = map[string]bool{
	"construction_vehicle":   true,
	"anti_collision_vehicle": true,
	"builder":                true,
	"cone":                   true,
	"small_debris":           true,
}

// IsVehicleLabel 是否车辆类标签
func IsVehicleLabel(label string) bool { return vehicleLabels[label] }

// IsConstructionVehicleLabel 是否施工/防撞类车辆标签
func IsConstructionVehicleLabel(label string) bool { return constructionVehicleLabels[label] }

// IsRescueVehicleLabel 是否救援类车辆标签
func IsRescueVehicleLabel(label string) bool { return rescueVehicleLabels[label] }

// IsPersonLabel 是否人员类标签
func IsPersonLabel(label string) bool { return personLabels[label] }

// IsRescuePersonLabel 是否救援类人员标签
func IsRescuePersonLabel(label string) bool { return rescuePersonLabels[label] }

// IsBuilderLabel 是否施工人员标签
func IsBuilderLabel(label string) bool { return label == "builder" }

// IsFaultDebrisLabel 是否故障指示类抛洒物标签
func IsFaultDebrisLabel(label string) bool { return faultDebrisLabels[label] }

// IsIgnorableLabel 是否可忽略标签（确认后按无需处置处理）
func IsIgnorableLabel(label string) bool { return ignorableLabels[label] }
