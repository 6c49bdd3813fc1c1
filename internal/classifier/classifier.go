package classifier

import (
	"roadwatch-alarm/internal/models"
)

// MemberEvidence 分类所需的成员证据：报警类别、判定结果与命中标签
type MemberEvidence struct {
	Category     models.AlarmCategory
	CheckFlag    models.CheckFlag
	MatchedLabel string
}

// Classify 集合事件类型判定
// 仅统计已确认成员的证据，规则按优先级先命中先生效，
// 无规则命中时归入范围外。非法占道集合的事件类型固定，
// 不经过本判定（见 collection 包）。
func Classify(members []MemberEvidence) models.IncidentType {
	var (
		confirmedTotal   int
		hasStopped       bool
		vehicleLabels    []string
		pedestrianLabels []string
		rescue           bool
		nonRescueVehicle bool
		faultDebris      bool
		allPedestrian    = true
		allPersonLabel   = true
		allDebris        = true
	)

	for _, m := range members {
		if m.CheckFlag != models.CheckConfirmed {
			continue
		}
		confirmedTotal++
		label := m.MatchedLabel

		if m.Category != models.CategoryPedestrian {
			allPedestrian = false
		}
		if m.Category != models.CategoryDebris {
			allDebris = false
		}
		if label != "person" {
			allPersonLabel = false
		}

		if models.IsRescueVehicleLabel(label) || models.IsRescuePersonLabel(label) {
			rescue = true
		}
		if models.IsVehicleLabel(label) && !models.IsRescueVehicleLabel(label) {
			nonRescueVehicle = true
		}
		if models.IsFaultDebrisLabel(label) {
			faultDebris = true
		}

		switch m.Category {
		case models.CategoryVehicleStopped:
			hasStopped = true
			if models.IsVehicleLabel(label) {
				vehicleLabels = append(vehicleLabels, label)
			}
		case models.CategoryPedestrian:
			pedestrianLabels = append(pedestrianLabels, label)
		}
	}

	if confirmedTotal == 0 {
		return models.IncidentOutOfScope
	}

	switch {
	case hasStopped && (allConstructionVehicles(vehicleLabels) || allBuilders(pedestrianLabels)):
		return models.IncidentConstruction
	case hasStopped && rescue:
		return models.IncidentTrafficAccident
	case hasStopped && nonRescueVehicle && faultDebris:
		return models.IncidentVehicleFailure
	case allPedestrian && allPersonLabel:
		return models.IncidentPedestrianIntrusion
	case allDebris:
		return models.IncidentDebris
	case hasStopped && len(vehicleLabels) > 0 && !rescue:
		return models.IncidentVehicleStopped
	default:
		return models.IncidentOutOfScope
	}
}

func allConstructionVehicles(labels []string) bool {
	if len(labels) == 0 {
		return false
	}
	for _, l := range labels {
		if !models.IsConstructionVehicleLabel(l) {
			return false
		}
	}
	return true
}

func allBuilders(labels []string) bool {
	if len(labels) == 0 {
		return false
	}
	for _, l := range labels {
		if !models.IsBuilderLabel(l) {
			return false
		}
	}
	return true
}
