package advisor

import (
	"time"

	"roadwatch-alarm/internal/models"
)

// MemberFact 集合级投票所需的成员事实
type MemberFact struct {
	AlarmID        string
	AlarmTime      time.Time
	Advice         models.Advice
	HumanConfirmed bool
}

// Aggregate 集合级处置建议投票
// 人工确认且落在集合最新报警时刻的成员直接定为无需处置；
// 其余成员按建议值投票，重复建议计入无需处置一侧。
// hasConfirmedMember 表示集合中已存在判定为确认的成员，
// 影响一致误报时的结论。
func Aggregate(members []MemberFact, hasConfirmedMember bool) models.Advice {
	if len(members) == 0 {
		return models.AdviceUndetermined
	}

	latest := members[0].AlarmTime
	for _, m := range members[1:] {
		if m.AlarmTime.After(latest) {
			latest = m.AlarmTime
		}
	}
	for _, m := range members {
		if m.HumanConfirmed && m.AlarmTime.Equal(latest) {
			return models.AdviceNoAction
		}
	}

	counts := make(map[models.Advice]int)
	total := 0
	for _, m := range members {
		if m.HumanConfirmed {
			continue
		}
		v := m.Advice
		if v == models.AdviceDuplicate {
			v = models.AdviceNoAction
		}
		counts[v]++
		total++
	}

	// 全部成员均已人工确认
	if total == 0 {
		return models.AdviceNoAction
	}

	if len(counts) == 1 {
		for v := range counts {
			switch v {
			case models.AdviceUndetermined:
				return models.AdviceConfirm
			case models.AdviceFalsePositive:
				if hasConfirmedMember {
					return models.AdviceNoAction
				}
				return models.AdviceFalsePositive
			default:
				return v
			}
		}
	}

	if len(counts) == 2 {
		// 仅误报与无需处置混合时，单一少数派不改变无需处置结论
		if _, fp := counts[models.AdviceFalsePositive]; fp {
			if _, na := counts[models.AdviceNoAction]; na {
				if counts[models.AdviceFalsePositive] == 1 || counts[models.AdviceNoAction] == 1 {
					return models.AdviceNoAction
				}
				return models.AdviceConfirm
			}
		}

		// 单一待定或单一确认的少数派提升为确认
		if counts[models.AdviceUndetermined] == 1 || counts[models.AdviceConfirm] == 1 {
			return models.AdviceConfirm
		}
	}

	return models.AdviceConfirm
}
