package grouping

import (
	"context"

	"roadwatch-alarm/internal/models"
	"roadwatch-alarm/internal/repository"
)

// Group 按检出目标聚合的成员分组
type Group struct {
	Label   string   `json:"label"`
	Members []string `json:"members"` // alarm_id，按集合并入顺序
}

// 无命中标签的成员归入该分组
const unidentifiedLabel = "unidentified"

// Formatter 集合成员分组器
// 按判定命中标签对成员分桶，分组按标签首次出现顺序排列
type Formatter struct {
	verdictsRepo *repository.VerdictsRepository
}

// NewFormatter 创建分组器
func NewFormatter(verdictsRepo *repository.VerdictsRepository) *Formatter {
	return &Formatter{verdictsRepo: verdictsRepo}
}

// Format 生成集合的成员分组视图
func (f *Formatter) Format(ctx context.Context, collection *models.Collection) ([]Group, error) {
	verdicts, err := f.verdictsRepo.GetVerdicts(ctx, collection.MemberIDs)
	if err != nil {
		return nil, err
	}

	var order []string
	buckets := make(map[string][]string)

	for _, alarmID := range collection.MemberIDs {
		label := unidentifiedLabel
		if v := verdicts[alarmID]; v != nil && v.MatchedLabel != "" {
			label = v.MatchedLabel
		}
		if _, seen := buckets[label]; !seen {
			order = append(order, label)
		}
		buckets[label] = append(buckets[label], alarmID)
	}

	groups := make([]Group, 0, len(order))
	for _, label := range order {
		groups = append(groups, Group{Label: label, Members: buckets[label]})
	}
	return groups, nil
}
