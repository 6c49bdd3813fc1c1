package advisor

import (
	"testing"
	"time"

	"roadwatch-alarm/internal/models"

	"github.com/stretchr/testify/assert"
)

func facts(advices ...models.Advice) []MemberFact {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	result := make([]MemberFact, len(advices))
	for i, a := range advices {
		result[i] = MemberFact{
			AlarmID:   string(rune('a' + i)),
			AlarmTime: base.Add(time.Duration(i) * time.Minute),
			Advice:    a,
		}
	}
	return result
}

func TestAggregate_Empty(t *testing.T) {
	assert.Equal(t, models.AdviceUndetermined, Aggregate(nil, false))
}

func TestAggregate_UnanimousFalsePositive(t *testing.T) {
	members := facts(models.AdviceFalsePositive, models.AdviceFalsePositive)

	assert.Equal(t, models.AdviceFalsePositive, Aggregate(members, false))
	// 已有确认成员时，一致误报只说明后续报警失效
	assert.Equal(t, models.AdviceNoAction, Aggregate(members, true))
}

func TestAggregate_UnanimousUndetermined(t *testing.T) {
	members := facts(models.AdviceUndetermined, models.AdviceUndetermined)

	assert.Equal(t, models.AdviceConfirm, Aggregate(members, false))
}

func TestAggregate_UnanimousConfirm(t *testing.T) {
	members := facts(models.AdviceConfirm, models.AdviceConfirm, models.AdviceConfirm)

	assert.Equal(t, models.AdviceConfirm, Aggregate(members, false))
}

func TestAggregate_UnanimousNoAction(t *testing.T) {
	members := facts(models.AdviceNoAction, models.AdviceNoAction)

	assert.Equal(t, models.AdviceNoAction, Aggregate(members, false))
}

func TestAggregate_SingleDissenterFalsePositive(t *testing.T) {
	// 三误报 + 一无需处置 → 无需处置
	members := facts(
		models.AdviceFalsePositive,
		models.AdviceFalsePositive,
		models.AdviceFalsePositive,
		models.AdviceNoAction,
	)

	assert.Equal(t, models.AdviceNoAction, Aggregate(members, false))
}

func TestAggregate_SingleUndeterminedAmidConfirm(t *testing.T) {
	members := facts(models.AdviceConfirm, models.AdviceConfirm, models.AdviceUndetermined)

	assert.Equal(t, models.AdviceConfirm, Aggregate(members, false))
}

func TestAggregate_DuplicateCountsAsNoAction(t *testing.T) {
	members := facts(models.AdviceDuplicate, models.AdviceNoAction)

	assert.Equal(t, models.AdviceNoAction, Aggregate(members, false))
}

func TestAggregate_MixtureDefaultsToConfirm(t *testing.T) {
	members := facts(
		models.AdviceFalsePositive,
		models.AdviceUndetermined,
		models.AdviceConfirm,
	)

	assert.Equal(t, models.AdviceConfirm, Aggregate(members, false))
}

func TestAggregate_HumanConfirmedAtLatestFixesNoAction(t *testing.T) {
	members := facts(models.AdviceConfirm, models.AdviceConfirm, models.AdviceConfirm)
	members[2].HumanConfirmed = true // 最新报警时刻的成员

	assert.Equal(t, models.AdviceNoAction, Aggregate(members, false))
}

func TestAggregate_HumanConfirmedNotLatestStillVotes(t *testing.T) {
	members := facts(models.AdviceConfirm, models.AdviceConfirm, models.AdviceConfirm)
	members[0].HumanConfirmed = true

	assert.Equal(t, models.AdviceConfirm, Aggregate(members, false))
}

func TestAggregate_Deterministic(t *testing.T) {
	members := facts(
		models.AdviceFalsePositive,
		models.AdviceFalsePositive,
		models.AdviceNoAction,
		models.AdviceNoAction,
		models.AdviceConfirm,
	)

	first := Aggregate(members, true)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Aggregate(members, true))
	}
}
