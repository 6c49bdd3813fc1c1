package collection

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/models"
	"roadwatch-alarm/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func collectionColumns() []string {
	return []string{
		"collection_id", "device_id", "road_id", "milestone", "incident_type",
		"advice", "earliest_alarm_time", "latest_alarm_time", "member_count",
		"confirmed_count", "status", "created_at", "updated_at",
	}
}

func alarmEventRows(alarms ...*models.AlarmEvent) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"alarm_id", "device_id", "road_id", "category", "alarm_time", "milestone",
		"content", "vendor", "video_path", "image_path", "consumed",
		"human_confirmed", "created_at",
	})
	for _, a := range alarms {
		rows.AddRow(a.AlarmID, a.DeviceID, a.RoadID, string(a.Category), a.AlarmTime,
			a.Milestone, "", "", "", "", false, false, a.AlarmTime)
	}
	return rows
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Merge.DefaultJoinWindowMin = 10
	cfg.Merge.StoppedJoinWindowMin = 30
	cfg.Merge.MilestoneDelta = 20
	return cfg
}

func setupManager(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Manager) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	manager := NewManager(testConfig(),
		repository.NewCollectionsRepository(db, logger),
		repository.NewAlarmEventsRepository(db, logger),
		repository.NewVerdictsRepository(db, logger),
		repository.NewAdvicesRepository(db, logger),
		logger,
	)
	return db, mock, manager
}

func stoppedAlarm(id string, at time.Time, milestone int) *models.AlarmEvent {
	return &models.AlarmEvent{
		AlarmID:   id,
		DeviceID:  "cam-1",
		Category:  models.CategoryVehicleStopped,
		AlarmTime: at,
		Milestone: milestone,
	}
}

func pedestrianAlarm(id string, at time.Time) *models.AlarmEvent {
	return &models.AlarmEvent{
		AlarmID:   id,
		DeviceID:  "cam-1",
		Category:  models.CategoryPedestrian,
		AlarmTime: at,
	}
}

// ============================================
// 决策表
// ============================================

func TestDecide_StoppedWithinWindowAndMilestone(t *testing.T) {
	manager := NewManager(testConfig(), nil, nil, nil, nil, zap.NewNop())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// 25 分钟、桩号差 5：并入
	current := stoppedAlarm("a-2", base.Add(25*time.Minute), 105)
	comparison := stoppedAlarm("a-1", base, 100)

	assert.Equal(t, transitionJoin, manager.decide(current, comparison))
}

func TestDecide_StoppedMilestoneTooFar(t *testing.T) {
	manager := NewManager(testConfig(), nil, nil, nil, nil, zap.NewNop())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// 25 分钟、桩号差 25：关旧建新
	current := stoppedAlarm("a-2", base.Add(25*time.Minute), 125)
	comparison := stoppedAlarm("a-1", base, 100)

	assert.Equal(t, transitionCloseAndCreate, manager.decide(current, comparison))
}

func TestDecide_StoppedBeyondWindowSameMilestone(t *testing.T) {
	manager := NewManager(testConfig(), nil, nil, nil, nil, zap.NewNop())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	current := stoppedAlarm("a-2", base.Add(45*time.Minute), 100)
	comparison := stoppedAlarm("a-1", base, 100)

	assert.Equal(t, transitionJoin, manager.decide(current, comparison))

	// 桩号稍有偏差即关旧建新
	current.Milestone = 101
	assert.Equal(t, transitionCloseAndCreate, manager.decide(current, comparison))
}

func TestDecide_PedestrianWindow(t *testing.T) {
	manager := NewManager(testConfig(), nil, nil, nil, nil, zap.NewNop())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// 9 分钟：并入
	assert.Equal(t, transitionJoin,
		manager.decide(pedestrianAlarm("a-2", base.Add(9*time.Minute)), pedestrianAlarm("a-1", base)))

	// 11 分钟：关旧建新
	assert.Equal(t, transitionCloseAndCreate,
		manager.decide(pedestrianAlarm("a-2", base.Add(11*time.Minute)), pedestrianAlarm("a-1", base)))
}

func TestDecide_MixedCategoryUsesDefaultWindow(t *testing.T) {
	manager := NewManager(testConfig(), nil, nil, nil, nil, zap.NewNop())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// 当前停驶、比较对象行人：即使停驶时间窗更宽也按默认窗口
	current := stoppedAlarm("a-2", base.Add(25*time.Minute), 100)
	comparison := pedestrianAlarm("a-1", base)

	assert.Equal(t, transitionCloseAndCreate, manager.decide(current, comparison))

	current = stoppedAlarm("a-2", base.Add(9*time.Minute), 100)
	assert.Equal(t, transitionJoin, manager.decide(current, comparison))
}

func TestDecide_OutOfOrderDelivery(t *testing.T) {
	manager := NewManager(testConfig(), nil, nil, nil, nil, zap.NewNop())
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	// 乱序投递：当前报警早于比较对象，时间差取绝对值
	current := pedestrianAlarm("a-1", base)
	comparison := pedestrianAlarm("a-2", base.Add(5*time.Minute))

	assert.Equal(t, transitionJoin, manager.decide(current, comparison))
}

// ============================================
// 状态机
// ============================================

func TestProcess_RejoinIsIdempotent(t *testing.T) {
	db, mock, manager := setupManager(t)
	defer db.Close()

	now := time.Now()
	alarm := stoppedAlarm("a-1", now, 100)

	// 报警已是某集合成员：不新增成员，仅原地刷新
	existing := sqlmock.NewRows([]string{
		"collection_id", "device_id", "road_id", "milestone", "incident_type",
		"advice", "earliest_alarm_time", "latest_alarm_time", "member_count",
		"confirmed_count", "status", "created_at", "updated_at",
	}).AddRow(
		"c-1", "cam-1", "road-1", 100, "vehicle_stopped",
		2, now, now, 1, 1, "open", now, now,
	)
	members := sqlmock.NewRows([]string{"alarm_id"}).AddRow("a-1")

	mock.ExpectQuery(`SELECT`).WillReturnRows(existing)
	mock.ExpectQuery(`SELECT alarm_id FROM collection_members`).WillReturnRows(members)

	// 刷新依赖的成员事件加载失败会被记录并跳过，不影响决策结果
	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrConnDone)

	result, err := manager.Process(context.Background(), alarm, nil)

	require.NoError(t, err)
	assert.Equal(t, MutationRejoined, result.Mutation)
	assert.Equal(t, "c-1", result.Collection.CollectionID)
	assert.Nil(t, result.Closed)
}

func TestProcess_CreatesCollectionWhenNoneOpen(t *testing.T) {
	db, mock, manager := setupManager(t)
	defer db.Close()

	now := time.Now()
	alarm := stoppedAlarm("a-1", now, 100)
	verdict := &models.VerificationVerdict{
		AlarmID:      "a-1",
		CheckFlag:    models.CheckConfirmed,
		MatchedLabel: "car",
	}

	// 无已有成员关系、无开放集合
	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO collections`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO collection_members`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// 刷新：成员事件加载失败时提前返回
	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrConnDone)

	result, err := manager.Process(context.Background(), alarm, verdict)

	require.NoError(t, err)
	assert.Equal(t, MutationCreated, result.Mutation)
	assert.Equal(t, 1, result.Collection.ConfirmedCount)
	assert.Equal(t, models.CollectionOpen, result.Collection.Status)
	assert.Equal(t, []string{"a-1"}, result.Collection.MemberIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_IllegalVehicleUsesSyntheticDevice(t *testing.T) {
	db, mock, manager := setupManager(t)
	defer db.Close()

	now := time.Now()
	alarm := &models.AlarmEvent{
		AlarmID:   "a-1",
		DeviceID:  "cam-9",
		Category:  models.CategoryIllegalVehicle,
		AlarmTime: now,
	}

	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO collections`).
		WithArgs(sqlmock.AnyArg(), models.NoFixedDeviceID, sqlmock.AnyArg(), sqlmock.AnyArg(),
			string(models.IncidentIllegalVehicle), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO collection_members`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrConnDone)

	result, err := manager.Process(context.Background(), alarm, nil)

	require.NoError(t, err)
	assert.Equal(t, MutationCreated, result.Mutation)
	assert.Equal(t, models.NoFixedDeviceID, result.Collection.DeviceID)
	assert.Equal(t, models.IncidentIllegalVehicle, result.Collection.IncidentType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_JoinRefreshCoversNewMember(t *testing.T) {
	db, mock, manager := setupManager(t)
	defer db.Close()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	seed := pedestrianAlarm("a-1", base)
	alarm := pedestrianAlarm("a-2", base.Add(5*time.Minute))

	// 非成员
	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrNoRows)

	// 设备上已有开放集合，成员 a-1
	mock.ExpectQuery(`SELECT`).WillReturnRows(sqlmock.NewRows(collectionColumns()).
		AddRow("c-1", "cam-1", "road-1", 0, "out_of_scope",
			2, base, base, 1, 0, "open", base, base))
	mock.ExpectQuery(`SELECT alarm_id FROM collection_members`).
		WillReturnRows(sqlmock.NewRows([]string{"alarm_id"}).AddRow("a-1"))

	// 比较报警加载：仅既有成员
	mock.ExpectQuery(`FROM alarm_events`).
		WithArgs(pq.Array([]string{"a-1"})).
		WillReturnRows(alarmEventRows(seed))

	// 并入
	mock.ExpectExec(`INSERT INTO collection_members`).
		WithArgs("c-1", "a-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE collections`).WillReturnResult(sqlmock.NewResult(0, 1))

	// 重算必须覆盖刚并入的成员 a-2
	mock.ExpectQuery(`FROM alarm_events`).
		WithArgs(pq.Array([]string{"a-1", "a-2"})).
		WillReturnRows(alarmEventRows(seed, alarm))
	mock.ExpectQuery(`SELECT`).WillReturnRows(sqlmock.NewRows([]string{"alarm_id"}))
	mock.ExpectQuery(`SELECT`).WillReturnRows(sqlmock.NewRows([]string{"alarm_id"}))

	// 回读失败时退回内存中的集合
	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrNoRows)

	result, err := manager.Process(context.Background(), alarm, nil)

	require.NoError(t, err)
	assert.Equal(t, MutationJoined, result.Mutation)
	assert.Equal(t, []string{"a-1", "a-2"}, result.Collection.MemberIDs)
	assert.Nil(t, result.Closed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcess_IllegalVehicleJoinFailureKeepsSyntheticCollection(t *testing.T) {
	db, mock, manager := setupManager(t)
	defer db.Close()

	now := time.Now()
	alarm := &models.AlarmEvent{
		AlarmID:   "a-2",
		DeviceID:  "cam-9",
		Category:  models.CategoryIllegalVehicle,
		AlarmTime: now,
	}

	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrNoRows)

	// 合成集合已开放
	mock.ExpectQuery(`SELECT`).WillReturnRows(sqlmock.NewRows(collectionColumns()).
		AddRow("c-ill", models.NoFixedDeviceID, "", 0, "illegal_vehicle",
			0, now, now, 1, 0, "open", now, now))
	mock.ExpectQuery(`SELECT alarm_id FROM collection_members`).
		WillReturnRows(sqlmock.NewRows([]string{"alarm_id"}).AddRow("a-1"))

	// 成员写入失败：不关闭合成集合，直接降级新建合成集合
	mock.ExpectExec(`INSERT INTO collection_members`).
		WithArgs("c-ill", "a-2").
		WillReturnError(sql.ErrConnDone)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO collections`).
		WithArgs(sqlmock.AnyArg(), models.NoFixedDeviceID, sqlmock.AnyArg(), sqlmock.AnyArg(),
			string(models.IncidentIllegalVehicle), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO collection_members`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT`).WillReturnError(sql.ErrConnDone)

	result, err := manager.Process(context.Background(), alarm, nil)

	require.NoError(t, err)
	assert.Equal(t, MutationCreated, result.Mutation)
	assert.Equal(t, models.NoFixedDeviceID, result.Collection.DeviceID)
	assert.Equal(t, models.IncidentIllegalVehicle, result.Collection.IncidentType)
	assert.Nil(t, result.Closed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceLock_SerializesSameDevice(t *testing.T) {
	locks := NewDeviceLock()

	locks.Lock("cam-1")
	acquired := make(chan struct{})
	go func() {
		locks.Lock("cam-1")
		close(acquired)
		locks.Unlock("cam-1")
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	locks.Unlock("cam-1")

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}

	// 不同设备互不阻塞
	locks.Lock("cam-2")
	locks.Unlock("cam-2")
}
