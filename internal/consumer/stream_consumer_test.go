package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/models"
	pkgredis "roadwatch-alarm/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingProcessor struct {
	mu     sync.Mutex
	alarms []*models.AlarmEvent
}

func (p *recordingProcessor) Process(ctx context.Context, alarm *models.AlarmEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alarms = append(p.alarms, alarm)
	return nil
}

func (p *recordingProcessor) processed() []*models.AlarmEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]*models.AlarmEvent, len(p.alarms))
	copy(result, p.alarms)
	return result
}

func setupConsumer(t *testing.T) (*miniredis.Miniredis, *redis.Client, *StreamConsumer, *config.Config) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{}
	cfg.Stream.AlarmStream = "roadwatch:alarms:raw"
	cfg.Stream.ConsumerGroup = "alarm-engine"
	cfg.Stream.ConsumerName = "worker-test"
	cfg.Stream.BatchSize = 10
	cfg.Stream.Workers = 2

	consumer := NewStreamConsumer(cfg, redisClient, zap.NewNop())
	return mr, redisClient, consumer, cfg
}

func TestStreamConsumer_ProcessesAndAcks(t *testing.T) {
	_, redisClient, consumer, cfg := setupConsumer(t)
	defer redisClient.Close()

	ctx := context.Background()
	alarmTime := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	_, err := redisClient.XAdd(ctx, &redis.XAddArgs{
		Stream: cfg.Stream.AlarmStream,
		Values: map[string]interface{}{
			"alarm_id":   "a-1",
			"device_id":  "cam-1",
			"road_id":    "road-1",
			"category":   "vehicle_stopped",
			"alarm_time": alarmTime.Format(time.RFC3339),
			"milestone":  "120",
			"video_path": "/videos/a-1.mp4",
		},
	}).Result()
	require.NoError(t, err)

	processor := &recordingProcessor{}
	require.NoError(t, consumer.Start(ctx, processor))

	assert.Eventually(t, func() bool {
		return len(processor.processed()) == 1
	}, 5*time.Second, 50*time.Millisecond)

	consumer.Stop()

	alarms := processor.processed()
	require.Len(t, alarms, 1)
	assert.Equal(t, "a-1", alarms[0].AlarmID)
	assert.Equal(t, "cam-1", alarms[0].DeviceID)
	assert.Equal(t, models.CategoryVehicleStopped, alarms[0].Category)
	assert.True(t, alarmTime.Equal(alarms[0].AlarmTime))
	assert.Equal(t, 120, alarms[0].Milestone)

	// 处理成功的消息已确认，待处理队列为空
	pending, err := redisClient.XPending(ctx, cfg.Stream.AlarmStream, cfg.Stream.ConsumerGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestParseAlarm_RequiresAlarmID(t *testing.T) {
	_, err := parseAlarm(map[string]interface{}{
		"device_id": "cam-1",
	})

	assert.Error(t, err)
}

func TestParseAlarm_MalformedTimestampKeepsAlarm(t *testing.T) {
	alarm, err := parseAlarm(map[string]interface{}{
		"alarm_id":   "a-1",
		"device_id":  "cam-1",
		"category":   "debris",
		"alarm_time": "not-a-time",
	})

	require.NoError(t, err)
	assert.Equal(t, "a-1", alarm.AlarmID)
	assert.False(t, alarm.AlarmTime.IsZero())
}

func TestParseAlarm_UnknownCategoryFallsBack(t *testing.T) {
	alarm, err := parseAlarm(map[string]interface{}{
		"alarm_id": "a-1",
		"category": "meteor_strike",
	})

	require.NoError(t, err)
	assert.Equal(t, models.CategoryOther, alarm.Category)
}

func TestPartition_StableForDevice(t *testing.T) {
	consumer := &StreamConsumer{
		queues: make([]chan pkgredis.StreamMessage, 4),
	}

	first := consumer.partition("cam-1")
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, consumer.partition("cam-1"))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 4)
}
