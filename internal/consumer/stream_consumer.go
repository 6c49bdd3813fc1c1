package consumer

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/models"
	pkgredis "roadwatch-alarm/pkg/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Processor 报警处理器（由 service 层实现）
// 返回 nil 才会提交消费位置
type Processor interface {
	Process(ctx context.Context, alarm *models.AlarmEvent) error
}

// StreamConsumer 报警流消费者
// 以消费者组模式读取 Redis Streams，按设备哈希把报警分发到
// 固定的 worker，保证同设备报警串行处理；消息在管线处理成功后
// 才确认，失败消息留在待处理队列等待重投（至少一次语义）
type StreamConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger

	queues []chan pkgredis.StreamMessage
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewStreamConsumer 创建流消费者
func NewStreamConsumer(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *StreamConsumer {
	return &StreamConsumer{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Start 启动消费：一个读取循环 + Workers 个处理协程
func (c *StreamConsumer) Start(ctx context.Context, processor Processor) error {
	if processor == nil {
		return fmt.Errorf("processor is required")
	}

	stream := c.config.Stream.AlarmStream
	group := c.config.Stream.ConsumerGroup

	if err := pkgredis.CreateConsumerGroup(ctx, c.redisClient, stream, group); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	workers := c.config.Stream.Workers
	if workers <= 0 {
		workers = 1
	}

	c.queues = make([]chan pkgredis.StreamMessage, workers)
	for i := 0; i < workers; i++ {
		c.queues[i] = make(chan pkgredis.StreamMessage, c.config.Stream.BatchSize)
		c.wg.Add(1)
		go c.worker(ctx, i, processor)
	}

	c.wg.Add(1)
	go c.readLoop(ctx)

	c.logger.Info("Stream consumer started",
		zap.String("stream", stream),
		zap.String("group", group),
		zap.String("consumer", c.config.Stream.ConsumerName),
		zap.Int("workers", workers),
	)
	return nil
}

// Stop 停止消费并等待在途报警处理完成
func (c *StreamConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("Stream consumer stopped")
}

// readLoop 读取循环：读到消息按设备哈希分发；读失败指数退避
func (c *StreamConsumer) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		for _, q := range c.queues {
			close(q)
		}
	}()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := pkgredis.ReadFromStream(ctx, c.redisClient,
			c.config.Stream.AlarmStream,
			c.config.Stream.ConsumerGroup,
			c.config.Stream.ConsumerName,
			int64(c.config.Stream.BatchSize),
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to read from alarm stream",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			idx := c.partition(deviceOf(msg))
			select {
			case <-ctx.Done():
				return
			case c.queues[idx] <- msg:
			}
		}
	}
}

// worker 处理协程：解析 → 管线处理 → 成功后确认
func (c *StreamConsumer) worker(ctx context.Context, idx int, processor Processor) {
	defer c.wg.Done()

	for msg := range c.queues[idx] {
		alarm, err := parseAlarm(msg.Values)
		if err != nil {
			// 无法解析出 alarm_id 的消息只能丢弃并确认，避免毒丸
			c.logger.Error("Failed to parse alarm message, discarding",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			c.ack(ctx, msg.ID)
			continue
		}

		if err := processor.Process(ctx, alarm); err != nil {
			c.logger.Error("Failed to process alarm, leaving unacked for redelivery",
				zap.String("alarm_id", alarm.AlarmID),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}

		c.ack(ctx, msg.ID)
	}
}

func (c *StreamConsumer) ack(ctx context.Context, messageID string) {
	err := pkgredis.AckMessage(ctx, c.redisClient,
		c.config.Stream.AlarmStream,
		c.config.Stream.ConsumerGroup,
		messageID,
	)
	if err != nil {
		c.logger.Warn("Failed to ack message",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}

// partition 同设备报警固定分发到同一 worker
func (c *StreamConsumer) partition(deviceID string) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32()) % len(c.queues)
}

func deviceOf(msg pkgredis.StreamMessage) string {
	if v, ok := msg.Values["device_id"].(string); ok {
		return v
	}
	return ""
}

// parseAlarm 从流消息还原报警事件
// 时间戳异常不丢报警，取当前时间并保留原始内容
func parseAlarm(values map[string]interface{}) (*models.AlarmEvent, error) {
	alarmID := stringValue(values, "alarm_id")
	if alarmID == "" {
		return nil, fmt.Errorf("alarm_id is required")
	}

	alarm := &models.AlarmEvent{
		AlarmID:   alarmID,
		DeviceID:  stringValue(values, "device_id"),
		RoadID:    stringValue(values, "road_id"),
		Category:  models.ParseAlarmCategory(stringValue(values, "category")),
		Content:   stringValue(values, "content"),
		Vendor:    stringValue(values, "vendor"),
		VideoPath: stringValue(values, "video_path"),
		ImagePath: stringValue(values, "image_path"),
	}

	if raw := stringValue(values, "alarm_time"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			alarm.AlarmTime = t
		}
	}
	if alarm.AlarmTime.IsZero() {
		alarm.AlarmTime = time.Now()
	}

	if raw := stringValue(values, "milestone"); raw != "" {
		if m, err := strconv.Atoi(raw); err == nil {
			alarm.Milestone = m
		}
	}

	return alarm, nil
}

func stringValue(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}
