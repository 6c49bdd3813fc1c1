package config

import (
	"os"
	"strconv"

	"roadwatch-alarm/pkg/config"
)

// Config 报警关联服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 接入流配置
	Stream struct {
		AlarmStream   string // 原始报警流名称
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
		Workers       int // 工作协程数（按设备ID哈希分片）
	}

	// 核验配置（外部服务）
	Verification struct {
		FrameProviderURL string // 抽帧服务
		BBoxExtractorURL string // 基准框提取服务
		DetectorURL      string // 目标检测服务
		FrameTimeout     int    // 抽帧请求超时（秒）
		BBoxTimeout      int    // 基准框请求超时（秒）
		DetectTimeout    int    // 检测请求超时（秒）
		ProbeAttempts    int    // 视频连通性探测次数
		ProbeInterval    int    // 探测间隔（秒）
		IoUConfirm       float64 // 单帧判定通过的 IoU 下限
		PresenceMin      int    // 存在计数判定通过的最少帧数
	}

	// 集合并入/关闭阈值
	Merge struct {
		DefaultJoinWindowMin int // 非停驶类并入时间窗（分钟）
		StoppedJoinWindowMin int // 停驶类宽松时间窗（分钟）
		MilestoneDelta       int // 停驶类宽松窗内允许的桩号差
	}

	// 重复报警抑制阈值
	Duplicate struct {
		StoppedWindowMin    int     // 停驶类时间上限（分钟）
		StoppedIoU          float64 // 停驶类 IoU 下限
		PedestrianWindowMin int     // 行人类时间上限（分钟）
		DebrisWindowMin     int     // 抛洒物类时间上限（分钟）
		DebrisDayIoU        float64 // 抛洒物类一天内的 IoU 下限
	}

	// 集合快照缓存
	Cache struct {
		SnapshotKeyPrefix string
		SnapshotTTL       int // 秒
	}

	// 集合变更通知
	Notify struct {
		Topic string
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + 默认值）
// 阈值默认值取自加固版实现，部署时可按路段调整
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "roadwatch")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "roadwatch-alarm")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))

	cfg.Stream.AlarmStream = getEnv("STREAM_ALARM", "roadwatch:alarms:raw")
	cfg.Stream.ConsumerGroup = getEnv("STREAM_GROUP", "roadwatch-alarm")
	cfg.Stream.ConsumerName = getEnv("STREAM_CONSUMER", "roadwatch-alarm-1")
	cfg.Stream.BatchSize = int64(getEnvInt("STREAM_BATCH_SIZE", 10))
	cfg.Stream.Workers = getEnvInt("STREAM_WORKERS", 4)

	cfg.Verification.FrameProviderURL = getEnv("VERIFY_FRAME_URL", "http://localhost:8091")
	cfg.Verification.BBoxExtractorURL = getEnv("VERIFY_BBOX_URL", "http://localhost:8092")
	cfg.Verification.DetectorURL = getEnv("VERIFY_DETECT_URL", "http://localhost:8093")
	cfg.Verification.FrameTimeout = getEnvInt("VERIFY_FRAME_TIMEOUT", 10)
	cfg.Verification.BBoxTimeout = getEnvInt("VERIFY_BBOX_TIMEOUT", 5)
	cfg.Verification.DetectTimeout = getEnvInt("VERIFY_DETECT_TIMEOUT", 30)
	cfg.Verification.ProbeAttempts = getEnvInt("VERIFY_PROBE_ATTEMPTS", 3)
	cfg.Verification.ProbeInterval = getEnvInt("VERIFY_PROBE_INTERVAL", 10)
	cfg.Verification.IoUConfirm = getEnvFloat("VERIFY_IOU_CONFIRM", 0.5)
	cfg.Verification.PresenceMin = getEnvInt("VERIFY_PRESENCE_MIN", 2)

	cfg.Merge.DefaultJoinWindowMin = getEnvInt("MERGE_DEFAULT_WINDOW_MIN", 10)
	cfg.Merge.StoppedJoinWindowMin = getEnvInt("MERGE_STOPPED_WINDOW_MIN", 30)
	cfg.Merge.MilestoneDelta = getEnvInt("MERGE_MILESTONE_DELTA", 20)

	cfg.Duplicate.StoppedWindowMin = getEnvInt("DUP_STOPPED_WINDOW_MIN", 10)
	cfg.Duplicate.StoppedIoU = getEnvFloat("DUP_STOPPED_IOU", 0.5)
	cfg.Duplicate.PedestrianWindowMin = getEnvInt("DUP_PEDESTRIAN_WINDOW_MIN", 15)
	cfg.Duplicate.DebrisWindowMin = getEnvInt("DUP_DEBRIS_WINDOW_MIN", 60)
	cfg.Duplicate.DebrisDayIoU = getEnvFloat("DUP_DEBRIS_DAY_IOU", 0.7)

	cfg.Cache.SnapshotKeyPrefix = getEnv("CACHE_SNAPSHOT_PREFIX", "roadwatch:collection:")
	cfg.Cache.SnapshotTTL = getEnvInt("CACHE_SNAPSHOT_TTL", 300)

	cfg.Notify.Topic = getEnv("NOTIFY_TOPIC", "roadwatch/collections")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8085")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
