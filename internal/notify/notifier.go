package notify

import (
	"encoding/json"
	"time"

	"roadwatch-alarm/internal/config"
	"roadwatch-alarm/internal/models"
	"roadwatch-alarm/pkg/mqtt"

	"go.uber.org/zap"
)

// Notifier 集合变更推送器
// 每次集合变更向通知接收方推送完整快照；推送失败仅记录日志，
// 不回滚本地状态（fire-and-forget）
type Notifier struct {
	client *mqtt.Client
	topic  string
	qos    byte
	logger *zap.Logger
}

// NewNotifier 创建推送器
func NewNotifier(client *mqtt.Client, cfg *config.Config, logger *zap.Logger) *Notifier {
	return &Notifier{
		client: client,
		topic:  cfg.Notify.Topic,
		qos:    cfg.MQTT.QoS,
		logger: logger,
	}
}

// PushSnapshot 推送集合快照
func (n *Notifier) PushSnapshot(collection *models.Collection, members []models.MemberAdvice, mutation string) {
	if n.client == nil || !n.client.IsConnected() {
		n.logger.Warn("Notification client not connected, skipping push",
			zap.String("collection_id", collection.CollectionID),
			zap.String("mutation", mutation),
		)
		return
	}

	snapshot := models.CollectionSnapshot{
		Collection: *collection,
		Members:    members,
		Mutation:   mutation,
		PushedAt:   time.Now(),
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		n.logger.Error("Failed to marshal collection snapshot",
			zap.String("collection_id", collection.CollectionID),
			zap.Error(err),
		)
		return
	}

	if err := n.client.Publish(n.topic, n.qos, false, payload); err != nil {
		n.logger.Warn("Failed to push collection snapshot",
			zap.String("collection_id", collection.CollectionID),
			zap.String("mutation", mutation),
			zap.Error(err),
		)
		return
	}

	n.logger.Debug("Collection snapshot pushed",
		zap.String("collection_id", collection.CollectionID),
		zap.String("mutation", mutation),
		zap.Int("members", len(members)),
	)
}
