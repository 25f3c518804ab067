// internal/service/license/infrastructure/adapter/alert_kafka_adapter.go
package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"sankey/internal/pkg/mq"
	"sankey/internal/service/license/domain"
)

// AlertKafkaAdapter 实现了 port.AlertPublisher 接口，
// 把升级告警发布到告警主题，由告警网关推给在线管理员。
type AlertKafkaAdapter struct {
	writer *kafka.Writer
}

// NewAlertKafkaAdapter 创建告警发布适配器
func NewAlertKafkaAdapter(writer *kafka.Writer) *AlertKafkaAdapter {
	return &AlertKafkaAdapter{writer: writer}
}

// Publish 发布一条升级告警
func (a *AlertKafkaAdapter) Publish(ctx context.Context, alert domain.EscalationAlert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation alert: %w", err)
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(alert.RecordKey), value)
}

// Close 关闭底层的 Kafka writer
func (a *AlertKafkaAdapter) Close() error {
	return a.writer.Close()
}
