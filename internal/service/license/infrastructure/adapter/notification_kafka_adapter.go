// internal/service/license/infrastructure/adapter/notification_kafka_adapter.go
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"sankey/internal/pkg/mq"
	"sankey/internal/service/license/domain"
)

// NotificationKafkaAdapter 实现了 port.NotificationQueue 接口。
// delay 为 0 时直发真实主题；否则发到延迟主题并在消息头标记
// 真实主题，由延迟调度器到期后搬运。
type NotificationKafkaAdapter struct {
	writer       *kafka.Writer // 真实主题
	delayWriters map[string]*kafka.Writer
}

// NewNotificationKafkaAdapter 创建投递队列适配器。
// delayWriters 按延迟主题名索引，允许为 nil (禁用延迟通道)。
func NewNotificationKafkaAdapter(writer *kafka.Writer, delayWriters map[string]*kafka.Writer) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer, delayWriters: delayWriters}
}

// Send 发送投递消息，attributes 以消息头形式附带
func (a *NotificationKafkaAdapter) Send(ctx context.Context, msg domain.NotificationMessage, delay time.Duration, attributes map[string]string) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification message: %w", err)
	}

	kafkaMsg := kafka.Message{
		Key:   []byte(msg.RecordKey),
		Value: value,
	}
	for k, v := range attributes {
		kafkaMsg.Headers = append(kafkaMsg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	mq.InjectTraceContext(ctx, &kafkaMsg.Headers)

	if delay <= 0 || len(a.delayWriters) == 0 {
		return a.writer.WriteMessages(ctx, kafkaMsg)
	}

	delayTopic := mq.DelayTopicFor(delay)
	delayWriter, ok := a.delayWriters[delayTopic]
	if !ok {
		return fmt.Errorf("no writer configured for delay topic %s", delayTopic)
	}
	kafkaMsg.Headers = append(kafkaMsg.Headers, kafka.Header{
		Key:   mq.HeaderRealTopic,
		Value: []byte(a.writer.Topic),
	})
	return delayWriter.WriteMessages(ctx, kafkaMsg)
}

// Close 关闭底层的全部 Kafka writer
func (a *NotificationKafkaAdapter) Close() error {
	var firstErr error
	if err := a.writer.Close(); err != nil {
		firstErr = err
	}
	for _, w := range a.delayWriters {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
