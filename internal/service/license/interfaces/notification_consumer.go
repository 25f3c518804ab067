// internal/service/license/interfaces/notification_consumer.go
package interfaces

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/segmentio/kafka-go"

	"sankey/internal/pkg/logger"
	"sankey/internal/pkg/mq"
	"sankey/internal/service/license/application"
	"sankey/internal/service/license/domain"
)

// NotificationConsumerAdapter 消费投递主题，驱动授权生成和邮件发送。
// 投递失败的消息连同诊断头转发死信主题，位点照常提交：
// 失败的记账由死信链路完成，这里不原地重试。
type NotificationConsumerAdapter struct {
	reader    *kafka.Reader
	dltWriter *kafka.Writer
	service   *application.DeliveryService
	wg        sync.WaitGroup
	stopped   bool
}

// NewNotificationConsumerAdapter 创建投递消费适配器
func NewNotificationConsumerAdapter(reader *kafka.Reader, dltWriter *kafka.Writer, service *application.DeliveryService) *NotificationConsumerAdapter {
	return &NotificationConsumerAdapter{reader: reader, dltWriter: dltWriter, service: service}
}

// Start 启动消费循环
func (a *NotificationConsumerAdapter) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ Notification Consumer Adapter started.")
		for {
			if a.stopped {
				return
			}
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("🛑 Notification Consumer Adapter shutting down.")
					return
				}
				continue
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			a.handleMessage(msgCtx, msg)
			a.reader.CommitMessages(ctx, msg)
		}
	}()
	return nil
}

func (a *NotificationConsumerAdapter) handleMessage(ctx context.Context, msg kafka.Message) {
	var notification domain.NotificationMessage
	if err := json.Unmarshal(msg.Value, &notification); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("value", string(msg.Value)).
			Msg("🚨 Unparseable notification message, dropping.")
		return
	}

	err := a.service.Deliver(ctx, notification)
	if err == nil {
		return
	}
	if err == domain.ErrMalformedMessage {
		logger.Ctx(ctx).Error().
			Str("value", string(msg.Value)).
			Msg("🚨 Malformed notification message, dropping.")
		return
	}

	attempt := notification.RetryCount + 1
	logger.Ctx(ctx).Error().Err(err).
		Str("record_key", notification.RecordKey).
		Int("attempt", attempt).
		Msg("🛑 Delivery failed, forwarding to dead letter topic.")
	if dltErr := mq.ForwardToDLT(ctx, a.dltWriter, msg, attempt, err); dltErr != nil {
		// 死信都发不出去只能靠日志兜底，消息会随位点提交丢失
		logger.Ctx(ctx).Error().Err(dltErr).
			Str("record_key", notification.RecordKey).
			Str("attempt", strconv.Itoa(attempt)).
			Msg("🚨 CRITICAL: failed to forward message to dead letter topic.")
	}
}

// Stop 停止消费循环
func (a *NotificationConsumerAdapter) Stop(ctx context.Context) {
	a.stopped = true
	a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ Notification Consumer Adapter stopped.")
}
