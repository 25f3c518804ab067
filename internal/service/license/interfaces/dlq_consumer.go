// internal/service/license/interfaces/dlq_consumer.go
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"sankey/internal/pkg/logger"
	"sankey/internal/pkg/mq"
	"sankey/internal/service/license/application"
	"sankey/internal/service/license/domain"
)

// DLQConsumerAdapter 监听死信主题，把投递失败记回申请。
// 位点手动提交：毒消息和业务丢弃提交掉，瞬时存储故障不提交，
// 重启或再均衡后重投。
type DLQConsumerAdapter struct {
	reader  *kafka.Reader
	service *application.DLQService
	wg      sync.WaitGroup
	stopped bool
}

// NewDLQConsumerAdapter 创建死信消费适配器
func NewDLQConsumerAdapter(reader *kafka.Reader, service *application.DLQService) *DLQConsumerAdapter {
	return &DLQConsumerAdapter{reader: reader, service: service}
}

// Start 启动消费循环
func (a *DLQConsumerAdapter) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLQ Consumer Adapter started.")
		for {
			if a.stopped {
				return
			}
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("🛑 DLQ Consumer Adapter shutting down.")
					return
				}
				continue
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			dlq, parseErr := parseDeadLetter(msg)
			if parseErr != nil {
				// 连身份字段都解不出来的消息重投也没有意义
				logger.Ctx(msgCtx).Error().Err(parseErr).
					Str("key", string(msg.Key)).
					Str("value", string(msg.Value)).
					Msg("🚨 Unparseable dead letter, dropping.")
				a.reader.CommitMessages(ctx, msg)
				continue
			}

			if _, err := a.service.Ingest(msgCtx, dlq); err != nil {
				var auditErr *domain.HistoryAuditError
				if err == domain.ErrMalformedMessage {
					logger.Ctx(msgCtx).Error().
						Str("value", string(msg.Value)).
						Msg("🚨 Malformed dead letter, dropping.")
					a.reader.CommitMessages(ctx, msg)
					continue
				}
				if errors.As(err, &auditErr) {
					// 失败已记到主记录上，只缺审计条目，照常提交
					logger.Ctx(msgCtx).Warn().Err(err).
						Msg("🚨 Dead letter recorded with an audit gap.")
					a.reader.CommitMessages(ctx, msg)
					continue
				}
				// 瞬时存储故障：不提交位点，退避后继续
				logger.Ctx(msgCtx).Error().Err(err).
					Msg("🛑 Dead letter ingestion failed, leaving offset uncommitted.")
				time.Sleep(time.Second)
				continue
			}

			a.reader.CommitMessages(ctx, msg)
		}
	}()
	return nil
}

// Stop 停止消费循环
func (a *DLQConsumerAdapter) Stop(ctx context.Context) {
	a.stopped = true
	a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLQ Consumer Adapter stopped.")
}

// parseDeadLetter 从死信消息还原出领域信封。
// 消息体可能被上游包了一层 {"Message": "<json>"}，先尝试拆封；
// 诊断信息从传输头尽力提取，缺失不算错。
func parseDeadLetter(msg kafka.Message) (domain.DLQMessage, error) {
	body := msg.Value
	var envelope struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		body = []byte(envelope.Message)
	}

	var dlq domain.DLQMessage
	if err := json.Unmarshal(body, &dlq.NotificationMessage); err != nil {
		return domain.DLQMessage{}, err
	}

	dlq.Diagnostics = domain.FailureDiagnostics{
		FailureReason:     mq.GetHeader(msg.Headers, mq.HeaderExceptionMessage),
		OriginalTopic:     mq.GetHeader(msg.Headers, mq.HeaderOriginalTopic),
		OriginalPartition: mq.GetHeader(msg.Headers, mq.HeaderOriginalPartition),
		OriginalOffset:    mq.GetHeader(msg.Headers, mq.HeaderOriginalOffset),
	}
	if raw := mq.GetHeader(msg.Headers, mq.HeaderAttemptCount); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			dlq.Diagnostics.AttemptCount = n
		}
	}
	if raw := mq.GetHeader(msg.Headers, mq.HeaderFailedAt); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			dlq.Diagnostics.FailedAt = t.UTC()
		}
	}
	return dlq, nil
}
