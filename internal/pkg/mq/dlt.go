// internal/pkg/mq/dlt.go
package mq

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// 死信消息头约定：转发时附带来源定位和异常诊断，
// 消费方尽力提取，任何单个头缺失都不算错误。
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionMessage  = "x-exception-message"
	HeaderAttemptCount      = "x-attempt-count"
	HeaderFailedAt          = "x-failed-at"
)

// ForwardToDLT 把一条处理失败的消息连同诊断头转发到死信主题。
// 消息体原样保留，便于死信消费方还原出原始载荷。
func ForwardToDLT(ctx context.Context, dltWriter *kafka.Writer, original kafka.Message, attempt int, cause error) error {
	headers := make([]kafka.Header, 0, len(original.Headers)+6)
	headers = append(headers, original.Headers...)

	carrier := KafkaHeaderCarrier(headers)
	carrier.Set(HeaderOriginalTopic, original.Topic)
	carrier.Set(HeaderOriginalPartition, strconv.Itoa(original.Partition))
	carrier.Set(HeaderOriginalOffset, strconv.FormatInt(original.Offset, 10))
	carrier.Set(HeaderAttemptCount, strconv.Itoa(attempt))
	carrier.Set(HeaderFailedAt, time.Now().UTC().Format(time.RFC3339))
	if cause != nil {
		carrier.Set(HeaderExceptionMessage, cause.Error())
	}

	msg := kafka.Message{
		Key:     original.Key,
		Value:   original.Value,
		Headers: carrier,
	}
	InjectTraceContext(ctx, &msg.Headers)
	return dltWriter.WriteMessages(ctx, msg)
}

// GetHeader 从消息头里取值，不存在时返回空串
func GetHeader(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
