// internal/service/license/domain/events.go
package domain

import "time"

// NotificationMessage 是投递队列的载荷：携带足够的身份信息
// 让消费方能重新查回 Application。
type NotificationMessage struct {
	RecordKey  string `json:"recordKey"`
	OwnerID    string `json:"ownerId"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// Validate 校验必需的身份字段，缺失即为毒消息
func (m NotificationMessage) Validate() error {
	if m.RecordKey == "" || m.OwnerID == "" {
		return ErrMalformedMessage
	}
	return nil
}

// FailureDiagnostics 承载从传输层信封里尽力提取的失败诊断。
// 任何单个字段缺失都不会中断处理，只会降低消息质量。
type FailureDiagnostics struct {
	FailureReason     string    `json:"failureReason"`
	FailedAt          time.Time `json:"failedAt"`
	ReceiptToken      string    `json:"receiptToken,omitempty"`
	OriginalTopic     string    `json:"originalTopic,omitempty"`
	OriginalPartition string    `json:"originalPartition,omitempty"`
	OriginalOffset    string    `json:"originalOffset,omitempty"`
	AttemptCount      int       `json:"attemptCount,omitempty"`
}

// DLQMessage 是死信信封：原始投递消息加上失败诊断
type DLQMessage struct {
	NotificationMessage
	Diagnostics FailureDiagnostics `json:"diagnostics"`
}

// EscalationAlert 在失败计数触达 maxRetry 时发布，
// 提示该申请已超出自动重试的范围，需要人工判断。
type EscalationAlert struct {
	OwnerID      string    `json:"ownerId"`
	RecordKey    string    `json:"recordKey"`
	FailureCount int       `json:"failureCount"`
	MaxRetry     int       `json:"maxRetry"`
	Reason       string    `json:"reason"`
	FiredAt      time.Time `json:"firedAt"`
}
