// internal/service/license/port/queue.go
package port

import (
	"context"
	"time"

	"sankey/internal/service/license/domain"
)

// NotificationQueue 是投递队列的出站端口。
// delay > 0 时消息经延迟通道中转，到期后才进入真实主题。
type NotificationQueue interface {
	Send(ctx context.Context, msg domain.NotificationMessage, delay time.Duration, attributes map[string]string) error
}

// AlertPublisher 发布升级告警（失败计数触顶时）
type AlertPublisher interface {
	Publish(ctx context.Context, alert domain.EscalationAlert) error
}
