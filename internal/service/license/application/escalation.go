// internal/service/license/application/escalation.go
package application

import (
	"context"
	"time"

	"sankey/internal/pkg/logger"
	"sankey/internal/service/license/domain"
	"sankey/internal/service/license/port"
)

// EscalationInput 是一次失败事实的升级判定输入
type EscalationInput struct {
	OwnerID      string
	RecordKey    string
	FailureCount int
	Reason       string
}

// EscalationNotifier 在失败计数触顶时发布升级告警。
// 升级是尽力而为的旁路：规则求值失败或发布失败都只记日志，
// 绝不影响失败记账本身。
type EscalationNotifier struct {
	rule      port.EscalationRule
	publisher port.AlertPublisher
	maxRetry  int
}

// NewEscalationNotifier 创建升级通知器
func NewEscalationNotifier(rule port.EscalationRule, publisher port.AlertPublisher, maxRetry int) *EscalationNotifier {
	return &EscalationNotifier{rule: rule, publisher: publisher, maxRetry: maxRetry}
}

// Escalate 求值升级规则并在命中时发布告警，返回是否已升级
func (n *EscalationNotifier) Escalate(ctx context.Context, in EscalationInput) bool {
	fact := port.EscalationFact{
		OwnerID:      in.OwnerID,
		RecordKey:    in.RecordKey,
		FailureCount: in.FailureCount,
		MaxRetry:     n.maxRetry,
		Reason:       in.Reason,
	}

	matched, err := n.rule.Evaluate(fact)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("record_key", in.RecordKey).
			Msg("🚨 Escalation rule evaluation failed.")
		return false
	}
	if !matched {
		return false
	}

	alert := domain.EscalationAlert{
		OwnerID:      in.OwnerID,
		RecordKey:    in.RecordKey,
		FailureCount: in.FailureCount,
		MaxRetry:     n.maxRetry,
		Reason:       in.Reason,
		FiredAt:      time.Now().UTC(),
	}
	if err := n.publisher.Publish(ctx, alert); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("record_key", in.RecordKey).
			Msg("🚨 Failed to publish escalation alert.")
		return false
	}

	escalationTotal.Inc()
	logger.Ctx(ctx).Warn().
		Str("owner_id", in.OwnerID).
		Str("record_key", in.RecordKey).
		Int("failure_count", in.FailureCount).
		Msg("🚨 Application escalated for manual intervention.")
	return true
}
