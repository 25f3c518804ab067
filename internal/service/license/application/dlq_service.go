// internal/service/license/application/dlq_service.go
package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sankey/internal/pkg/logger"
	"sankey/internal/service/license/domain"
)

// IngestOutcome 描述一条死信被如何处置
type IngestOutcome string

const (
	IngestOutcomeRecorded     IngestOutcome = "recorded"      // 失败已记账
	IngestOutcomeDroppedGone  IngestOutcome = "dropped_gone"  // 申请已不存在，丢弃
	IngestOutcomeDroppedState IngestOutcome = "dropped_state" // 状态早已前移，重复死信，丢弃
)

// IngestResult 是一次死信摄取的结果
type IngestResult struct {
	Outcome   IngestOutcome
	Escalated bool
}

// DLQService 消费死信信封并把投递失败记到申请上。
// 摄取是幂等的：同一条失败的重复死信因为状态守卫只会生效一次。
type DLQService struct {
	apps     *ApplicationService
	repo     domain.ApplicationRepository
	notifier *EscalationNotifier
	policy   Policy
	tracer   trace.Tracer

	now func() time.Time
}

// NewDLQService 创建死信摄取服务
func NewDLQService(apps *ApplicationService, repo domain.ApplicationRepository, notifier *EscalationNotifier, policy Policy, tracer trace.Tracer) *DLQService {
	return &DLQService{
		apps:     apps,
		repo:     repo,
		notifier: notifier,
		policy:   policy,
		tracer:   tracer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 替换时间源，只应在测试里使用
func (s *DLQService) WithClock(now func() time.Time) *DLQService {
	s.now = now
	return s
}

// Ingest 处理一条死信。
// 毒消息和业务上该丢弃的情况返回 (result, nil)；
// 瞬时存储故障返回 (nil, err)，调用方不应提交位点，留待重投；
// 主记录已更新但历史追加失败时返回 (result, HistoryAuditError)，
// 调用方应按已提交处理，审计缺口单独上报。
func (s *DLQService) Ingest(ctx context.Context, msg domain.DLQMessage) (*IngestResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.IngestDeadLetter", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	if err := msg.Validate(); err != nil {
		span.SetStatus(codes.Error, "malformed dead letter")
		dlqIngestTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}
	span.SetAttributes(
		attribute.String("license.record_key", msg.RecordKey),
		attribute.String("license.owner_id", msg.OwnerID),
	)

	app, err := s.repo.Get(ctx, msg.OwnerID, msg.RecordKey)
	if err != nil {
		if err == domain.ErrNotFound {
			// 申请已被清理或键不对，重试多少次也找不回来
			dlqIngestTotal.WithLabelValues("dropped_gone").Inc()
			logger.Ctx(ctx).Warn().
				Str("record_key", msg.RecordKey).
				Msg("ℹ️ Dead letter references a missing application, dropping.")
			return &IngestResult{Outcome: IngestOutcomeDroppedGone}, nil
		}
		span.RecordError(err)
		return nil, err
	}

	// 幂等守卫：只有仍在等待投递的申请才接受失败记账。
	// 状态已经前移 (重试成功、被取消等) 说明这条死信迟到了。
	if app.Status != domain.StatusAwaitingNotification {
		dlqIngestTotal.WithLabelValues("dropped_state").Inc()
		logger.Ctx(ctx).Info().
			Str("record_key", msg.RecordKey).
			Str("current_status", string(app.Status)).
			Msg("ℹ️ Stale dead letter, application already moved on.")
		return &IngestResult{Outcome: IngestOutcomeDroppedState}, nil
	}

	diag := msg.Diagnostics
	if diag.FailureReason == "" {
		diag.FailureReason = "notification delivery failed"
	}
	failedAt := diag.FailedAt
	if failedAt.IsZero() {
		failedAt = s.now()
	}
	newCount := app.FailureCount + 1

	_, from, err := s.apps.Transition(ctx, msg.OwnerID, msg.RecordKey, domain.StatusFailedNotification,
		WithExtraFields(map[string]interface{}{
			"failureCount":      newCount,
			"lastFailureReason": diag.FailureReason,
			"lastFailedAt":      failedAt,
		}))
	if err != nil {
		span.RecordError(err)
		dlqIngestTotal.WithLabelValues("store_error").Inc()
		return nil, err
	}

	entry := domain.NewHistoryEntry(msg.OwnerID, msg.RecordKey, domain.ActionEmailFailed, domain.SystemActor, s.now()).
		WithStatusChange(from, domain.StatusFailedNotification).
		WithReason(diag.FailureReason).
		WithRetryCount(newCount)
	if details, marshalErr := json.Marshal(diag); marshalErr == nil {
		entry.WithErrorDetails(string(details))
	}
	var historyErr error
	if err := s.apps.RecordHistory(ctx, entry); err != nil {
		// 失败已经记到主记录上，审计缺口以 HistoryAuditError 上抛
		logger.Ctx(ctx).Error().Err(err).
			Str("record_key", msg.RecordKey).
			Msg("🚨 Failure recorded but history append failed.")
		historyErr = &domain.HistoryAuditError{Err: err}
	}

	result := &IngestResult{Outcome: IngestOutcomeRecorded}
	if newCount >= s.policy.MaxRetryCount && s.notifier != nil {
		result.Escalated = s.notifier.Escalate(ctx, EscalationInput{
			OwnerID:      msg.OwnerID,
			RecordKey:    msg.RecordKey,
			FailureCount: newCount,
			Reason:       diag.FailureReason,
		})
	}

	dlqIngestTotal.WithLabelValues("recorded").Inc()
	logger.Ctx(ctx).Info().
		Str("owner_id", msg.OwnerID).
		Str("record_key", msg.RecordKey).
		Int("failure_count", newCount).
		Bool("escalated", result.Escalated).
		Msg(fmt.Sprintf("Delivery failure #%d recorded.", newCount))
	return result, historyErr
}
