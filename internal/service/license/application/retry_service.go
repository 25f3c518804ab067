// internal/service/license/application/retry_service.go
package application

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sankey/internal/pkg/logger"
	"sankey/internal/service/license/domain"
	"sankey/internal/service/license/port"
)

// batchRetryPacing 是批量重试时相邻两条之间的间隔，
// 避免瞬间把一批消息全部压进投递队列
const batchRetryPacing = 100 * time.Millisecond

// RetryService 处理投递失败后的人工重试。
// 重试不是独立的状态，而是 FailedNotification -> AwaitingNotification
// 这条边加上一次延迟入队。
type RetryService struct {
	apps   *ApplicationService
	repo   domain.ApplicationRepository
	queue  port.NotificationQueue
	locker port.Locker
	policy Policy
	tracer trace.Tracer

	now func() time.Time
}

// NewRetryService 创建重试服务
func NewRetryService(apps *ApplicationService, repo domain.ApplicationRepository, queue port.NotificationQueue, locker port.Locker, policy Policy, tracer trace.Tracer) *RetryService {
	return &RetryService{
		apps:   apps,
		repo:   repo,
		queue:  queue,
		locker: locker,
		policy: policy,
		tracer: tracer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 替换时间源，只应在测试里使用
func (s *RetryService) WithClock(now func() time.Time) *RetryService {
	s.now = now
	return s
}

// Retry 对一条投递失败的申请发起重试。
// 非强制重试受 maxRetry 封顶；force 跳过封顶检查，但状态前置条件
// (必须处于 FailedNotification) 任何情况下都不放松。
// failureCount 在这里不动：它只记失败事实，重试成功也不清零。
func (s *RetryService) Retry(ctx context.Context, ownerID, recordKey string, force bool, changedBy string) (*domain.Application, error) {
	ctx, span := s.tracer.Start(ctx, "app.RetryNotification")
	defer span.End()
	span.SetAttributes(
		attribute.String("license.record_key", recordKey),
		attribute.Bool("license.retry_forced", force),
	)

	app, err := s.repo.Get(ctx, ownerID, recordKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if app.Status != domain.StatusFailedNotification {
		retryTotal.WithLabelValues("invalid_state").Inc()
		err := &domain.InvalidStateError{
			Operation: "retry notification",
			Current:   app.Status,
			Required:  domain.StatusFailedNotification,
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !force && app.FailureCount >= s.policy.MaxRetryCount {
		retryTotal.WithLabelValues("limit_exceeded").Inc()
		err := &domain.RetryLimitExceededError{Current: app.FailureCount, Limit: s.policy.MaxRetryCount}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	scheduledAt := s.now().Add(s.policy.RequeueDelay)
	attempt := app.FailureCount + 1

	updated, from, err := s.apps.Transition(ctx, ownerID, recordKey, domain.StatusAwaitingNotification,
		WithExtraFields(map[string]interface{}{
			"notificationScheduledAt": scheduledAt,
		}))
	if err != nil {
		retryTotal.WithLabelValues("transition_failed").Inc()
		span.RecordError(err)
		return nil, err
	}

	msg := domain.NotificationMessage{
		RecordKey:  recordKey,
		OwnerID:    ownerID,
		RetryCount: app.FailureCount,
	}
	attrs := map[string]string{
		"retry":     "true",
		"forced":    fmt.Sprintf("%t", force),
		"changedBy": changedBy,
	}
	if err := s.queue.Send(ctx, msg, s.policy.RequeueDelay, attrs); err != nil {
		retryTotal.WithLabelValues("enqueue_failed").Inc()
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).
			Str("record_key", recordKey).
			Msg("🛑 Retry transition committed but requeue failed.")
		return updated, err
	}

	entry := domain.NewHistoryEntry(ownerID, recordKey, domain.ActionRetryNotification, changedBy, s.now()).
		WithStatusChange(from, domain.StatusAwaitingNotification).
		WithRetryCount(attempt).
		WithReason(fmt.Sprintf("notification retry scheduled (attempt %d)", attempt))
	if err := s.apps.RecordHistory(ctx, entry); err != nil {
		return updated, &domain.HistoryAuditError{Err: err}
	}

	retryTotal.WithLabelValues("success").Inc()
	logger.Ctx(ctx).Info().
		Str("owner_id", ownerID).
		Str("record_key", recordKey).
		Int("attempt", attempt).
		Time("scheduled_at", scheduledAt).
		Msg("✅ Notification retry enqueued.")
	return updated, nil
}

// BatchRetryItem 是批量重试里单条申请的处理结果
type BatchRetryItem struct {
	RecordKey string `json:"recordKey"`
	OwnerID   string `json:"ownerId"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// BatchRetryResult 汇总一次批量重试
type BatchRetryResult struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Items     []BatchRetryItem `json:"items"`
}

// BatchRetry 批量重试某 owner (为空则全局) 的失败申请。
// 非强制批次只挑 failureCount 未超限的记录，超限记录不占 limit 名额，
// 留给人工 force 处理。整个批次在分布式锁内串行执行，多实例部署下
// 同一资源同时只有一个执行者；单条失败不中断批次。
func (s *RetryService) BatchRetry(ctx context.Context, ownerID string, limit int, force bool, changedBy string) (*BatchRetryResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.BatchRetryNotifications")
	defer span.End()

	resource := "batch-retry"
	if ownerID != "" {
		resource = "batch-retry-" + ownerID
	}

	result := &BatchRetryResult{}
	err := s.locker.WithLock(resource, func() error {
		var apps []*domain.Application
		var err error
		if ownerID != "" {
			apps, err = s.repo.QueryByStatus(ctx, ownerID, domain.StatusFailedNotification)
		} else {
			apps, err = s.repo.QueryByStatusGlobal(ctx, domain.StatusFailedNotification)
		}
		if err != nil {
			return err
		}
		if !force {
			eligible := apps[:0]
			for _, app := range apps {
				if app.FailureCount < s.policy.MaxRetryCount {
					eligible = append(eligible, app)
				}
			}
			apps = eligible
		}
		if limit > 0 && len(apps) > limit {
			apps = apps[:limit]
		}

		for i, app := range apps {
			if i > 0 {
				time.Sleep(batchRetryPacing)
			}
			item := BatchRetryItem{RecordKey: app.RecordKey, OwnerID: app.OwnerID}
			if _, retryErr := s.Retry(ctx, app.OwnerID, app.RecordKey, force, changedBy); retryErr != nil {
				item.Error = retryErr.Error()
				result.Failed++
			} else {
				item.Succeeded = true
				result.Succeeded++
			}
			result.Items = append(result.Items, item)
		}
		result.Total = len(apps)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("license.batch_total", result.Total),
		attribute.Int("license.batch_succeeded", result.Succeeded),
	)
	logger.Ctx(ctx).Info().
		Str("owner_id", ownerID).
		Int("total", result.Total).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("Batch notification retry finished.")
	return result, nil
}

// FailureStatistics 是失败面板的聚合数字
type FailureStatistics struct {
	TotalFailures     int `json:"totalFailures"`
	RetryableFailures int `json:"retryableFailures"`
	MaxRetryExceeded  int `json:"maxRetryExceeded"`
	RecentFailures    int `json:"recentFailures"` // 最近 24 小时
}

// FailureStats 统计某 owner (为空则全局) 的投递失败情况
func (s *RetryService) FailureStats(ctx context.Context, ownerID string) (*FailureStatistics, error) {
	apps, err := s.listFailed(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	stats := &FailureStatistics{TotalFailures: len(apps)}
	cutoff := s.now().Add(-24 * time.Hour)
	for _, app := range apps {
		if app.FailureCount < s.policy.MaxRetryCount {
			stats.RetryableFailures++
		} else {
			stats.MaxRetryExceeded++
		}
		if app.LastFailedAt != nil && app.LastFailedAt.After(cutoff) {
			stats.RecentFailures++
		}
	}
	return stats, nil
}

// FailureReportItem 是失败报表里的单条申请
type FailureReportItem struct {
	OwnerID           string     `json:"ownerId"`
	RecordKey         string     `json:"recordKey"`
	Target            string     `json:"target"`
	FailureCount      int        `json:"failureCount"`
	LastFailureReason string     `json:"lastFailureReason,omitempty"`
	LastFailedAt      *time.Time `json:"lastFailedAt,omitempty"`
	Retryable         bool       `json:"retryable"`
}

// FailureReport 是给运营排查用的失败明细
type FailureReport struct {
	GeneratedAt         time.Time           `json:"generatedAt"`
	Items               []FailureReportItem `json:"items"`
	AverageFailureCount float64             `json:"averageFailureCount"`
}

// BuildFailureReport 生成失败明细报表
func (s *RetryService) BuildFailureReport(ctx context.Context, ownerID string) (*FailureReport, error) {
	apps, err := s.listFailed(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	report := &FailureReport{GeneratedAt: s.now(), Items: make([]FailureReportItem, 0, len(apps))}
	totalCount := 0
	for _, app := range apps {
		report.Items = append(report.Items, FailureReportItem{
			OwnerID:           app.OwnerID,
			RecordKey:         app.RecordKey,
			Target:            app.Target(),
			FailureCount:      app.FailureCount,
			LastFailureReason: app.LastFailureReason,
			LastFailedAt:      app.LastFailedAt,
			Retryable:         app.FailureCount < s.policy.MaxRetryCount,
		})
		totalCount += app.FailureCount
	}
	if len(apps) > 0 {
		report.AverageFailureCount = float64(totalCount) / float64(len(apps))
	}
	return report, nil
}

func (s *RetryService) listFailed(ctx context.Context, ownerID string) ([]*domain.Application, error) {
	if ownerID != "" {
		return s.repo.QueryByStatus(ctx, ownerID, domain.StatusFailedNotification)
	}
	return s.repo.QueryByStatusGlobal(ctx, domain.StatusFailedNotification)
}
