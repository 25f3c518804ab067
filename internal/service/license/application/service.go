// internal/service/license/application/service.go
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

// Policy 汇总授权流程的运行参数，由启动层从配置构造
type Policy struct {
	RetentionMonths       int
	MaxRetryCount         int
	RequeueDelay          time.Duration
	LicenseValidityMonths int
}

// ApplicationService 编排授权申请的业务流程。
// 所有状态变更都经过 Transition 这一个收口点，
// TTL 规则和迁移图校验因此不可能被绕过。
type ApplicationService struct {
	repo   domain.ApplicationRepository
	queue  port.NotificationQueue
	policy Policy
	tracer trace.Tracer

	now func() time.Time // 测试时可注入
}

// NewApplicationService 创建业务编排服务
func NewApplicationService(repo domain.ApplicationRepository, queue port.NotificationQueue, policy Policy, tracer trace.Tracer) *ApplicationService {
	return &ApplicationService{
		repo:   repo,
		queue:  queue,
		policy: policy,
		tracer: tracer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 替换时间源，只应在测试里使用
func (s *ApplicationService) WithClock(now func() time.Time) *ApplicationService {
	s.now = now
	return s
}

// Create 提交一份新的授权申请。
// 同一 券商/账号/EA 组合已有未终结申请时拒绝，避免重复发授权。
func (s *ApplicationService) Create(ctx context.Context, in domain.NewApplicationInput) (*domain.Application, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateApplication")
	defer span.End()

	if conflict, err := s.repo.FindActiveConflict(ctx, in.Broker, in.AccountNumber, in.EAName); err != nil {
		span.RecordError(err)
		return nil, err
	} else if conflict != nil {
		span.SetStatus(codes.Error, "duplicate active license")
		return nil, domain.ErrDuplicateActiveLicense
	}

	now := s.now()
	app, err := domain.NewApplication(in, now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("license.record_key", app.RecordKey),
		attribute.String("license.owner_id", app.OwnerID),
	)

	if err := s.repo.Put(ctx, app); err != nil {
		span.RecordError(err)
		return nil, err
	}

	entry := domain.NewHistoryEntry(app.OwnerID, app.RecordKey, domain.ActionCreated, app.OwnerID, now).
		WithStatusChange(app.Status, app.Status)
	if err := s.RecordHistory(ctx, entry); err != nil {
		return app, &domain.HistoryAuditError{Err: err}
	}

	logger.Ctx(ctx).Info().
		Str("owner_id", app.OwnerID).
		Str("record_key", app.RecordKey).
		Str("target", app.Target()).
		Msg("✅ License application created.")
	return app, nil
}

// Get 查询单个申请
func (s *ApplicationService) Get(ctx context.Context, ownerID, recordKey string) (*domain.Application, error) {
	return s.repo.Get(ctx, ownerID, recordKey)
}

// QueryByStatus 按状态查询某 owner 的申请
func (s *ApplicationService) QueryByStatus(ctx context.Context, ownerID string, status domain.ApplicationStatus) ([]*domain.Application, error) {
	if !domain.IsKnownStatus(status) {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return s.repo.QueryByStatus(ctx, ownerID, status)
}

// QueryHistory 返回某申请的历史，按时间新到旧
func (s *ApplicationService) QueryHistory(ctx context.Context, ownerID, recordKey string) ([]*domain.HistoryEntry, error) {
	return s.repo.QueryHistory(ctx, ownerID, recordKey)
}

// TransitionOption 调整单次迁移的行为
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	bypassGraph bool
	extras      map[string]interface{}
}

// WithGraphBypass 跳过迁移图校验。这是人工纠错专用的逃生通道，
// 目标状态仍必须是合法枚举值，TTL 规则照常应用。
func WithGraphBypass() TransitionOption {
	return func(o *transitionOptions) { o.bypassGraph = true }
}

// WithExtraFields 在迁移的同一次条件写里合并附加字段
func WithExtraFields(extras map[string]interface{}) TransitionOption {
	return func(o *transitionOptions) { o.extras = extras }
}

// Transition 是所有状态变更的唯一收口点：
// 校验迁移图、合并附加字段、应用 TTL 规则、刷新 updatedAt，
// 最后以旧状态为条件做一次条件写。
// 返回更新后的聚合和迁移前的状态。
func (s *ApplicationService) Transition(ctx context.Context, ownerID, recordKey string, to domain.ApplicationStatus, opts ...TransitionOption) (*domain.Application, domain.ApplicationStatus, error) {
	ctx, span := s.tracer.Start(ctx, "app.Transition")
	defer span.End()

	var options transitionOptions
	for _, opt := range opts {
		opt(&options)
	}

	app, err := s.repo.Get(ctx, ownerID, recordKey)
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}
	from := app.Status
	span.SetAttributes(
		attribute.String("license.record_key", recordKey),
		attribute.String("license.transition", fmt.Sprintf("%s->%s", from, to)),
	)

	if !domain.IsKnownStatus(to) {
		err := fmt.Errorf("unknown target status %q", to)
		span.RecordError(err)
		return nil, from, err
	}
	if !options.bypassGraph && !domain.IsValidTransition(from, to) {
		err := &domain.InvalidTransitionError{From: from, To: to}
		span.SetStatus(codes.Error, err.Error())
		return nil, from, err
	}

	for field, value := range options.extras {
		app.ApplyExtraField(field, value)
	}

	now := s.now()
	domain.ApplyTTLPolicy(app, from, to, now, s.policy.RetentionMonths)
	app.Status = to
	app.UpdatedAt = now

	if err := s.repo.Update(ctx, app, from); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conditional write failed")
		return nil, from, err
	}

	transitionTotal.WithLabelValues(string(from), string(to)).Inc()
	logger.Ctx(ctx).Info().
		Str("owner_id", ownerID).
		Str("record_key", recordKey).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("License application status changed.")
	return app, from, nil
}

// RecordHistory 计算条目自身的 TTL 并追加到审计流
func (s *ApplicationService) RecordHistory(ctx context.Context, entry *domain.HistoryEntry) error {
	entry.TTL = domain.HistoryTTL(entry.NewStatus, s.now(), s.policy.RetentionMonths)
	return s.repo.AppendHistory(ctx, entry)
}

// transitionAndRecord 执行迁移并记录历史。
// 迁移成功但历史写入失败时返回 HistoryAuditError，聚合不回滚。
// 目标是终态时把新 TTL 同步到该申请已有的全部历史条目。
func (s *ApplicationService) transitionAndRecord(ctx context.Context, ownerID, recordKey string, to domain.ApplicationStatus, action domain.HistoryAction, changedBy, reason string, opts ...TransitionOption) (*domain.Application, error) {
	app, from, err := s.Transition(ctx, ownerID, recordKey, to, opts...)
	if err != nil {
		return nil, err
	}

	entry := domain.NewHistoryEntry(ownerID, recordKey, action, changedBy, s.now()).
		WithStatusChange(from, to)
	if reason != "" {
		entry.WithReason(reason)
	}
	if err := s.RecordHistory(ctx, entry); err != nil {
		return app, &domain.HistoryAuditError{Err: err}
	}

	if domain.IsTerminal(to) && app.TTL != nil {
		s.syncHistoryTTL(ctx, ownerID, recordKey, *app.TTL)
	}
	return app, nil
}

// syncHistoryTTL 把主记录的 TTL 扇出到全部历史条目。
// 尽力而为：单条失败只记日志，不影响已完成的迁移，
// 漏掉的条目最多晚一个保留期被清理。
func (s *ApplicationService) syncHistoryTTL(ctx context.Context, ownerID, recordKey string, ttl int64) {
	entries, err := s.repo.QueryHistory(ctx, ownerID, recordKey)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("record_key", recordKey).
			Msg("🚨 Failed to list history entries for TTL sync.")
		return
	}
	for _, entry := range entries {
		if err := s.repo.UpdateHistoryEntryTTL(ctx, ownerID, entry.SortKey, ttl); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("sort_key", entry.SortKey).
				Msg("🚨 Failed to sync TTL onto history entry.")
		}
	}
}

// Approve 管理员批准申请 (Pending -> Approve)
func (s *ApplicationService) Approve(ctx context.Context, ownerID, recordKey, adminID string) (*domain.Application, error) {
	return s.transitionAndRecord(ctx, ownerID, recordKey, domain.StatusApprove, domain.ActionUpdated, adminID, "application approved")
}

// EnqueueNotification 把已批准的申请推进到 AwaitingNotification
// 并向投递队列发送通知消息。先落状态再发消息：发送失败时
// 状态停留在 AwaitingNotification，由重试通道兜底。
func (s *ApplicationService) EnqueueNotification(ctx context.Context, ownerID, recordKey, changedBy string) (*domain.Application, error) {
	ctx, span := s.tracer.Start(ctx, "app.EnqueueNotification")
	defer span.End()

	app, err := s.transitionAndRecord(ctx, ownerID, recordKey, domain.StatusAwaitingNotification, domain.ActionUpdated, changedBy, "notification enqueued")
	if err != nil {
		return nil, err
	}

	msg := domain.NotificationMessage{RecordKey: recordKey, OwnerID: ownerID}
	if err := s.queue.Send(ctx, msg, 0, nil); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).
			Str("record_key", recordKey).
			Msg("🛑 Failed to enqueue notification message.")
		return app, err
	}
	return app, nil
}

// ActivateWithLicense 在授权码生成且邮件发出后把申请推进到 Active。
// licenseKey 和 expiryDate 随状态在同一次条件写里落库。
func (s *ApplicationService) ActivateWithLicense(ctx context.Context, ownerID, recordKey, licenseKey string, expiryDate time.Time, changedBy string) (*domain.Application, error) {
	return s.transitionAndRecord(ctx, ownerID, recordKey, domain.StatusActive,
		domain.HistoryAction(domain.StatusActive), changedBy, "license activated",
		WithExtraFields(map[string]interface{}{
			"licenseKey": licenseKey,
			"expiryDate": expiryDate,
		}))
}

// Cancel 取消申请 (进入终态 Cancelled)
func (s *ApplicationService) Cancel(ctx context.Context, ownerID, recordKey, changedBy, reason string) (*domain.Application, error) {
	if reason == "" {
		reason = "application cancelled"
	}
	return s.transitionAndRecord(ctx, ownerID, recordKey, domain.StatusCancelled, domain.ActionUpdated, changedBy, reason)
}

// Reject 驳回申请 (进入终态 Rejected)
func (s *ApplicationService) Reject(ctx context.Context, ownerID, recordKey, adminID, reason string) (*domain.Application, error) {
	if reason == "" {
		reason = "application rejected"
	}
	return s.transitionAndRecord(ctx, ownerID, recordKey, domain.StatusRejected, domain.ActionUpdated, adminID, reason)
}

// Revoke 吊销已生效的授权 (进入终态 Revoked)
func (s *ApplicationService) Revoke(ctx context.Context, ownerID, recordKey, adminID, reason string) (*domain.Application, error) {
	if reason == "" {
		reason = "license revoked"
	}
	return s.transitionAndRecord(ctx, ownerID, recordKey, domain.StatusRevoked, domain.ActionUpdated, adminID, reason)
}

// Expire 由系统把到期的授权置为 Expired
func (s *ApplicationService) Expire(ctx context.Context, ownerID, recordKey string) (*domain.Application, error) {
	return s.transitionAndRecord(ctx, ownerID, recordKey, domain.StatusExpired, domain.ActionSystemExpired, domain.SystemActor, "license expired")
}

// ExpireDueLicenses 扫描全部 Active 申请，把 expiryDate 已过的置为 Expired。
// 逐条串行处理，单条失败不影响其余。返回成功过期的数量。
func (s *ApplicationService) ExpireDueLicenses(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "app.ExpireDueLicenses")
	defer span.End()

	apps, err := s.repo.QueryByStatusGlobal(ctx, domain.StatusActive)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	now := s.now()
	expired := 0
	for _, app := range apps {
		if app.ExpiryDate == nil || app.ExpiryDate.After(now) {
			continue
		}
		if _, err := s.Expire(ctx, app.OwnerID, app.RecordKey); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("record_key", app.RecordKey).
				Msg("🚨 Failed to expire due license, will retry on next sweep.")
			continue
		}
		expired++
	}
	span.SetAttributes(attribute.Int("license.expired_count", expired))
	return expired, nil
}

// AdminCorrectStatus 人工纠错：绕过迁移图把申请改到任意合法状态。
// TTL 规则仍然生效，终态照常打 TTL，离开终态照常清 TTL。
func (s *ApplicationService) AdminCorrectStatus(ctx context.Context, ownerID, recordKey string, to domain.ApplicationStatus, adminID, reason string) (*domain.Application, error) {
	if reason == "" {
		reason = "manual status correction"
	}
	return s.transitionAndRecord(ctx, ownerID, recordKey, to, domain.ActionAdminAction, adminID, reason, WithGraphBypass())
}
