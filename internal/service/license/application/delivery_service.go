// internal/service/license/application/delivery_service.go
package application

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sankey/internal/pkg/logger"
	"sankey/internal/pkg/sankey"
	"sankey/internal/service/license/domain"
	"sankey/internal/service/license/port"
)

// DeliveryService 消费投递消息：生成授权码、发送邮件、激活申请。
// 任一步失败都返回错误，由消费适配器转发死信；
// 死信摄取再把失败记回申请，形成重试闭环。
type DeliveryService struct {
	apps      *ApplicationService
	repo      domain.ApplicationRepository
	mailer    port.Mailer
	masterKey []byte
	policy    Policy
	tracer    trace.Tracer

	now func() time.Time
}

// NewDeliveryService 创建投递服务
func NewDeliveryService(apps *ApplicationService, repo domain.ApplicationRepository, mailer port.Mailer, masterKey []byte, policy Policy, tracer trace.Tracer) *DeliveryService {
	return &DeliveryService{
		apps:      apps,
		repo:      repo,
		mailer:    mailer,
		masterKey: masterKey,
		policy:    policy,
		tracer:    tracer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 替换时间源，只应在测试里使用
func (s *DeliveryService) WithClock(now func() time.Time) *DeliveryService {
	s.now = now
	return s
}

// Deliver 处理一条投递消息。
// 返回 nil 表示消息已消化 (成功投递或确认是迟到消息该丢弃)，
// 返回错误表示这次投递失败，调用方应将消息转入死信通道。
func (s *DeliveryService) Deliver(ctx context.Context, msg domain.NotificationMessage) error {
	ctx, span := s.tracer.Start(ctx, "app.DeliverNotification", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	if err := msg.Validate(); err != nil {
		span.SetStatus(codes.Error, "malformed notification message")
		return err
	}
	span.SetAttributes(
		attribute.String("license.record_key", msg.RecordKey),
		attribute.Int("license.retry_count", msg.RetryCount),
	)

	app, err := s.repo.Get(ctx, msg.OwnerID, msg.RecordKey)
	if err != nil {
		if err == domain.ErrNotFound {
			logger.Ctx(ctx).Warn().
				Str("record_key", msg.RecordKey).
				Msg("ℹ️ Notification references a missing application, dropping.")
			return nil
		}
		span.RecordError(err)
		return err
	}
	if app.Status != domain.StatusAwaitingNotification {
		logger.Ctx(ctx).Info().
			Str("record_key", msg.RecordKey).
			Str("current_status", string(app.Status)).
			Msg("ℹ️ Stale notification message, application already moved on.")
		return nil
	}

	now := s.now()
	expiry := domain.AddCalendarMonths(now, s.policy.LicenseValidityMonths)
	licenseKey, err := sankey.Encode(s.masterKey, app.AccountNumber, map[string]interface{}{
		"broker":              app.Broker,
		"account":             app.AccountNumber,
		"ea":                  app.EAName,
		"owner":               app.OwnerID,
		sankey.ExpiryField:    expiry.Format(time.RFC3339),
		"issuedAt":            now.Format(time.RFC3339),
		"notificationAttempt": msg.RetryCount,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "license encoding failed")
		return err
	}

	genEntry := domain.NewHistoryEntry(app.OwnerID, app.RecordKey, domain.ActionLicenseGenerated, domain.SystemActor, s.now()).
		WithReason("license key generated")
	if err := s.apps.RecordHistory(ctx, genEntry); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("record_key", app.RecordKey).
			Msg("🚨 Failed to record license generation history.")
	}

	if err := s.mailer.SendLicenseMail(ctx, app, licenseKey, expiry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "license mail delivery failed")
		logger.Ctx(ctx).Error().Err(err).
			Str("record_key", app.RecordKey).
			Str("email", app.Email).
			Msg("🛑 License mail delivery failed.")
		return err
	}

	sentEntry := domain.NewHistoryEntry(app.OwnerID, app.RecordKey, domain.ActionEmailSent, domain.SystemActor, s.now()).
		WithReason("license mail delivered")
	if err := s.apps.RecordHistory(ctx, sentEntry); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("record_key", app.RecordKey).
			Msg("🚨 Failed to record mail delivery history.")
	}

	if _, err := s.apps.ActivateWithLicense(ctx, app.OwnerID, app.RecordKey, licenseKey, expiry, domain.SystemActor); err != nil {
		span.RecordError(err)
		return err
	}

	logger.Ctx(ctx).Info().
		Str("owner_id", app.OwnerID).
		Str("record_key", app.RecordKey).
		Time("license_expiry", expiry).
		Msg("✅ License delivered and activated.")
	return nil
}
