// cmd/license-service/main.go
package main

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"sankey/internal/pkg/bootstrap"
	"sankey/internal/pkg/logger"
	"sankey/internal/pkg/mq"
	"sankey/internal/pkg/zookeeper"
	"sankey/internal/service/license/application"
	"sankey/internal/service/license/domain"
	"sankey/internal/service/license/infrastructure"
	"sankey/internal/service/license/infrastructure/adapter"
	"sankey/internal/service/license/infrastructure/rule"
	"sankey/internal/service/license/interfaces"
	"sankey/internal/service/license/port"
)

const serviceName = "license-service"

// main 是授权服务的组装根：创建并组装所有依赖项，然后启动应用。
// 这个进程同时承担 API、死信摄取和到期扫描三个角色。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	tracer := otel.Tracer(serviceName)

	db, err := gorm.Open(mysql.Open(cfg.Infra.Mysql.DSN), &gorm.Config{})
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to connect to mysql")
	}
	repo := infrastructure.NewGormApplicationRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to migrate schema")
	}

	brokers := cfg.Infra.Kafka.Brokers
	notificationWriter := mq.NewKafkaWriter(brokers, cfg.App.Topics.Notification)
	delayWriters := make(map[string]*kafka.Writer, len(mq.DelayLevels))
	for topic := range mq.DelayLevels {
		delayWriters[topic] = mq.NewKafkaWriter(brokers, topic)
	}
	alertWriter := mq.NewKafkaWriter(brokers, cfg.App.Topics.Alerts)

	queue := adapter.NewNotificationKafkaAdapter(notificationWriter, delayWriters)
	alerts := adapter.NewAlertKafkaAdapter(alertWriter)

	escalationRule, err := rule.NewCelEscalationRule(cfg.App.EscalationRule)
	if err != nil {
		logger.Logger().Fatal().Err(err).Str("rule", cfg.App.EscalationRule).Msg("invalid escalation rule")
	}

	policy := application.Policy{
		RetentionMonths:       domain.ResolveRetentionMonths(cfg.App.TTLMonths),
		MaxRetryCount:         cfg.App.MaxRetryCount,
		RequeueDelay:          time.Duration(cfg.App.RequeueDelaySeconds) * time.Second,
		LicenseValidityMonths: cfg.App.LicenseValidityMonths,
	}
	if cfg.App.MasterKeyB64 != "" {
		if _, err := base64.StdEncoding.DecodeString(cfg.App.MasterKeyB64); err != nil {
			logger.Logger().Fatal().Err(err).Msg("master key is not valid base64")
		}
	}

	var locker port.Locker
	if servers := cfg.Infra.Zookeeper.Servers; len(servers) > 0 {
		zkConn, err := zookeeper.Connect(servers)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		defer zkConn.Close()
		locker = adapter.NewZkLockAdapter(zkConn)
	} else {
		logger.Logger().Warn().Msg("no zookeeper configured, falling back to in-process locking")
		locker = adapter.NewLocalLockAdapter()
	}

	appService := application.NewApplicationService(repo, queue, policy, tracer)
	retryService := application.NewRetryService(appService, repo, queue, locker, policy, tracer)
	notifier := application.NewEscalationNotifier(escalationRule, alerts, policy.MaxRetryCount)
	dlqService := application.NewDLQService(appService, repo, notifier, policy, tracer)

	dlqReader := mq.NewKafkaReader(brokers, cfg.App.Topics.DLT, serviceName+"-dlq-group")
	dlqConsumer := interfaces.NewDLQConsumerAdapter(dlqReader, dlqService)

	handler := interfaces.NewLicenseHandler(appService, retryService)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8080,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		OnStart: func(ctx context.Context, appCtx bootstrap.AppCtx) error {
			if err := dlqConsumer.Start(ctx); err != nil {
				return err
			}
			go runExpirySweeper(ctx, appService)
			return nil
		},
		OnStop: func(ctx context.Context) {
			dlqConsumer.Stop(ctx)
			queue.Close()
			alerts.Close()
		},
	})
}

// runExpirySweeper 周期性把 expiryDate 已过的授权置为 Expired
func runExpirySweeper(ctx context.Context, service *application.ApplicationService) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if expired, err := service.ExpireDueLicenses(ctx); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("🛑 Expiry sweep failed.")
			} else if expired > 0 {
				logger.Ctx(ctx).Info().Int("expired", expired).Msg("Expiry sweep finished.")
			}
		case <-ctx.Done():
			return
		}
	}
}
