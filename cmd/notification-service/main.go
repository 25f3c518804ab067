// cmd/notification-service/main.go
package main

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"sankey/internal/pkg/bootstrap"
	"sankey/internal/pkg/httpclient"
	"sankey/internal/pkg/logger"
	"sankey/internal/pkg/mq"
	"sankey/internal/service/license/application"
	"sankey/internal/service/license/domain"
	"sankey/internal/service/license/infrastructure"
	"sankey/internal/service/license/infrastructure/adapter"
	"sankey/internal/service/license/interfaces"
)

const serviceName = "notification-service"

// main 是投递服务的组装根。
// 它消费投递主题，生成授权码、发送邮件并激活申请；
// 失败的消息转发死信主题，由授权服务的死信链路记账。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()
	tracer := otel.Tracer(serviceName)

	db, err := gorm.Open(mysql.Open(cfg.Infra.Mysql.DSN), &gorm.Config{})
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to connect to mysql")
	}
	repo := infrastructure.NewGormApplicationRepository(db)

	masterKey, err := base64.StdEncoding.DecodeString(cfg.App.MasterKeyB64)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("master key is not valid base64")
	}

	brokers := cfg.Infra.Kafka.Brokers
	notificationWriter := mq.NewKafkaWriter(brokers, cfg.App.Topics.Notification)
	dltWriter := mq.NewKafkaWriter(brokers, cfg.App.Topics.DLT)
	queue := adapter.NewNotificationKafkaAdapter(notificationWriter, nil)
	mailer := adapter.NewMailerHTTPAdapter(httpclient.NewClient(tracer), cfg.App.MailEndpoint)

	policy := application.Policy{
		RetentionMonths:       domain.ResolveRetentionMonths(cfg.App.TTLMonths),
		MaxRetryCount:         cfg.App.MaxRetryCount,
		RequeueDelay:          time.Duration(cfg.App.RequeueDelaySeconds) * time.Second,
		LicenseValidityMonths: cfg.App.LicenseValidityMonths,
	}

	appService := application.NewApplicationService(repo, queue, policy, tracer)
	deliveryService := application.NewDeliveryService(appService, repo, mailer, masterKey, policy, tracer)

	reader := mq.NewKafkaReader(brokers, cfg.App.Topics.Notification, serviceName+"-group")
	consumer := interfaces.NewNotificationConsumerAdapter(reader, dltWriter, deliveryService)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        8082,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
			appCtx.Mux.Handle("/metrics", promhttp.Handler())
		},
		OnStart: func(ctx context.Context, appCtx bootstrap.AppCtx) error {
			return consumer.Start(ctx)
		},
		OnStop: func(ctx context.Context) {
			consumer.Stop(ctx)
			queue.Close()
			dltWriter.Close()
		},
	})
}
