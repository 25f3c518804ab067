// cmd/delay-scheduler/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"sankey/internal/pkg/bootstrap"
	"sankey/internal/pkg/logger"
	"sankey/internal/pkg/mq"
	"sankey/internal/pkg/tracing"
)

const (
	serviceName  = "delay-scheduler"
	pollInterval = 1 * time.Second
)

var tracer = otel.Tracer(serviceName)

// Scheduler 负责单个延迟级别的轮询搬运。
// 延迟主题内消息按进入时间有序，队头未到期则后面一定也未到期，
// 所以每次 tick 只需要检查到第一条未到期的消息为止。
type Scheduler struct {
	level       string
	delay       time.Duration
	kafkaReader *kafka.Reader

	// 按真实主题缓存 writer，避免每条消息都新建连接
	kafkaWriters map[string]*kafka.Writer
	writerLock   sync.Mutex
	brokers      []string
}

// NewScheduler 创建一个针对特定延迟级别的新调度器
func NewScheduler(brokers []string, level string, delay time.Duration) *Scheduler {
	return &Scheduler{
		level:        level,
		delay:        delay,
		kafkaReader:  mq.NewKafkaReader(brokers, level, serviceName+"-group-"+level),
		kafkaWriters: make(map[string]*kafka.Writer),
		brokers:      brokers,
	}
}

// Run 启动定时轮询，ctx 取消后返回
func (s *Scheduler) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().
		Str("level", s.level).
		Dur("delay", s.delay).
		Msg("✅ Polling scheduler started.")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	defer s.kafkaReader.Close()
	defer s.closeWriters()

	for {
		select {
		case <-ticker.C:
			s.checkAndPublish(ctx)
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Str("level", s.level).Msg("🛑 Polling scheduler shutting down.")
			return nil
		}
	}
}

// checkAndPublish 搬运本 tick 内全部到期的消息
func (s *Scheduler) checkAndPublish(parentCtx context.Context) {
	for {
		// FetchMessage 不自动提交位点，投递成功后才提交
		msg, err := s.kafkaReader.FetchMessage(parentCtx)
		if err != nil {
			// 没有新消息或上下文取消，等待下一次 tick
			return
		}

		spanCtx := mq.ExtractTraceContext(parentCtx, msg.Headers)
		ctx, span := tracer.Start(spanCtx, "scheduler.CheckAndPublish", trace.WithAttributes(
			attribute.String("delay.level", s.level),
		))

		deliveryTime := msg.Time.Add(s.delay)
		if time.Now().UTC().Before(deliveryTime) {
			// 队头未到期，本 tick 结束
			span.AddEvent("HeadMessageNotDue")
			span.End()
			return
		}

		realTopic := mq.GetHeader(msg.Headers, mq.HeaderRealTopic)
		if realTopic == "" {
			// 缺 real-topic 的消息无处可投，提交掉避免死循环
			logger.Ctx(ctx).Error().
				Str("level", s.level).
				Msg("🚨 Delay message missing real-topic header, skipping.")
			s.kafkaReader.CommitMessages(ctx, msg)
			span.End()
			continue
		}

		if err := s.publish(ctx, realTopic, msg); err != nil {
			// 投递失败不提交位点，下次轮询重试
			logger.Ctx(ctx).Error().Err(err).
				Str("real_topic", realTopic).
				Msg("🛑 Failed to publish due message.")
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to publish to real topic")
			span.End()
			return
		}

		if err := s.kafkaReader.CommitMessages(ctx, msg); err != nil {
			logger.Ctx(ctx).Error().Err(err).
				Str("level", s.level).
				Msg("🛑 Failed to commit offset after publish.")
			span.RecordError(err)
			span.End()
			return
		}
		span.AddEvent("MessagePublishedAndCommitted", trace.WithAttributes(attribute.String("real.topic", realTopic)))
		span.End()
	}
}

// publish 把到期消息搬运到真实业务主题，剥掉调度专用的消息头
func (s *Scheduler) publish(ctx context.Context, realTopic string, msg kafka.Message) error {
	s.writerLock.Lock()
	writer, exists := s.kafkaWriters[realTopic]
	if !exists {
		writer = mq.NewKafkaWriter(s.brokers, realTopic)
		s.kafkaWriters[realTopic] = writer
	}
	s.writerLock.Unlock()

	publishMsg := kafka.Message{Key: msg.Key, Value: msg.Value}
	for _, h := range msg.Headers {
		if h.Key == mq.HeaderRealTopic {
			continue
		}
		publishMsg.Headers = append(publishMsg.Headers, h)
	}
	mq.InjectTraceContext(ctx, &publishMsg.Headers)
	return writer.WriteMessages(ctx, publishMsg)
}

func (s *Scheduler) closeWriters() {
	s.writerLock.Lock()
	defer s.writerLock.Unlock()
	for topic, writer := range s.kafkaWriters {
		if err := writer.Close(); err != nil {
			logger.Logger().Error().Err(err).Str("topic", topic).Msg("failed to close writer")
		}
	}
}

func main() {
	logger.Init(serviceName)
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	tp, err := tracing.InitTracerProvider(serviceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	defer tp.Shutdown(context.Background())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 每个延迟级别一个独立的调度器
	g, gctx := errgroup.WithContext(ctx)
	for level, delay := range mq.DelayLevels {
		scheduler := NewScheduler(cfg.Infra.Kafka.Brokers, level, delay)
		g.Go(func() error { return scheduler.Run(gctx) })
	}

	logger.Logger().Info().Int("levels", len(mq.DelayLevels)).Msg("All polling schedulers are running.")
	if err := g.Wait(); err != nil {
		logger.Logger().Error().Err(err).Msg("scheduler exited with error")
		os.Exit(1)
	}
}
