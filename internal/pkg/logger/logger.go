// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base zerolog.Logger

func init() {
	// 进程启动即可用，Init 之前的日志不带 service 字段
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init 用服务名初始化全局 logger
func Init(serviceName string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}

// Logger 返回全局 logger
func Logger() *zerolog.Logger {
	return &base
}

// Ctx 返回绑定了追踪上下文的 logger。
// 上下文里有合法 Span 时自动附加 trace_id / span_id，方便日志与链路互查。
func Ctx(ctx context.Context) *zerolog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return &base
	}
	l := base.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
	return &l
}
