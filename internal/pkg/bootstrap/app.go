// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sankey/internal/pkg/logger"
	"sankey/internal/pkg/nacos"
	"sankey/internal/pkg/tracing"
)

// AppCtx 传给各服务的注册回调
type AppCtx struct {
	Mux   *http.ServeMux
	Nacos *nacos.Client
}

// AppInfo 包含了启动一个微服务所需的所有特定信息
type AppInfo struct {
	ServiceName string
	Port        int

	// RegisterHandlers 允许每个服务注册自己独特的 HTTP 路由
	RegisterHandlers func(appCtx AppCtx)

	// OnStart 在 HTTP 服务器就绪后调用，用于启动后台消费者等长任务；
	// 传入的 ctx 在进程收到退出信号时取消
	OnStart func(ctx context.Context, appCtx AppCtx) error

	// OnStop 在关停流程中调用，按需释放资源
	OnStop func(ctx context.Context)
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑
func StartService(info AppInfo) {
	logger.Init(info.ServiceName)
	cfg := GetCurrentConfig()

	// Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// Nacos 注册是可选的：单机/测试环境不配地址就跳过
	var nacosClient *nacos.Client
	var ip string
	if addrs := os.Getenv("NACOS_SERVER_ADDRS"); addrs != "" {
		nacosClient, err = nacos.NewClient(addrs, os.Getenv("NACOS_NAMESPACE"), os.Getenv("NACOS_GROUP"))
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		ip, err = outboundIP()
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := nacosClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	mux := http.NewServeMux()
	appCtx := AppCtx{Mux: mux, Nacos: nacosClient}
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(appCtx)
	}

	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}
	go func() {
		logger.Logger().Info().Msgf("%s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger().Fatal().Err(err).Msgf("could not listen on %s", server.Addr)
		}
	}()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if info.OnStart != nil {
		if err := info.OnStart(runCtx, appCtx); err != nil {
			logger.Logger().Fatal().Err(err).Msg("OnStart hook failed")
		}
	}

	// 阻塞主 goroutine，直到接收到退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Logger().Info().Msgf("🛑 Shutting down service %s...", info.ServiceName)

	cancelRun()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 关停按后进先出的顺序清理
	if nacosClient != nil {
		if err := nacosClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.Logger().Error().Err(err).Msg("error deregistering from nacos")
		}
		nacosClient.Close()
	}

	if info.OnStop != nil {
		info.OnStop(ctx)
	}

	if err := tp.Shutdown(ctx); err != nil {
		logger.Logger().Error().Err(err).Msg("error shutting down tracer provider")
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Logger().Error().Err(err).Msg("error shutting down http server")
	}

	logger.Logger().Info().Msgf("✅ Service %s gracefully shut down.", info.ServiceName)
}

// outboundIP 拿到本机对外 IP，用于服务注册
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String(), nil
}
