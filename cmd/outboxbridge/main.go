// 发件箱中继主程序：轮询各服务的发件箱表，把 PENDING 记录按
// 事件类型路由、按 symbol 分区键发布到 Kafka。CDC 接入时换用
// bridge.Dispatch 作为行回调即可，发布路径完全一致。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/wyfcoding/tradingcore/internal/bridge"
	"github.com/wyfcoding/tradingcore/pkg/config"
	"github.com/wyfcoding/tradingcore/pkg/db"
	"github.com/wyfcoding/tradingcore/pkg/logging"
	"github.com/wyfcoding/tradingcore/pkg/metrics"
	"github.com/wyfcoding/tradingcore/pkg/mq"
	"github.com/wyfcoding/tradingcore/pkg/outbox"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var configPath = flag.String("config", "configs/outboxbridge/config.toml", "config file path")

func main() {
	flag.Parse()

	// 1. 配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. 日志
	logger := logging.NewFromConfig(&logging.Config{
		Service:    cfg.ServiceName,
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
	})
	slog.SetDefault(logger.Logger)
	slog.Info("starting outbox bridge", "version", cfg.Version, "environment", cfg.Environment)

	// 3. 指标
	m := metrics.New(cfg.ServiceName)
	if err := m.Register(); err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}
	if cfg.Metrics.Enabled {
		metrics.StartHTTPServer(cfg.Metrics.Port)
	}

	// 4. 数据库
	database, err := db.Init(cfg.Database)
	if err != nil {
		slog.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if len(cfg.Outbox.Tables) == 0 {
		slog.Error("no outbox tables configured")
		os.Exit(1)
	}

	// 5. 发布端。所有表共用一条发布路径与同一个生产者。
	producer := mq.NewProducer(&cfg.Kafka)
	defer producer.Close()
	relay := bridge.New(producer, logger.Logger)

	// 6. 每张发件箱表一个轮询中继
	processors := make([]*outbox.Processor, 0, len(cfg.Outbox.Tables))
	for _, table := range cfg.Outbox.Tables {
		mgr := outbox.NewManager(database.DB, table)
		if cfg.Environment == "dev" {
			if err := mgr.AutoMigrate(); err != nil {
				slog.Error("failed to migrate outbox table", "table", table, "error", err)
			}
		}
		proc := outbox.NewProcessor(mgr, relay.Pusher(), cfg.Outbox.BatchSize, cfg.Outbox.PollIntervalDuration())
		processors = append(processors, proc)
		slog.Info("outbox relay configured", "table", table,
			"batch", cfg.Outbox.BatchSize, "interval", cfg.Outbox.PollIntervalDuration())
	}

	// 7. gRPC 仅暴露健康检查与反射
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	// 8. 启动
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		slog.Info("grpc health server starting", "addr", addr)
		return grpcServer.Serve(lis)
	})

	for _, proc := range processors {
		proc.Start()
	}
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// 9. 优雅关停：停轮询后在途批次完成才返回
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-quit:
			slog.Info("shutdown signal received")
		case <-ctx.Done():
			slog.Info("context cancelled, shutting down")
		}
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		for _, proc := range processors {
			proc.Stop()
		}
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("outbox bridge exited with error", "error", err)
	}
	slog.Info("outbox bridge stopped")
}
