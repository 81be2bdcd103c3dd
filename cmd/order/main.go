// 订单服务主程序：下单撤单入口、订单生命周期与订单侧 saga 协调。
// 出站事件全部经发件箱落库，由 outboxbridge 中继到 Kafka。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/internal/order/application"
	ordermysql "github.com/wyfcoding/tradingcore/internal/order/infrastructure/persistence/mysql"
	orderredis "github.com/wyfcoding/tradingcore/internal/order/infrastructure/persistence/redis"
	"github.com/wyfcoding/tradingcore/internal/order/interfaces/consumer"
	orderhttp "github.com/wyfcoding/tradingcore/internal/order/interfaces/http"
	"github.com/wyfcoding/tradingcore/internal/saga"
	"github.com/wyfcoding/tradingcore/pkg/cache"
	"github.com/wyfcoding/tradingcore/pkg/config"
	"github.com/wyfcoding/tradingcore/pkg/db"
	"github.com/wyfcoding/tradingcore/pkg/logging"
	"github.com/wyfcoding/tradingcore/pkg/metrics"
	"github.com/wyfcoding/tradingcore/pkg/middleware"
	"github.com/wyfcoding/tradingcore/pkg/mq"
	"github.com/wyfcoding/tradingcore/pkg/outbox"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var configPath = flag.String("config", "configs/order/config.toml", "config file path")

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
	slog.Info("starting order service", "version", cfg.Version, "environment", cfg.Environment)

	// 3. 指标
	m := metrics.New(cfg.ServiceName)
	if err := m.Register(); err != nil {
		slog.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}
	if cfg.Metrics.Enabled {
		metrics.StartHTTPServer(cfg.Metrics.Port)
	}

	// 4. 数据库、saga 表与发件箱
	database, err := db.Init(cfg.Database)
	if err != nil {
		slog.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	sagaStore := saga.NewStore(database.DB, "order_saga_states")
	outboxMgr := outbox.NewManager(database.DB, "order_outbox_events")

	if cfg.Environment == "dev" {
		if err := ordermysql.AutoMigrate(database.DB); err != nil {
			slog.Error("failed to migrate order tables", "error", err)
		}
		if err := sagaStore.AutoMigrate(); err != nil {
			slog.Error("failed to migrate saga table", "error", err)
		}
		if err := outboxMgr.AutoMigrate(); err != nil {
			slog.Error("failed to migrate outbox table", "error", err)
		}
	}

	// 5. 仓储与参考价。Redis 未启用时跳过限价带校验。
	orderRepo := ordermysql.NewOrderRepository(database.DB)
	fillRepo := ordermysql.NewFillRepository(database.DB)

	var refs application.ReferencePrices
	if cfg.Redis.Enabled {
		redisCache, err := cache.New(cfg.Redis)
		if err != nil {
			slog.Error("failed to init redis, price band check disabled", "error", err)
		} else {
			defer redisCache.Close()
			refs = orderredis.NewReferencePriceStore(redisCache)
		}
	}

	// 6. 应用服务与超时监控
	svc := application.NewService(
		orderRepo, fillRepo, sagaStore, outboxMgr, database, refs,
		cfg.Saga.OrderTimeoutDuration(), cfg.Account.LockTimeoutDuration(), logger.Logger,
	)
	monitor := saga.NewMonitor(sagaStore, cfg.Saga.MonitorIntervalDuration(), svc.OnSagaTimeout, m)

	// 7. Kafka 消费者。单 worker 消费保证分区内顺序。
	producer := mq.NewProducer(&cfg.Kafka)
	defer producer.Close()
	var dlq *mq.DeadLetterQueue
	if cfg.Kafka.DLQTopic != "" {
		dlq = mq.NewDeadLetterQueue(producer, cfg.Kafka.DLQTopic)
	}

	newConsumer := func(topic string) *mq.Consumer {
		kcfg := cfg.Kafka
		kcfg.Topic = topic
		if kcfg.GroupID == "" {
			kcfg.GroupID = "order-service"
		}
		return mq.NewConsumer(&kcfg, dlq)
	}
	tradeConsumer := newConsumer(event.TopicTradeEvents)
	accountConsumer := newConsumer(event.TopicAccountEvents)
	timeoutConsumer := newConsumer(event.TopicSagaTimeoutEvents)

	tradeHandler := consumer.NewTradeEventHandler(svc, logger.Logger)
	accountHandler := consumer.NewAccountEventHandler(svc, logger.Logger)
	timeoutHandler := consumer.NewSagaTimeoutHandler(svc, logger.Logger)

	// 8. HTTP 入口
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Trace(), middleware.Logging())
	orderhttp.NewHandler(svc).RegisterRoutes(r)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": cfg.ServiceName})
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}

	// 9. gRPC 仅暴露健康检查与反射
	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	reflection.Register(grpcServer)

	// 10. 启动
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		slog.Info("http server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		slog.Info("grpc health server starting", "addr", addr)
		return grpcServer.Serve(lis)
	})

	monitor.Start(ctx)
	tradeConsumer.Start(ctx, 1, tradeHandler.Handle)
	accountConsumer.Start(ctx, 1, accountHandler.Handle)
	timeoutConsumer.Start(ctx, 1, timeoutHandler.Handle)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// 11. 优雅关停
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

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		grpcServer.GracefulStop()
		monitor.Stop()
		for _, c := range []*mq.Consumer{tradeConsumer, accountConsumer, timeoutConsumer} {
			_ = c.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("order service exited with error", "error", err)
	}
	slog.Info("order service stopped")
}
