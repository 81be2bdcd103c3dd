// 账户服务主程序：资金与持仓引擎，预留、结算、释放与回滚。
// 消费 order.events 做预留释放，消费 trade.events 做结算与冲正。
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
	"github.com/wyfcoding/tradingcore/internal/account/application"
	accountmysql "github.com/wyfcoding/tradingcore/internal/account/infrastructure/persistence/mysql"
	"github.com/wyfcoding/tradingcore/internal/account/interfaces/consumer"
	accounthttp "github.com/wyfcoding/tradingcore/internal/account/interfaces/http"
	"github.com/wyfcoding/tradingcore/internal/event"
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

var configPath = flag.String("config", "configs/account/config.toml", "config file path")

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
	slog.Info("starting account service", "version", cfg.Version, "environment", cfg.Environment)

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

	sagaStore := saga.NewStore(database.DB, "account_saga_states")
	outboxMgr := outbox.NewManager(database.DB, "account_outbox_events")

	if cfg.Environment == "dev" {
		if err := accountmysql.AutoMigrate(database.DB); err != nil {
			slog.Error("failed to migrate account tables", "error", err)
		}
		if err := sagaStore.AutoMigrate(); err != nil {
			slog.Error("failed to migrate saga table", "error", err)
		}
		if err := outboxMgr.AutoMigrate(); err != nil {
			slog.Error("failed to migrate outbox table", "error", err)
		}
	}

	// 5. 仓储与判重缓存。Redis 不可用时结算退化为仅查库判重。
	accounts := accountmysql.NewAccountRepository(database.DB)
	holdings := accountmysql.NewHoldingRepository(database.DB)
	reservations := accountmysql.NewReservationRepository(database.DB)
	txnlogs := accountmysql.NewTransactionLogRepository(database.DB)

	var processed application.ProcessedCache
	if cfg.Redis.Enabled {
		redisCache, err := cache.New(cfg.Redis)
		if err != nil {
			slog.Error("failed to init redis, dedup falls back to db", "error", err)
		} else {
			defer redisCache.Close()
			processed = redisCache
		}
	}

	// 6. 应用服务与超时监控
	svc := application.NewService(
		accounts, holdings, reservations, txnlogs, sagaStore, outboxMgr, database, processed,
		cfg.Account.LockTimeoutDuration(), cfg.Saga.AccountTimeoutDuration(), logger.Logger,
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
			kcfg.GroupID = "account-service"
		}
		return mq.NewConsumer(&kcfg, dlq)
	}
	orderConsumer := newConsumer(event.TopicOrderEvents)
	tradeConsumer := newConsumer(event.TopicTradeEvents)

	orderHandler := consumer.NewOrderEventHandler(svc, logger.Logger)
	tradeHandler := consumer.NewTradeEventHandler(svc, logger.Logger)

	// 8. HTTP 入口：入金、发股与账务查询
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Trace(), middleware.Logging())
	accounthttp.NewHandler(svc).RegisterRoutes(r)
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
	orderConsumer.Start(ctx, 1, orderHandler.Handle)
	tradeConsumer.Start(ctx, 1, tradeHandler.Handle)
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
		for _, c := range []*mq.Consumer{orderConsumer, tradeConsumer} {
			_ = c.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("account service exited with error", "error", err)
	}
	slog.Info("account service stopped")
}
