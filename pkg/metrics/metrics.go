// Package metrics 提供 Prometheus helper，覆盖撮合、消费、outbox 与 saga 的核心指标
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/tradingcore/pkg/logging"
)

// Metrics 指标集合
type Metrics struct {
	// 提交到撮合引擎的订单计数
	OrdersSubmitted prometheus.Counter
	// 被背压/熔断/队列满拒绝的订单计数
	OrdersRejected prometheus.Counter
	// 撤单请求计数
	CancelsSubmitted prometheus.Counter
	// 成交计数
	TradesTotal prometheus.Counter
	// 各 worker 订单队列深度
	OrderQueueDepth *prometheus.GaugeVec
	// 各 worker 熔断器状态：0 关闭 1 半开 2 打开
	BreakerState *prometheus.GaugeVec
	// 消费的事件计数（按主题）
	EventsConsumed *prometheus.CounterVec
	// 消费失败计数（按主题）
	EventsFailed *prometheus.CounterVec
	// outbox 成功发布计数
	OutboxPublished prometheus.Counter
	// outbox 发布失败计数
	OutboxFailed prometheus.Counter
	// saga 超时计数
	SagaTimeouts prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_submitted_total",
			Help:      "Total orders submitted to the matching engine",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "orders_rejected_total",
			Help:      "Total orders rejected by backpressure, breaker or full queue",
		}),
		CancelsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "cancels_submitted_total",
			Help:      "Total cancel requests submitted",
		}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "trades_total",
			Help:      "Total trades executed",
		}),
		OrderQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "order_queue_depth",
			Help:      "Pending orders per matching worker",
		}, []string{"worker"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per matching worker (0 closed, 1 half-open, 2 open)",
		}, []string{"worker"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "events_consumed_total",
			Help:      "Total events consumed",
		}, []string{"topic"}),
		EventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "events_failed_total",
			Help:      "Total events whose handling failed",
		}, []string{"topic"}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "outbox_published_total",
			Help:      "Total outbox records published to Kafka",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "outbox_failed_total",
			Help:      "Total outbox records whose publish failed",
		}),
		SagaTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trading",
			Subsystem: serviceName,
			Name:      "saga_timeouts_total",
			Help:      "Total saga records marked TIMEOUT",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.OrdersSubmitted,
		m.OrdersRejected,
		m.CancelsSubmitted,
		m.TradesTotal,
		m.OrderQueueDepth,
		m.BreakerState,
		m.EventsConsumed,
		m.EventsFailed,
		m.OutboxPublished,
		m.OutboxFailed,
		m.SagaTimeouts,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logging.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}
	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logging.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logging.Error(context.Background(), "Failed to start Prometheus HTTP server", "error", err)
		}
	}()
}
