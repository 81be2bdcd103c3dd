package saga

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/tradingcore/pkg/logging"
	"github.com/wyfcoding/tradingcore/pkg/metrics"
)

// TimeoutHandler 在 saga 被标记为 TIMEOUT 的同一事务内执行，
// 通常向 outbox 写入 SagaTimeoutEvent 及该环节对应的失败事件。
// ctx 携带事务，可直接交给 outbox.Manager.PublishInTx 使用。
type TimeoutHandler func(ctx context.Context, sg *Saga) error

// TimeoutStore 监控器依赖的存储面，由 Store 满足
type TimeoutStore interface {
	Table() string
	FindExpired(ctx context.Context, now time.Time, limit int) ([]Saga, error)
	Advance(ctx context.Context, sg *Saga, next State) error
	InTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

// Monitor 周期扫描过期的 saga 并触发超时处理
type Monitor struct {
	store    TimeoutStore
	interval time.Duration
	batch    int
	handler  TimeoutHandler
	metrics  *metrics.Metrics

	stop chan struct{}
	done chan struct{}
}

// NewMonitor 创建超时监控器。interval<=0 时默认 2s，m 可为 nil。
func NewMonitor(store TimeoutStore, interval time.Duration, handler TimeoutHandler, m *metrics.Metrics) *Monitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Monitor{
		store:    store,
		interval: interval,
		batch:    100,
		handler:  handler,
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动后台扫描循环
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop 停止扫描并等待当前一轮结束
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				logging.Info(ctx, "saga timeout sweep finished", "count", n, "table", m.store.Table())
			}
		}
	}
}

// Sweep 执行一轮超时扫描，返回成功标记为 TIMEOUT 的条数。
// 标记与超时事件写入在同一事务中提交。
func (m *Monitor) Sweep(ctx context.Context) int {
	expired, err := m.store.FindExpired(ctx, time.Now(), m.batch)
	if err != nil {
		logging.Error(ctx, "find expired sagas failed", "table", m.store.Table(), "error", err)
		return 0
	}
	marked := 0
	for i := range expired {
		sg := &expired[i]
		err := m.store.InTx(ctx, func(txCtx context.Context) error {
			if err := m.store.Advance(txCtx, sg, StateTimeout); err != nil {
				return err
			}
			if m.handler != nil {
				return m.handler(txCtx, sg)
			}
			return nil
		})
		if errors.Is(err, ErrVersionConflict) {
			// 正常完成路径或其他节点抢先更新了这条记录
			continue
		}
		if err != nil {
			logging.Error(ctx, "mark saga timeout failed",
				"saga_id", sg.SagaID, "phase", sg.Phase, "order_id", sg.OrderID, "error", err)
			continue
		}
		marked++
		if m.metrics != nil {
			m.metrics.SagaTimeouts.Inc()
		}
		logging.Warn(ctx, "saga timed out",
			"saga_id", sg.SagaID, "phase", sg.Phase, "order_id", sg.OrderID,
			"trade_id", sg.TradeID, "event_type", sg.EventType)
	}
	return marked
}
