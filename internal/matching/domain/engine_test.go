package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testConfig() Config {
	return Config{
		Workers:         2,
		OrderQueueSize:  64,
		CancelQueueSize: 16,
		HighWaterMark:   48,
		IdlePoll:        time.Millisecond,
		RetryMaxTries:   3,
		DrainTimeout:    2 * time.Second,
	}
}

func startEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := NewEngine(cfg, nil)
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func TestProcessOrderWithResultMatches(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	sell := limit("S-1", "seller", SideSell, "100", "5")
	res, err := e.ProcessOrderWithResult(ctx, sell)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if res.Status != StatusResting {
		t.Fatalf("sell status = %s, want %s", res.Status, StatusResting)
	}
	e.AckResult("S-1")

	buy := limit("B-1", "buyer", SideBuy, "100", "5")
	res, err = e.ProcessOrderWithResult(ctx, buy)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Status != StatusFilled || len(res.Trades) != 1 {
		t.Fatalf("buy result = %s with %d trades, want FILLED with 1", res.Status, len(res.Trades))
	}
	e.AckResult("B-1")

	stats := e.Stats()
	if stats.TradesExecuted != 1 {
		t.Fatalf("trades executed = %d, want 1", stats.TradesExecuted)
	}
	if stats.OrdersSubmitted != 2 {
		t.Fatalf("orders submitted = %d, want 2", stats.OrdersSubmitted)
	}
}

func TestProcessOrderWithResultReattaches(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	order := limit("O-1", "u1", SideBuy, "100", "5")
	first, err := e.ProcessOrderWithResult(ctx, order)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	// 重复投递：未 Ack 前再次调用同一订单，必须续接结果而不是重新撮合
	dup := limit("O-1", "u1", SideBuy, "100", "5")
	second, err := e.ProcessOrderWithResult(ctx, dup)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second != first {
		t.Fatal("second call should return the same result slot")
	}

	snap, err := e.Snapshot(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Orders != 1 {
		t.Fatal("order must be in the book exactly once")
	}
	e.AckResult("O-1")
}

func TestSnapshotGoesThroughWorkerQueue(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	for _, o := range []*Order{
		limit("B-1", "u1", SideBuy, "99", "2"),
		limit("B-2", "u2", SideBuy, "100", "3"),
		limit("S-1", "u3", SideSell, "101", "4"),
	} {
		if _, err := e.ProcessOrderWithResult(ctx, o); err != nil {
			t.Fatalf("submit %s: %v", o.OrderID, err)
		}
		e.AckResult(o.OrderID)
	}

	snap, err := e.Snapshot(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Bids) != 2 || len(snap.Asks) != 1 {
		t.Fatalf("snapshot levels = %d/%d, want 2/1", len(snap.Bids), len(snap.Asks))
	}
	if !snap.Bids[0].Price.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("best bid = %s, want 100", snap.Bids[0].Price)
	}

	empty, err := e.Snapshot(ctx, "UNKNOWN", 10)
	if err != nil {
		t.Fatalf("snapshot unknown symbol: %v", err)
	}
	if len(empty.Bids) != 0 || len(empty.Asks) != 0 {
		t.Fatal("unknown symbol should return an empty snapshot")
	}
}

func TestSyncCancel(t *testing.T) {
	e := startEngine(t, testConfig())
	ctx := context.Background()

	if _, err := e.ProcessOrderWithResult(ctx, limit("O-1", "u1", SideBuy, "100", "5")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.AckResult("O-1")

	removed, err := e.Cancel(ctx, "AAPL", "O-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if removed == nil || removed.OrderID != "O-1" {
		t.Fatal("cancel should return the removed order")
	}

	// 二次撤单是 no-op
	removed, err = e.Cancel(ctx, "AAPL", "O-1")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if removed != nil {
		t.Fatal("second cancel should find nothing")
	}

	snap, err := e.Snapshot(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Bids) != 0 {
		t.Fatal("book should be empty after cancel")
	}
}

func TestBackpressureRejectsAtHighWaterMark(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.OrderQueueSize = 8
	cfg.HighWaterMark = 2
	cfg.RetryMaxTries = 1

	// 不启动 worker，队列无消费方，直接验证提交侧的高水位拒绝
	e := NewEngine(cfg, nil)
	e.running.Store(true)

	if err := e.Submit(limit("O-1", "u1", SideBuy, "100", "1")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := e.Submit(limit("O-2", "u1", SideBuy, "100", "1")); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	err := e.Submit(limit("O-3", "u1", SideBuy, "100", "1"))
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("err = %v, want ErrBackpressure", err)
	}
	if e.Stats().OrdersRejected != 1 {
		t.Fatalf("rejected = %d, want 1", e.Stats().OrdersRejected)
	}
}

func TestSubmitValidation(t *testing.T) {
	e := startEngine(t, testConfig())

	cases := []struct {
		name  string
		order *Order
	}{
		{"empty id", NewOrder("", "u1", "AAPL", SideBuy, TypeLimit, dec("100"), dec("1"))},
		{"zero quantity", NewOrder("O-1", "u1", "AAPL", SideBuy, TypeLimit, dec("100"), decimal.Zero)},
		{"limit without price", NewOrder("O-2", "u1", "AAPL", SideBuy, TypeLimit, decimal.Zero, dec("1"))},
		{"bad side", NewOrder("O-3", "u1", "AAPL", "HOLD", TypeLimit, dec("100"), dec("1"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := e.Submit(tc.order); !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("err = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

func TestDuplicateRestingDoesNotTripBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 2
	e := startEngine(t, cfg)
	ctx := context.Background()

	if _, err := e.ProcessOrderWithResult(ctx, limit("O-1", "u1", SideBuy, "100", "5")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.AckResult("O-1")

	// 连续的重复挂单是业务拒绝，不应累计熔断失败
	for i := 0; i < 3; i++ {
		dup := limit("O-1", "u1", SideBuy, "100", "5")
		_, err := e.ProcessOrderWithResult(ctx, dup)
		if !errors.Is(err, ErrDuplicateOrder) {
			t.Fatalf("round %d: err = %v, want ErrDuplicateOrder", i, err)
		}
		e.AckResult("O-1")
	}

	res, err := e.ProcessOrderWithResult(ctx, limit("O-2", "u2", SideSell, "100", "5"))
	if err != nil {
		t.Fatalf("engine should still accept orders: %v", err)
	}
	if res.Status != StatusFilled {
		t.Fatalf("status = %s, want %s", res.Status, StatusFilled)
	}
	e.AckResult("O-2")
}

func TestShutdownDrainsQueuedOrders(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	e := NewEngine(cfg, nil)
	e.Start()

	if err := e.Submit(limit("S-1", "u1", SideSell, "100", "5")); err != nil {
		t.Fatalf("submit sell: %v", err)
	}
	if err := e.Submit(limit("B-1", "u2", SideBuy, "100", "5")); err != nil {
		t.Fatalf("submit buy: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := e.Stats().TradesExecuted; got != 1 {
		t.Fatalf("trades executed = %d, want 1 (queued orders must drain)", got)
	}

	if err := e.Submit(limit("B-2", "u3", SideBuy, "100", "1")); !errors.Is(err, ErrEngineStopped) {
		t.Fatalf("err = %v, want ErrEngineStopped", err)
	}
}

func TestSameSymbolAlwaysSameWorker(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	w := e.workerFor("AAPL")
	for i := 0; i < 10; i++ {
		if e.workerFor("AAPL") != w {
			t.Fatal("symbol must always map to the same worker")
		}
	}
}

func TestQueuedCancelBeatsQueuedOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	e := NewEngine(cfg, nil)

	// 卖单先入簿，再在启动前依次排队对手买单与该卖单的撤单
	w := e.workerFor("AAPL")
	w.handleOrder(limit("S-1", "u1", SideSell, "100", "5"))

	e.running.Store(true)
	if err := e.Submit(limit("B-1", "u2", SideBuy, "100", "5")); err != nil {
		t.Fatalf("submit buy: %v", err)
	}
	if err := e.SubmitCancel("AAPL", "S-1"); err != nil {
		t.Fatalf("submit cancel: %v", err)
	}

	// worker 每轮先排空撤单队列：后到的撤单仍先于排队中的买单生效
	e.running.Store(false)
	e.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if got := e.Stats().TradesExecuted; got != 0 {
		t.Fatalf("trades executed = %d, want 0", got)
	}
	book := w.books["AAPL"]
	if book.Contains("S-1") {
		t.Fatal("cancelled sell still in the book")
	}
	if !book.Contains("B-1") {
		t.Fatal("queued buy lost; it should rest after the cancel")
	}
}
