package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/internal/matching/domain"
	"github.com/wyfcoding/tradingcore/internal/saga"
	"github.com/wyfcoding/tradingcore/pkg/outbox"
	"gorm.io/gorm"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// snapshotter 快照并返回恢复闭包，memTx 用它模拟事务回滚
type snapshotter interface {
	snapshot() func()
}

type memTrades struct {
	m         map[string]*domain.Trade
	failNext  error
	lastLimit int
}

func newMemTrades() *memTrades { return &memTrades{m: map[string]*domain.Trade{}} }

func (s *memTrades) Save(_ context.Context, tr *domain.Trade) error {
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	if _, ok := s.m[tr.TradeID]; ok {
		return fmt.Errorf("duplicate trade %s", tr.TradeID)
	}
	s.m[tr.TradeID] = tr
	return nil
}
func (s *memTrades) GetByTradeID(_ context.Context, tradeID string) (*domain.Trade, error) {
	return s.m[tradeID], nil
}
func (s *memTrades) ListBySymbol(_ context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	s.lastLimit = limit
	var out []*domain.Trade
	for _, tr := range s.m {
		if tr.Symbol == symbol && len(out) < limit {
			out = append(out, tr)
		}
	}
	return out, nil
}
func (s *memTrades) ListByOrderID(_ context.Context, orderID string) ([]*domain.Trade, error) {
	var out []*domain.Trade
	for _, tr := range s.m {
		if tr.BuyOrderID == orderID || tr.SellOrderID == orderID {
			out = append(out, tr)
		}
	}
	return out, nil
}
func (s *memTrades) snapshot() func() {
	saved := make(map[string]domain.Trade, len(s.m))
	for k, v := range s.m {
		saved[k] = *v
	}
	return func() {
		s.m = make(map[string]*domain.Trade, len(saved))
		for k, v := range saved {
			vv := v
			s.m[k] = &vv
		}
	}
}

// memSagas 用切片模拟 saga 表：结算观察同一订单可有多行，map 会互相覆盖
type memSagas struct{ rows []*saga.Saga }

func (s *memSagas) Create(_ context.Context, sg *saga.Saga) error {
	for _, r := range s.rows {
		if r.SagaID == sg.SagaID {
			return fmt.Errorf("duplicate saga %s", sg.SagaID)
		}
	}
	s.rows = append(s.rows, sg)
	return nil
}
func (s *memSagas) GetByOrderID(_ context.Context, phase saga.Phase, orderID string) (*saga.Saga, error) {
	for _, r := range s.rows {
		if r.Phase == phase && r.OrderID == orderID {
			return r, nil
		}
	}
	return nil, nil
}
func (s *memSagas) GetByTradeID(_ context.Context, phase saga.Phase, tradeID string) (*saga.Saga, error) {
	for _, r := range s.rows {
		if r.Phase == phase && r.TradeID == tradeID {
			return r, nil
		}
	}
	return nil, nil
}
func (s *memSagas) Advance(_ context.Context, sg *saga.Saga, next saga.State) error {
	for _, r := range s.rows {
		if r.SagaID == sg.SagaID {
			if r.Version != sg.Version {
				return saga.ErrVersionConflict
			}
			if err := sg.TransitionTo(next); err != nil {
				return err
			}
			sg.Version++
			*r = *sg
			return nil
		}
	}
	return fmt.Errorf("saga %s not found", sg.SagaID)
}
func (s *memSagas) snapshot() func() {
	saved := make([]saga.Saga, len(s.rows))
	for i, r := range s.rows {
		saved[i] = *r
	}
	return func() {
		s.rows = make([]*saga.Saga, len(saved))
		for i := range saved {
			v := saved[i]
			s.rows[i] = &v
		}
	}
}

type memPublisher struct{ msgs []*outbox.Message }

func (p *memPublisher) PublishInTx(_ context.Context, _ *gorm.DB, msg *outbox.Message) error {
	p.msgs = append(p.msgs, msg)
	return nil
}
func (p *memPublisher) byType(eventType string) []*outbox.Message {
	var out []*outbox.Message
	for _, m := range p.msgs {
		if m.EventType == eventType {
			out = append(out, m)
		}
	}
	return out
}
func (p *memPublisher) snapshot() func() {
	n := len(p.msgs)
	return func() { p.msgs = p.msgs[:n] }
}

type memTx struct{ snaps []snapshotter }

func (t *memTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	restores := make([]func(), len(t.snaps))
	for i, s := range t.snaps {
		restores[i] = s.snapshot()
	}
	if err := fn(nil); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}

type fixture struct {
	engine *domain.Engine
	trades *memTrades
	sagas  *memSagas
	pub    *memPublisher
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine := domain.NewEngine(domain.Config{
		Workers:         1,
		OrderQueueSize:  64,
		CancelQueueSize: 16,
		HighWaterMark:   48,
		IdlePoll:        time.Millisecond,
		RetryMaxTries:   3,
		DrainTimeout:    2 * time.Second,
	}, nil)
	engine.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	f := &fixture{
		engine: engine,
		trades: newMemTrades(),
		sagas:  &memSagas{},
		pub:    &memPublisher{},
	}
	tx := &memTx{snaps: []snapshotter{f.trades, f.sagas, f.pub}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewService(engine, f.trades, f.sagas, f.pub, tx, 10*time.Second, 5*time.Second, logger)
	return f
}

func (f *fixture) matchingSaga(orderID string) *saga.Saga {
	sg, _ := f.sagas.GetByOrderID(context.Background(), saga.PhaseMatching, orderID)
	return sg
}

func (f *fixture) settlementWatch(tradeID string) *saga.Saga {
	sg, _ := f.sagas.GetByTradeID(context.Background(), saga.PhaseSettlement, tradeID)
	return sg
}

func (f *fixture) singleTrade(t *testing.T) *domain.Trade {
	t.Helper()
	if len(f.trades.m) != 1 {
		t.Fatalf("trades = %d, want 1", len(f.trades.m))
	}
	for _, tr := range f.trades.m {
		return tr
	}
	return nil
}

func orderCreated(orderID, userID, side, typ, price, qty string) *event.OrderCreatedEvent {
	return &event.OrderCreatedEvent{
		Meta:      event.NewMeta("trace-" + orderID),
		OrderID:   orderID,
		UserID:    userID,
		Symbol:    "AAPL",
		Side:      side,
		Type:      typ,
		Price:     dec(price),
		Quantity:  dec(qty),
		CreatedAt: time.Now(),
	}
}

func TestOrderCreatedRestsThenMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleOrderCreated(ctx, orderCreated("S-1", "bob", "SELL", "LIMIT", "100.00", "5")); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sg := f.matchingSaga("S-1"); sg == nil || sg.State != saga.StateCompleted {
		t.Fatalf("sell saga = %+v, want COMPLETED", sg)
	}
	if len(f.trades.m) != 0 {
		t.Fatal("resting order must not produce trades")
	}

	buy := orderCreated("B-1", "alice", "BUY", "LIMIT", "100.00", "5")
	buy.SagaID = "SAGA-UPSTREAM-B1"
	if err := f.svc.HandleOrderCreated(ctx, buy); err != nil {
		t.Fatalf("buy: %v", err)
	}

	tr := f.singleTrade(t)
	if tr.BuyOrderID != "B-1" || tr.SellOrderID != "S-1" || tr.BuyUserID != "alice" || tr.SellUserID != "bob" {
		t.Fatalf("trade parties %+v", tr)
	}
	if !tr.Price.Equal(dec("100.00")) || !tr.Quantity.Equal(dec("5")) {
		t.Fatalf("trade terms: price=%s qty=%s", tr.Price, tr.Quantity)
	}

	msgs := f.pub.byType(event.TypeTradeExecuted)
	if len(msgs) != 1 {
		t.Fatalf("TradeExecuted messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Topic != event.TopicTradeEvents || msg.AggregateID != tr.TradeID || msg.TradeID != tr.TradeID {
		t.Fatalf("outbox message topic=%s aggregate=%s trade=%s", msg.Topic, msg.AggregateID, msg.TradeID)
	}
	// 撮合 saga 沿用订单服务带来的全局 saga ID
	if msg.SagaID != "SAGA-UPSTREAM-B1" {
		t.Fatalf("message saga id = %s", msg.SagaID)
	}
	payload, ok := msg.Payload.(*event.TradeExecutedEvent)
	if !ok {
		t.Fatalf("payload type %T", msg.Payload)
	}
	if payload.TradeID != tr.TradeID || payload.Symbol != "AAPL" || !payload.Quantity.Equal(dec("5")) {
		t.Fatalf("event payload %+v", payload)
	}

	watch := f.settlementWatch(tr.TradeID)
	if watch == nil || watch.State != saga.StateInProgress {
		t.Fatalf("settlement watch = %+v, want IN_PROGRESS", watch)
	}
	if watch.OrderID != "B-1" {
		t.Fatalf("watch order = %s, want taker B-1", watch.OrderID)
	}
	if sg := f.matchingSaga("B-1"); sg.State != saga.StateCompleted || sg.SagaID != "SAGA-UPSTREAM-B1" {
		t.Fatalf("buy saga state=%s id=%s", sg.State, sg.SagaID)
	}
}

func TestOrderCreatedDuplicateDeliveryIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	evt := orderCreated("S-1", "bob", "SELL", "LIMIT", "100.00", "5")

	if err := f.svc.HandleOrderCreated(ctx, evt); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.HandleOrderCreated(ctx, evt); err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}

	snap, err := f.svc.Snapshot(ctx, "AAPL", 10)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Orders != 1 {
		t.Fatal("order must be in the book exactly once")
	}
	if len(f.pub.msgs) != 0 || len(f.trades.m) != 0 {
		t.Fatal("duplicate delivery must not publish or trade")
	}
}

// 上一次处理在推进 saga 前崩溃：订单已挂簿，saga 记录缺失。
// 重投递要能识别已挂单并把 saga 补到终态。
func TestOrderAlreadyRestingCompletesSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := domain.NewOrder("S-1", "bob", "AAPL", domain.SideSell, domain.TypeLimit, dec("100.00"), dec("5"))
	if _, err := f.engine.ProcessOrderWithResult(ctx, o); err != nil {
		t.Fatalf("seed book: %v", err)
	}
	f.engine.AckResult("S-1")

	if err := f.svc.HandleOrderCreated(ctx, orderCreated("S-1", "bob", "SELL", "LIMIT", "100.00", "5")); err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}
	sg := f.matchingSaga("S-1")
	if sg == nil || sg.State != saga.StateCompleted {
		t.Fatalf("saga = %+v, want COMPLETED", sg)
	}
	if len(f.trades.m) != 0 {
		t.Fatal("resting duplicate must not trade")
	}
}

func TestMarketOrderNoLiquidityPublishesTradeFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleOrderCreated(ctx, orderCreated("M-1", "alice", "BUY", "MARKET", "0", "5")); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	msgs := f.pub.byType(event.TypeTradeFailed)
	if len(msgs) != 1 {
		t.Fatalf("TradeFailed messages = %d, want 1", len(msgs))
	}
	if msgs[0].Topic != event.TopicTradeEvents || msgs[0].AggregateID != "M-1" {
		t.Fatalf("message topic=%s aggregate=%s", msgs[0].Topic, msgs[0].AggregateID)
	}
	evt := msgs[0].Payload.(*event.TradeFailedEvent)
	if evt.OrderID != "M-1" || evt.UserID != "alice" || evt.Reason != "no liquidity for market order" {
		t.Fatalf("event payload %+v", evt)
	}
	if sg := f.matchingSaga("M-1"); sg == nil || sg.State != saga.StateCompleted {
		t.Fatal("saga must complete even without liquidity")
	}
	if len(f.trades.m) != 0 {
		t.Fatal("no trades expected")
	}
}

func TestEachTradeGetsSettlementWatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleOrderCreated(ctx, orderCreated("S-1", "bob", "SELL", "LIMIT", "100.00", "2")); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.HandleOrderCreated(ctx, orderCreated("S-2", "carol", "SELL", "LIMIT", "101.00", "3")); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.HandleOrderCreated(ctx, orderCreated("B-1", "alice", "BUY", "LIMIT", "101.00", "5")); err != nil {
		t.Fatal(err)
	}

	if len(f.trades.m) != 2 {
		t.Fatalf("trades = %d, want 2", len(f.trades.m))
	}
	if got := len(f.pub.byType(event.TypeTradeExecuted)); got != 2 {
		t.Fatalf("TradeExecuted messages = %d, want 2", got)
	}
	for tradeID := range f.trades.m {
		watch := f.settlementWatch(tradeID)
		if watch == nil || watch.State != saga.StateInProgress {
			t.Fatalf("trade %s missing its settlement watch", tradeID)
		}
	}

	snap, err := f.svc.Snapshot(ctx, "AAPL", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Asks) != 0 {
		t.Fatal("both resting sells must be consumed")
	}
}

func TestOrderCancelledRemovesRestingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.HandleOrderCreated(ctx, orderCreated("S-1", "bob", "SELL", "LIMIT", "100.00", "5")); err != nil {
		t.Fatal(err)
	}
	evt := &event.OrderCancelledEvent{
		Meta: event.NewMeta(""), OrderID: "S-1", UserID: "bob", Symbol: "AAPL",
		Reason: "user cancelled", CancelledAt: time.Now(),
	}
	if err := f.svc.HandleOrderCancelled(ctx, evt); err != nil {
		t.Fatalf("HandleOrderCancelled: %v", err)
	}

	snap, err := f.svc.Snapshot(ctx, "AAPL", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Asks) != 0 {
		t.Fatal("book should be empty after cancel")
	}

	// 已撤或已成交的订单再撤是 no-op
	if err := f.svc.HandleOrderCancelled(ctx, evt); err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
}

func TestAccountReceiptsCloseSettlementWatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.HandleOrderCreated(ctx, orderCreated("S-1", "bob", "SELL", "LIMIT", "100.00", "5")); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.HandleOrderCreated(ctx, orderCreated("B-1", "alice", "BUY", "LIMIT", "100.00", "5")); err != nil {
		t.Fatal(err)
	}
	tr := f.singleTrade(t)

	receipt := &event.AccountUpdatedEvent{Meta: event.NewMeta(""), TradeID: tr.TradeID, OrderID: "B-1"}
	if err := f.svc.HandleAccountUpdated(ctx, receipt); err != nil {
		t.Fatalf("HandleAccountUpdated: %v", err)
	}
	if watch := f.settlementWatch(tr.TradeID); watch.State != saga.StateCompleted {
		t.Fatalf("watch state = %s, want COMPLETED", watch.State)
	}

	// 重复回执是 no-op
	if err := f.svc.HandleAccountUpdated(ctx, receipt); err != nil {
		t.Fatalf("duplicate receipt errored: %v", err)
	}

	// 没有对应观察的回执只告警，不中断消费
	orphan := &event.AccountUpdatedEvent{Meta: event.NewMeta(""), TradeID: "TRD-unknown"}
	if err := f.svc.HandleAccountUpdated(ctx, orphan); err != nil {
		t.Fatalf("orphan receipt errored: %v", err)
	}
}

func TestAccountFailureClosesWatchAsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.HandleOrderCreated(ctx, orderCreated("S-1", "bob", "SELL", "LIMIT", "100.00", "5")); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.HandleOrderCreated(ctx, orderCreated("B-1", "alice", "BUY", "LIMIT", "100.00", "5")); err != nil {
		t.Fatal(err)
	}
	tr := f.singleTrade(t)

	evt := &event.AccountUpdateFailedEvent{
		Meta: event.NewMeta(""), TradeID: tr.TradeID, OrderID: "B-1",
		Reason: "user alice: available 0 < required 500", FailureType: "INSUFFICIENT_BALANCE",
	}
	if err := f.svc.HandleAccountUpdateFailed(ctx, evt); err != nil {
		t.Fatalf("HandleAccountUpdateFailed: %v", err)
	}
	if watch := f.settlementWatch(tr.TradeID); watch.State != saga.StateFailed {
		t.Fatalf("watch state = %s, want FAILED", watch.State)
	}
}

// 成交落库失败时事务整体回滚，结果槽保留；
// 消息重投后续接同一撮合结果补齐持久化。
func TestTradePersistFailureRecoversOnRedelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.HandleOrderCreated(ctx, orderCreated("S-1", "bob", "SELL", "LIMIT", "100.00", "5")); err != nil {
		t.Fatal(err)
	}

	f.trades.failNext = errors.New("db gone away")
	buy := orderCreated("B-1", "alice", "BUY", "LIMIT", "100.00", "5")
	if err := f.svc.HandleOrderCreated(ctx, buy); err == nil {
		t.Fatal("persist failure must surface for redelivery")
	}
	if len(f.trades.m) != 0 || len(f.pub.byType(event.TypeTradeExecuted)) != 0 {
		t.Fatal("failed transaction must leave no partial state")
	}
	sg := f.matchingSaga("B-1")
	if sg == nil || sg.State != saga.StateInProgress {
		t.Fatalf("saga = %+v, want IN_PROGRESS kept for retry", sg)
	}

	if err := f.svc.HandleOrderCreated(ctx, buy); err != nil {
		t.Fatalf("redelivery errored: %v", err)
	}
	tr := f.singleTrade(t)
	if len(f.pub.byType(event.TypeTradeExecuted)) != 1 {
		t.Fatal("redelivery must publish exactly once")
	}
	if watch := f.settlementWatch(tr.TradeID); watch == nil {
		t.Fatal("settlement watch missing after redelivery")
	}
	if got := f.matchingSaga("B-1").State; got != saga.StateCompleted {
		t.Fatalf("saga state = %s, want COMPLETED", got)
	}
}

func TestOnSagaTimeoutEmitsEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("matching phase", func(t *testing.T) {
		sg := saga.New(saga.PhaseMatching, saga.StateInProgress, "ORD-X", "", event.TypeOrderCreated, "", time.Second)
		if err := f.svc.OnSagaTimeout(ctx, sg); err != nil {
			t.Fatalf("OnSagaTimeout: %v", err)
		}
		msgs := f.pub.byType(event.TypeSagaTimeout)
		if len(msgs) != 1 {
			t.Fatalf("SagaTimeout messages = %d, want 1", len(msgs))
		}
		if msgs[0].Topic != event.TopicSagaTimeoutEvents || msgs[0].SagaID != sg.SagaID {
			t.Fatalf("message topic=%s saga=%s", msgs[0].Topic, msgs[0].SagaID)
		}
		evt := msgs[0].Payload.(*event.SagaTimeoutEvent)
		if evt.FailedAt != "Matching" || evt.TimeoutSeconds != 10 {
			t.Fatalf("event %+v", evt)
		}
		if _, ok := evt.Metadata["tradeId"]; ok {
			t.Fatal("matching timeout must not carry a trade id")
		}
	})

	t.Run("settlement phase", func(t *testing.T) {
		sg := saga.New(saga.PhaseSettlement, saga.StateInProgress, "ORD-X", "TRD-9", event.TypeTradeExecuted, "", time.Second)
		if err := f.svc.OnSagaTimeout(ctx, sg); err != nil {
			t.Fatalf("OnSagaTimeout: %v", err)
		}
		msgs := f.pub.byType(event.TypeSagaTimeout)
		last := msgs[len(msgs)-1]
		if last.TradeID != "TRD-9" {
			t.Fatalf("message trade id = %s", last.TradeID)
		}
		evt := last.Payload.(*event.SagaTimeoutEvent)
		if evt.FailedAt != "Account" || evt.TimeoutSeconds != 5 {
			t.Fatalf("event %+v", evt)
		}
		if evt.Metadata["tradeId"] != "TRD-9" || evt.Metadata["phase"] != "SETTLEMENT" {
			t.Fatalf("metadata %+v", evt.Metadata)
		}
	})
}

func TestLatestTradesClampsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, limit := range []int{0, -3, 501, 10000} {
		if _, err := f.svc.LatestTrades(ctx, "AAPL", limit); err != nil {
			t.Fatal(err)
		}
		if f.trades.lastLimit != 50 {
			t.Fatalf("limit %d passed through as %d, want clamped to 50", limit, f.trades.lastLimit)
		}
	}
	if _, err := f.svc.LatestTrades(ctx, "AAPL", 7); err != nil {
		t.Fatal(err)
	}
	if f.trades.lastLimit != 7 {
		t.Fatalf("limit = %d, want 7", f.trades.lastLimit)
	}
}
