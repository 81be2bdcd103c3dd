// Package application 撮合服务的应用层：消费订单事件驱动引擎，
// 成交落库、事件出站与结算观察在同一事务内完成。
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/internal/matching/domain"
	"github.com/wyfcoding/tradingcore/internal/saga"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"github.com/wyfcoding/tradingcore/pkg/logging"
	"github.com/wyfcoding/tradingcore/pkg/outbox"
	"gorm.io/gorm"
)

// TxRunner 事务执行器，由 pkg/db.DB 满足
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// EventPublisher 事务内出站事件发布，由 pkg/outbox.Manager 满足
type EventPublisher interface {
	PublishInTx(ctx context.Context, tx *gorm.DB, msg *outbox.Message) error
}

// SagaStore 撮合 saga 与结算观察的存取，由 internal/saga.Store 满足
type SagaStore interface {
	Create(ctx context.Context, sg *saga.Saga) error
	GetByOrderID(ctx context.Context, phase saga.Phase, orderID string) (*saga.Saga, error)
	GetByTradeID(ctx context.Context, phase saga.Phase, tradeID string) (*saga.Saga, error)
	Advance(ctx context.Context, sg *saga.Saga, next saga.State) error
}

// Service 撮合应用服务
type Service struct {
	engine *domain.Engine
	trades domain.TradeRepository
	sagas  SagaStore
	outbox EventPublisher
	tx     TxRunner

	matchingTimeout time.Duration
	accountTimeout  time.Duration

	logger *slog.Logger
}

// NewService 构造撮合应用服务
func NewService(
	engine *domain.Engine,
	trades domain.TradeRepository,
	sagas SagaStore,
	publisher EventPublisher,
	tx TxRunner,
	matchingTimeout time.Duration,
	accountTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		engine:          engine,
		trades:          trades,
		sagas:           sagas,
		outbox:          publisher,
		tx:              tx,
		matchingTimeout: matchingTimeout,
		accountTimeout:  accountTimeout,
		logger:          logger.With("module", "matching_service"),
	}
}

// HandleOrderCreated 消费订单创建事件：提交撮合并持久化结果。
// 同一订单的重复投递通过 saga 记录与引擎结果槽双重去重。
func (s *Service) HandleOrderCreated(ctx context.Context, evt *event.OrderCreatedEvent) error {
	defer logging.LogDuration(ctx, "order matching handled", "order_id", evt.OrderID, "symbol", evt.Symbol)()

	sg, err := s.sagas.GetByOrderID(ctx, saga.PhaseMatching, evt.OrderID)
	if err != nil {
		return fmt.Errorf("load matching saga: %w", err)
	}
	if sg != nil && sg.State.Terminal() {
		s.logger.Info("duplicate order event ignored", "order_id", evt.OrderID, "state", string(sg.State))
		return nil
	}
	if sg == nil {
		payload, _ := json.Marshal(evt)
		sg = saga.New(saga.PhaseMatching, saga.StateInProgress, evt.OrderID, "", event.TypeOrderCreated, string(payload), s.matchingTimeout)
		if evt.SagaID != "" {
			sg.SagaID = evt.SagaID
		}
		if err := s.sagas.Create(ctx, sg); err != nil {
			return fmt.Errorf("create matching saga: %w", err)
		}
	}

	order := domain.NewOrder(evt.OrderID, evt.UserID, evt.Symbol,
		domain.Side(evt.Side), domain.OrderType(evt.Type), evt.Price, evt.Quantity)
	result, err := s.engine.ProcessOrderWithResult(ctx, order)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateOrder) {
			// 订单已在簿中挂着，说明此前的处理已经完成
			s.logger.Warn("order already resting, completing saga", "order_id", evt.OrderID)
			s.completeSaga(ctx, sg)
			return nil
		}
		return fmt.Errorf("process order %s: %w", evt.OrderID, err)
	}

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		for _, tr := range result.Trades {
			if err := s.trades.Save(txCtx, tr); err != nil {
				return fmt.Errorf("persist trade %s: %w", tr.TradeID, err)
			}
			if err := s.outbox.PublishInTx(txCtx, tx, &outbox.Message{
				EventType:     event.TypeTradeExecuted,
				AggregateType: "trade",
				AggregateID:   tr.TradeID,
				SagaID:        sg.SagaID,
				TradeID:       tr.TradeID,
				Topic:         event.TopicTradeEvents,
				Payload:       tradeExecutedEvent(evt.TraceID, tr),
			}); err != nil {
				return fmt.Errorf("outbox trade %s: %w", tr.TradeID, err)
			}
			// 每笔成交建立结算观察，账户回执超时由监控器触发补偿
			watch := saga.New(saga.PhaseSettlement, saga.StateInProgress,
				evt.OrderID, tr.TradeID, event.TypeTradeExecuted, "", s.accountTimeout)
			if err := s.sagas.Create(txCtx, watch); err != nil {
				return fmt.Errorf("create settlement watch for %s: %w", tr.TradeID, err)
			}
		}
		if len(result.Trades) == 0 && result.Status == domain.StatusCancelled {
			// MARKET 单无对手盘，直接宣告失败
			failed := &event.TradeFailedEvent{
				Meta:     event.NewMeta(evt.TraceID),
				OrderID:  evt.OrderID,
				UserID:   evt.UserID,
				Symbol:   evt.Symbol,
				Reason:   "no liquidity for market order",
				FailedAt: time.Now(),
			}
			if err := s.outbox.PublishInTx(txCtx, tx, &outbox.Message{
				EventType:     event.TypeTradeFailed,
				AggregateType: "order",
				AggregateID:   evt.OrderID,
				SagaID:        sg.SagaID,
				Topic:         event.TopicTradeEvents,
				Payload:       failed,
			}); err != nil {
				return fmt.Errorf("outbox trade failed: %w", err)
			}
		}
		if err := s.sagas.Advance(txCtx, sg, saga.StateCompleted); err != nil {
			if errors.Is(err, saga.ErrVersionConflict) {
				// 超时监控抢先改写，成交照常落库，由订单服务兜底对账
				s.logger.Warn("matching saga advanced concurrently", "order_id", evt.OrderID, "saga_id", sg.SagaID)
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.engine.AckResult(evt.OrderID)
	s.logger.Info("order matched",
		"order_id", evt.OrderID, "symbol", evt.Symbol, "status", result.Status,
		"trades", len(result.Trades), "remaining", result.RemainingQuantity.String())
	return nil
}

func (s *Service) completeSaga(ctx context.Context, sg *saga.Saga) {
	if err := s.sagas.Advance(ctx, sg, saga.StateCompleted); err != nil && !errors.Is(err, saga.ErrVersionConflict) {
		s.logger.Error("advance matching saga failed", "saga_id", sg.SagaID, "error", err)
	}
	s.engine.AckResult(sg.OrderID)
}

// HandleOrderCancelled 消费撤单事件，将订单移出订单簿。
// 订单不在簿中（已成交或从未挂入）时为 no-op。
func (s *Service) HandleOrderCancelled(ctx context.Context, evt *event.OrderCancelledEvent) error {
	removed, err := s.engine.Cancel(ctx, evt.Symbol, evt.OrderID)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", evt.OrderID, err)
	}
	if removed == nil {
		s.logger.Info("cancel found no resting order", "order_id", evt.OrderID, "symbol", evt.Symbol)
		return nil
	}
	s.logger.Info("order removed from book",
		"order_id", evt.OrderID, "symbol", evt.Symbol, "remaining", removed.Remaining.String())
	return nil
}

// HandleAccountUpdated 账户结算成功，关闭对应的结算观察
func (s *Service) HandleAccountUpdated(ctx context.Context, evt *event.AccountUpdatedEvent) error {
	return s.closeSettlementWatch(ctx, evt.TradeID, saga.StateCompleted)
}

// HandleAccountUpdateFailed 账户结算失败，结算观察置为失败终态。
// 补偿事件由订单服务路由，这里只终结观察避免重复超时告警。
func (s *Service) HandleAccountUpdateFailed(ctx context.Context, evt *event.AccountUpdateFailedEvent) error {
	return s.closeSettlementWatch(ctx, evt.TradeID, saga.StateFailed)
}

func (s *Service) closeSettlementWatch(ctx context.Context, tradeID string, final saga.State) error {
	watch, err := s.sagas.GetByTradeID(ctx, saga.PhaseSettlement, tradeID)
	if err != nil {
		return fmt.Errorf("load settlement watch: %w", err)
	}
	if watch == nil {
		s.logger.Warn("settlement receipt without watch", "trade_id", tradeID)
		return nil
	}
	if watch.State.Terminal() {
		return nil
	}
	if err := s.sagas.Advance(ctx, watch, final); err != nil {
		if errors.Is(err, saga.ErrVersionConflict) {
			s.logger.Warn("settlement watch advanced concurrently", "trade_id", tradeID)
			return nil
		}
		return fmt.Errorf("close settlement watch %s: %w", tradeID, err)
	}
	return nil
}

// OnSagaTimeout 超时监控回调，在标记 TIMEOUT 的同一事务内写出超时事件。
// MATCHING 环节超时说明引擎未消化订单，SETTLEMENT 环节超时说明账户服务失联。
func (s *Service) OnSagaTimeout(ctx context.Context, sg *saga.Saga) error {
	tx := contextx.GetTx(ctx)
	failedAt := "Matching"
	if sg.Phase == saga.PhaseSettlement {
		failedAt = "Account"
	}
	timeout := s.matchingTimeout
	if sg.Phase == saga.PhaseSettlement {
		timeout = s.accountTimeout
	}
	evt := &event.SagaTimeoutEvent{
		Meta:           event.NewMeta(""),
		OrderID:        sg.OrderID,
		FailedAt:       failedAt,
		TimeoutSeconds: int(timeout / time.Second),
		Metadata:       map[string]string{"phase": string(sg.Phase)},
	}
	if sg.TradeID != "" {
		evt.Metadata["tradeId"] = sg.TradeID
	}
	return s.outbox.PublishInTx(ctx, tx, &outbox.Message{
		EventType:     event.TypeSagaTimeout,
		AggregateType: "saga",
		AggregateID:   sg.OrderID,
		SagaID:        sg.SagaID,
		TradeID:       sg.TradeID,
		Topic:         event.TopicSagaTimeoutEvents,
		Payload:       evt,
	})
}

// Snapshot 查询订单簿快照
func (s *Service) Snapshot(ctx context.Context, symbol string, depth int) (*domain.BookSnapshot, error) {
	return s.engine.Snapshot(ctx, symbol, depth)
}

// LatestTrades 查询最近成交
func (s *Service) LatestTrades(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.trades.ListBySymbol(ctx, symbol, limit)
}

// EngineStats 引擎运行状态
func (s *Service) EngineStats() *domain.EngineStats {
	return s.engine.Stats()
}

func tradeExecutedEvent(traceID string, tr *domain.Trade) *event.TradeExecutedEvent {
	return &event.TradeExecutedEvent{
		Meta:        event.NewMeta(traceID),
		TradeID:     tr.TradeID,
		Symbol:      tr.Symbol,
		BuyOrderID:  tr.BuyOrderID,
		SellOrderID: tr.SellOrderID,
		BuyUserID:   tr.BuyUserID,
		SellUserID:  tr.SellUserID,
		Price:       tr.Price,
		Quantity:    tr.Quantity,
		Timestamp:   tr.Timestamp,
	}
}
