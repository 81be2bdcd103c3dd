package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/internal/order/domain"
	"github.com/wyfcoding/tradingcore/internal/saga"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"github.com/wyfcoding/tradingcore/pkg/outbox"
	"gorm.io/gorm"
)

// HandleTradeExecuted 消费成交事件：记一笔待结算成交并推进两腿订单状态。
// 成交与撤单竞速时订单可能已终态，成交照记不误，后续由账户回执或回滚收口。
func (s *Service) HandleTradeExecuted(ctx context.Context, evt *event.TradeExecutedEvent) error {
	existing, err := s.fills.GetByTradeID(ctx, evt.TradeID)
	if err != nil {
		return err
	}
	if existing != nil {
		s.logger.Info("duplicate trade event ignored", "trade_id", evt.TradeID)
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	err = s.tx.WithTx(tctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(tctx, tx)
		locked, err := s.lockOrders(txCtx, evt.BuyOrderID, evt.SellOrderID)
		if err != nil {
			return err
		}
		// 判重在拿到行锁之后，并发投递的后到方在此处看到先到方的成交
		dup, err := s.fills.GetByTradeID(txCtx, evt.TradeID)
		if err != nil {
			return err
		}
		if dup != nil {
			return nil
		}
		fill := domain.NewFill(evt.TradeID, evt.Symbol, evt.BuyOrderID, evt.SellOrderID, evt.Price, evt.Quantity)
		if err := s.fills.Save(txCtx, fill); err != nil {
			if domain.IsDuplicateKey(err) {
				return nil
			}
			return fmt.Errorf("persist fill %s: %w", evt.TradeID, err)
		}
		for _, legID := range []string{evt.BuyOrderID, evt.SellOrderID} {
			o := locked[legID]
			if o == nil {
				s.logger.Warn("trade references unknown order", "trade_id", evt.TradeID, "order_id", legID)
				continue
			}
			if err := o.ApplyFill(evt.Quantity); err != nil {
				s.logger.Warn("fill not applied", "order_id", legID, "status", string(o.Status), "error", err)
				continue
			}
			if err := s.orders.Update(txCtx, o); err != nil {
				return err
			}
			if err := s.markSagaInProgress(txCtx, legID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.refs != nil {
		// 参考价回写是尽力而为，失败不影响成交记账
		if err := s.refs.Record(ctx, evt.Symbol, evt.Price); err != nil {
			s.logger.Warn("record reference price failed", "symbol", evt.Symbol, "error", err)
		}
	}
	s.logger.Info("trade recorded",
		"trade_id", evt.TradeID, "symbol", evt.Symbol,
		"buy_order_id", evt.BuyOrderID, "sell_order_id", evt.SellOrderID,
		"price", evt.Price.String(), "quantity", evt.Quantity.String())
	return nil
}

// HandleAccountUpdated 账户结算完成：成交置 SETTLED，
// 全部成交且全部结算的订单进入 COMPLETED，订单 saga 随之完结。
func (s *Service) HandleAccountUpdated(ctx context.Context, evt *event.AccountUpdatedEvent) error {
	fill, err := s.fills.GetByTradeID(ctx, evt.TradeID)
	if err != nil {
		return err
	}
	if fill == nil {
		// 跨主题乱序：结算回执先于成交事件到达，等待重投
		return fmt.Errorf("fill for trade %s not visible yet", evt.TradeID)
	}
	if fill.Status == domain.FillSettled {
		s.logger.Info("duplicate settlement receipt ignored", "trade_id", evt.TradeID)
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	err = s.tx.WithTx(tctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(tctx, tx)
		// 锁序恒为订单行在前、成交行在后，与其余写路径一致
		locked, err := s.lockOrders(txCtx, fill.BuyOrderID, fill.SellOrderID)
		if err != nil {
			return err
		}
		cur, err := s.fills.GetByTradeIDForUpdate(txCtx, evt.TradeID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status == domain.FillSettled {
			return nil
		}
		if cur.Status == domain.FillRolledBack {
			// 本地已回滚但账户仍完成了结算，账户侧会在消费回滚事件时冲正
			s.logger.Warn("settlement receipt for rolled back trade", "trade_id", evt.TradeID)
			return nil
		}
		if err := cur.Settle(); err != nil {
			return err
		}
		if err := s.fills.Update(txCtx, cur); err != nil {
			return err
		}
		for _, legID := range []string{cur.BuyOrderID, cur.SellOrderID} {
			if err := s.completeIfSettled(txCtx, locked[legID]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("trade settled", "trade_id", evt.TradeID)
	return nil
}

// HandleTradeFailed 撮合失败（市价单无流动性、引擎异常）：订单取消，saga 补偿。
// 账户侧自行消费同一事件释放预留，撮合簿中无挂单，不需要再广播撤单。
func (s *Service) HandleTradeFailed(ctx context.Context, evt *event.TradeFailedEvent) error {
	tctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	return s.tx.WithTx(tctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(tctx, tx)
		order, err := s.orders.GetForUpdate(txCtx, evt.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			s.logger.Warn("trade failure for unknown order", "order_id", evt.OrderID)
			return nil
		}
		if order.Status.Terminal() {
			s.logger.Info("trade failure on finished order ignored", "order_id", evt.OrderID, "status", string(order.Status))
			return nil
		}
		if err := order.Cancel(evt.Reason); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return err
		}
		if _, err := s.finishSaga(txCtx, evt.OrderID, saga.StateCompensated); err != nil {
			return err
		}
		s.logger.Warn("order cancelled after matching failure", "order_id", evt.OrderID, "reason", evt.Reason)
		return nil
	})
}

// HandleAccountUpdateFailed 账户侧失败的补偿路由：
// 预留失败（无 tradeId）只取消订单；结算失败（有 tradeId）回滚整笔成交。
func (s *Service) HandleAccountUpdateFailed(ctx context.Context, evt *event.AccountUpdateFailedEvent) error {
	if evt.ShouldRetry {
		// 可重试失败由账户侧重投自行消化，订单不做补偿
		s.logger.Warn("retryable account failure observed",
			"order_id", evt.OrderID, "trade_id", evt.TradeID, "reason", evt.Reason)
		return nil
	}
	if evt.TradeID == "" {
		return s.cancelAfterReserveFailure(ctx, evt)
	}
	return s.rollbackTrade(ctx, evt.TradeID, evt.OrderID,
		fmt.Sprintf("%s: %s", evt.FailureType, evt.Reason), "SETTLEMENT_FAILED", evt.TraceID)
}

// HandleSagaTimeout 超时事件收口：订单置 TIMEOUT 并广播撤单，
// 撮合移除挂单、账户把预留标成 EXPIRED 都挂在 reason "timeout" 上。
// 结算观察超时还携带成交 ID，随之回滚该笔成交。
func (s *Service) HandleSagaTimeout(ctx context.Context, evt *event.SagaTimeoutEvent) error {
	tctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	err := s.tx.WithTx(tctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(tctx, tx)
		order, err := s.orders.GetForUpdate(txCtx, evt.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			s.logger.Warn("timeout for unknown order", "order_id", evt.OrderID)
			return nil
		}
		if order.Status.Terminal() {
			s.logger.Info("timeout on finished order ignored", "order_id", evt.OrderID, "status", string(order.Status))
			return nil
		}
		if err := order.MarkTimeout(fmt.Sprintf("saga timeout at %s", evt.FailedAt)); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return err
		}
		sagaID, err := s.finishSaga(txCtx, evt.OrderID, saga.StateTimeout)
		if err != nil {
			return err
		}
		return s.publishCancelled(txCtx, tx, order, sagaID, "timeout")
	})
	if err != nil {
		return err
	}

	if tradeID := evt.Metadata["tradeId"]; tradeID != "" {
		if err := s.rollbackTrade(ctx, tradeID, evt.OrderID, "settlement timeout", "TIMEOUT", evt.TraceID); err != nil {
			return err
		}
	}
	s.logger.Warn("order timed out", "order_id", evt.OrderID, "failed_at", evt.FailedAt)
	return nil
}

// OnSagaTimeout 订单 saga 超时监控回调，在标记 TIMEOUT 的同一事务内写出超时事件
func (s *Service) OnSagaTimeout(ctx context.Context, sg *saga.Saga) error {
	tx := contextx.GetTx(ctx)
	evt := &event.SagaTimeoutEvent{
		Meta:           event.NewMeta(""),
		OrderID:        sg.OrderID,
		FailedAt:       "Order",
		TimeoutSeconds: int(s.orderTimeout / time.Second),
		Metadata:       map[string]string{"phase": string(sg.Phase)},
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

// cancelAfterReserveFailure 预留失败补偿。订单此刻可能已在撮合簿挂着，
// 撤单事件负责将其移出。
func (s *Service) cancelAfterReserveFailure(ctx context.Context, evt *event.AccountUpdateFailedEvent) error {
	reason := fmt.Sprintf("%s: %s", evt.FailureType, evt.Reason)
	tctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	err := s.tx.WithTx(tctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(tctx, tx)
		order, err := s.orders.GetForUpdate(txCtx, evt.OrderID)
		if err != nil {
			return err
		}
		if order == nil {
			s.logger.Warn("reserve failure for unknown order", "order_id", evt.OrderID)
			return nil
		}
		if order.Status.Terminal() {
			return nil
		}
		if err := order.Cancel(reason); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return err
		}
		sagaID, err := s.finishSaga(txCtx, evt.OrderID, saga.StateCompensated)
		if err != nil {
			return err
		}
		return s.publishCancelled(txCtx, tx, order, sagaID, reason)
	})
	if err != nil {
		return err
	}
	s.logger.Warn("order cancelled after reservation failure",
		"order_id", evt.OrderID, "failure_type", evt.FailureType)
	return nil
}

// rollbackTrade 回滚一笔成交：两腿订单取消、成交置 ROLLED_BACK，
// 并出站 TradeRollbackEvent 交账户侧冲正。failedLegID 是触发失败的一腿。
func (s *Service) rollbackTrade(ctx context.Context, tradeID, failedLegID, reason, rollbackType, traceID string) error {
	fill, err := s.fills.GetByTradeID(ctx, tradeID)
	if err != nil {
		return err
	}
	if fill == nil {
		// 跨主题乱序：失败回执先于成交事件到达，等待重投
		return fmt.Errorf("fill for trade %s not visible yet", tradeID)
	}
	if fill.Status == domain.FillRolledBack {
		s.logger.Info("duplicate rollback ignored", "trade_id", tradeID)
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	err = s.tx.WithTx(tctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(tctx, tx)
		locked, err := s.lockOrders(txCtx, fill.BuyOrderID, fill.SellOrderID)
		if err != nil {
			return err
		}
		cur, err := s.fills.GetByTradeIDForUpdate(txCtx, tradeID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status == domain.FillRolledBack {
			return nil
		}
		for _, legID := range []string{cur.BuyOrderID, cur.SellOrderID} {
			o := locked[legID]
			if o == nil || o.Status.Terminal() {
				continue
			}
			legReason := reason
			if legID != failedLegID {
				legReason = "counterparty " + reason
			}
			if err := o.Cancel(legReason); err != nil {
				s.logger.Warn("rollback cancel skipped", "order_id", legID, "status", string(o.Status))
				continue
			}
			if err := s.orders.Update(txCtx, o); err != nil {
				return err
			}
			sagaID, err := s.finishSaga(txCtx, legID, saga.StateCompensated)
			if err != nil {
				return err
			}
			if err := s.publishCancelled(txCtx, tx, o, sagaID, legReason); err != nil {
				return err
			}
		}
		cur.MarkRolledBack()
		if err := s.fills.Update(txCtx, cur); err != nil {
			return err
		}

		var rollbackSagaID string
		if sg, err := s.sagas.GetByOrderID(txCtx, saga.PhaseOrder, failedLegID); err != nil {
			return err
		} else if sg != nil {
			rollbackSagaID = sg.SagaID
		}
		rollback := &event.TradeRollbackEvent{
			Meta:         event.NewMeta(traceID),
			TradeID:      cur.TradeID,
			OrderID:      failedLegID,
			BuyOrderID:   cur.BuyOrderID,
			SellOrderID:  cur.SellOrderID,
			Symbol:       cur.Symbol,
			Reason:       reason,
			RollbackType: rollbackType,
		}
		return s.outbox.PublishInTx(txCtx, tx, &outbox.Message{
			EventType:     event.TypeTradeRollback,
			AggregateType: "trade",
			AggregateID:   cur.TradeID,
			SagaID:        rollbackSagaID,
			TradeID:       cur.TradeID,
			Topic:         event.TopicTradeEvents,
			Payload:       rollback,
		})
	})
	if err != nil {
		return err
	}
	s.logger.Warn("trade rolled back", "trade_id", tradeID, "reason", reason, "rollback_type", rollbackType)
	return nil
}

// completeIfSettled 全部成交且名下成交全部结算的订单进入 COMPLETED
func (s *Service) completeIfSettled(ctx context.Context, o *domain.Order) error {
	if o == nil || o.Status != domain.StatusFilled {
		return nil
	}
	pending, err := s.fills.CountUnsettled(ctx, o.OrderID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}
	if err := o.Complete(); err != nil {
		return err
	}
	if err := s.orders.Update(ctx, o); err != nil {
		return err
	}
	if _, err := s.finishSaga(ctx, o.OrderID, saga.StateCompleted); err != nil {
		return err
	}
	s.logger.Info("order completed", "order_id", o.OrderID)
	return nil
}

// markSagaInProgress 首笔下游回执把订单 saga 从 STARTED 推到 IN_PROGRESS
func (s *Service) markSagaInProgress(ctx context.Context, orderID string) error {
	sg, err := s.sagas.GetByOrderID(ctx, saga.PhaseOrder, orderID)
	if err != nil {
		return err
	}
	if sg == nil || sg.State != saga.StateStarted {
		return nil
	}
	if err := s.sagas.Advance(ctx, sg, saga.StateInProgress); err != nil {
		if errors.Is(err, saga.ErrVersionConflict) {
			return nil
		}
		return err
	}
	return nil
}

// lockOrders 按字典序对订单行加写锁，返回 orderID 到订单的映射，缺行为 nil 占位
func (s *Service) lockOrders(ctx context.Context, ids ...string) (map[string]*domain.Order, error) {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)

	locked := make(map[string]*domain.Order, len(uniq))
	for _, id := range uniq {
		o, err := s.orders.GetForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = o
	}
	return locked, nil
}
