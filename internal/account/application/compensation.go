package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/internal/account/domain"
	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/internal/saga"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"github.com/wyfcoding/tradingcore/pkg/logging"
	"github.com/wyfcoding/tradingcore/pkg/outbox"
	"gorm.io/gorm"
)

// HandleOrderCancelled 撤单释放预留。reason 为 timeout 时预留进入 EXPIRED 终态。
func (s *Service) HandleOrderCancelled(ctx context.Context, evt *event.OrderCancelledEvent) error {
	defer logging.LogDuration(ctx, "reservation release handled", "order_id", evt.OrderID)()
	expired := evt.Reason == "timeout"
	return s.ReleaseByOrderID(ctx, evt.OrderID, expired)
}

// HandleTradeFailed 撮合失败释放预留
func (s *Service) HandleTradeFailed(ctx context.Context, evt *event.TradeFailedEvent) error {
	defer logging.LogDuration(ctx, "trade failure release handled", "order_id", evt.OrderID)()
	return s.ReleaseByOrderID(ctx, evt.OrderID, false)
}

// ReleaseByOrderID 释放订单的剩余预留。预留不存在或已终态都按成功处理。
func (s *Service) ReleaseByOrderID(ctx context.Context, orderID string, expired bool) error {
	r, err := s.reservations.GetByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load reservation for order %s: %w", orderID, err)
	}
	if r == nil {
		s.logger.Info("no reservation to release", "order_id", orderID)
		return nil
	}
	if !r.Active() {
		s.logger.Info("reservation already finalized",
			"order_id", orderID, "status", r.Status)
		return nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	err = s.tx.WithTx(lockCtx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(lockCtx, tx)
		return s.releaseLocked(txCtx, orderID, expired)
	})
	if err != nil {
		err = domain.ClassifyDBError(err)
		if f, ok := domain.AsFailure(err); ok && !f.Retryable() {
			// 账目不一致，留给对账而不是无限重投
			s.logger.Error("release failed on business rule",
				"order_id", orderID, "failure", string(f.Kind), "reason", f.Msg)
			return err
		}
		return fmt.Errorf("release reservation for order %s: %w", orderID, err)
	}
	return nil
}

// releaseLocked 在调用方事务内完成释放，重取行锁保证与并发结算互斥
func (s *Service) releaseLocked(ctx context.Context, orderID string, expired bool) error {
	r, err := s.reservations.GetByOrderIDForUpdate(ctx, orderID)
	if err != nil {
		return err
	}
	if r == nil || !r.Active() {
		return nil
	}

	var amount, qty decimal.Decimal
	if expired {
		amount, qty, err = r.MarkExpired()
	} else {
		amount, qty, err = r.MarkReleased()
	}
	if err != nil {
		return err
	}

	switch r.Kind {
	case domain.ReservationCash:
		acct, err := s.accounts.GetByUserIDForUpdate(ctx, r.UserID)
		if err != nil {
			return err
		}
		if acct == nil {
			return domain.NewFailure(domain.FailureReservationNotFound,
				"reservation %s references missing account %s", r.ReservationID, r.UserID)
		}
		if amount.IsPositive() {
			if err := acct.Release(amount); err != nil {
				return err
			}
			if err := s.accounts.Update(ctx, acct); err != nil {
				return err
			}
			// 解冻不改总余额，快照前后相等
			log := domain.NewTransactionLog("", r.UserID, domain.TxnReleaseCash, r.Symbol, orderID, amount, decimal.Zero, r.Price).
				WithBalances(acct.Balance, acct.Balance)
			if err := s.txnlogs.Save(ctx, log); err != nil {
				return err
			}
		}
	case domain.ReservationShares:
		hold, err := s.holdings.GetForUpdate(ctx, r.UserID, r.Symbol)
		if err != nil {
			return err
		}
		if hold == nil {
			return domain.NewFailure(domain.FailureReservationNotFound,
				"reservation %s references missing holding %s/%s", r.ReservationID, r.UserID, r.Symbol)
		}
		if qty.IsPositive() {
			if err := hold.ReleaseShares(qty); err != nil {
				return err
			}
			if err := s.holdings.Update(ctx, hold); err != nil {
				return err
			}
			log := domain.NewTransactionLog("", r.UserID, domain.TxnReleaseShares, r.Symbol, orderID, decimal.Zero, qty, decimal.Zero).
				WithBalances(hold.Quantity, hold.Quantity)
			if err := s.txnlogs.Save(ctx, log); err != nil {
				return err
			}
		}
	}

	if err := s.reservations.Update(ctx, r); err != nil {
		return err
	}
	s.logger.Info("reservation released",
		"order_id", orderID, "kind", r.Kind,
		"amount", amount.String(), "quantity", qty.String(), "status", r.Status)
	return nil
}

// Rollback 回滚一笔已结算成交：按流水重建四腿并反向冲正，
// 同时释放双方订单的剩余预留。重复回滚以 ROLLBACK 流水判重。
func (s *Service) Rollback(ctx context.Context, evt *event.TradeRollbackEvent) error {
	defer logging.LogDuration(ctx, "trade rollback handled", "trade_id", evt.TradeID)()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	err := s.tx.WithTx(lockCtx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(lockCtx, tx)

		logs, err := s.txnlogs.ListByTradeID(txCtx, evt.TradeID)
		if err != nil {
			return err
		}
		var cashOut, cashIn *domain.TransactionLog
		rolledBack := false
		for _, l := range logs {
			switch l.Kind {
			case domain.TxnSettleCashOut:
				cashOut = l
			case domain.TxnSettleCashIn:
				cashIn = l
			case domain.TxnRollbackCash:
				rolledBack = true
			}
		}
		if rolledBack {
			s.logger.Info("trade already rolled back", "trade_id", evt.TradeID)
			return nil
		}
		if cashOut == nil || cashIn == nil {
			// 结算从未落地，无需冲正，仅释放预留
			s.logger.Warn("no settlement found for rollback, releasing reservations only",
				"trade_id", evt.TradeID)
			return s.releaseRollbackReservations(txCtx, evt)
		}

		buyer, seller := cashOut.UserID, cashIn.UserID
		pay, qty, symbol := cashOut.Amount, cashOut.Quantity, cashOut.Symbol

		users := []string{buyer, seller}
		sort.Strings(users)
		if users[0] == users[1] {
			users = users[:1]
		}
		accts := make(map[string]*domain.Account, len(users))
		holds := make(map[string]*domain.StockHolding, len(users))
		for _, uid := range users {
			acct, err := s.accounts.GetByUserIDForUpdate(txCtx, uid)
			if err != nil {
				return err
			}
			if acct == nil {
				return domain.NewFailure(domain.FailureReservationNotFound,
					"rollback references missing account %s", uid)
			}
			hold, err := s.holdings.GetForUpdate(txCtx, uid, symbol)
			if err != nil {
				return err
			}
			accts[uid], holds[uid] = acct, hold
		}

		// 买方退款退股
		buyerAcct, buyerHold := accts[buyer], holds[buyer]
		if buyerHold == nil {
			return domain.NewFailure(domain.FailureInsufficientShares,
				"rollback references missing holding %s/%s", buyer, symbol)
		}
		buyerCashBefore, buyerSharesBefore := buyerAcct.Balance, buyerHold.Quantity
		buyerAcct.Credit(pay)
		if err := buyerHold.RemoveAddedShares(qty, pay); err != nil {
			return err
		}
		buyerCashAfter, buyerSharesAfter := buyerAcct.Balance, buyerHold.Quantity

		// 卖方退款收股，持仓按原均价恢复
		sellerAcct, sellerHold := accts[seller], holds[seller]
		if sellerHold == nil {
			return domain.NewFailure(domain.FailureInsufficientShares,
				"rollback references missing holding %s/%s", seller, symbol)
		}
		sellerCashBefore, sellerSharesBefore := sellerAcct.Balance, sellerHold.Quantity
		if err := sellerAcct.Debit(pay); err != nil {
			return err
		}
		sellerHold.RestoreShares(qty)

		if err := s.accounts.Update(txCtx, buyerAcct); err != nil {
			return err
		}
		if err := s.holdings.Update(txCtx, buyerHold); err != nil {
			return err
		}
		if buyer != seller {
			if err := s.accounts.Update(txCtx, sellerAcct); err != nil {
				return err
			}
			if err := s.holdings.Update(txCtx, sellerHold); err != nil {
				return err
			}
		}

		rollbackLogs := []*domain.TransactionLog{
			domain.NewTransactionLog(evt.TradeID, buyer, domain.TxnRollbackCash, symbol, cashOut.OrderID, pay, qty, cashOut.Price).
				WithBalances(buyerCashBefore, buyerCashAfter),
			domain.NewTransactionLog(evt.TradeID, seller, domain.TxnRollbackCash, symbol, cashIn.OrderID, pay, qty, cashIn.Price).
				WithBalances(sellerCashBefore, sellerAcct.Balance),
			domain.NewTransactionLog(evt.TradeID, buyer, domain.TxnRollbackShares, symbol, cashOut.OrderID, pay, qty, cashOut.Price).
				WithBalances(buyerSharesBefore, buyerSharesAfter),
			domain.NewTransactionLog(evt.TradeID, seller, domain.TxnRollbackShares, symbol, cashIn.OrderID, pay, qty, cashIn.Price).
				WithBalances(sellerSharesBefore, sellerHold.Quantity),
		}
		for _, l := range rollbackLogs {
			l.Remark = evt.Reason
			if err := s.txnlogs.Save(txCtx, l); err != nil {
				return err
			}
		}

		if err := s.releaseRollbackReservations(txCtx, evt); err != nil {
			return err
		}

		// 结算 saga 未终态时标记已补偿
		sg, err := s.sagas.GetByTradeID(txCtx, saga.PhaseAccount, evt.TradeID)
		if err != nil {
			return err
		}
		if sg != nil && !sg.State.Terminal() {
			if err := s.sagas.Advance(txCtx, sg, saga.StateCompensated); err != nil &&
				!errors.Is(err, saga.ErrVersionConflict) {
				return err
			}
		}

		s.logger.Warn("trade rolled back",
			"trade_id", evt.TradeID, "symbol", symbol,
			"amount", pay.String(), "quantity", qty.String(), "reason", evt.Reason)
		return nil
	})
	if err != nil {
		err = domain.ClassifyDBError(err)
		if f, ok := domain.AsFailure(err); ok && !f.Retryable() {
			return err
		}
		return fmt.Errorf("rollback trade %s: %w", evt.TradeID, err)
	}
	return nil
}

// releaseRollbackReservations 释放回滚涉及的双方订单剩余预留，逐单独立容错
func (s *Service) releaseRollbackReservations(ctx context.Context, evt *event.TradeRollbackEvent) error {
	for _, orderID := range []string{evt.BuyOrderID, evt.SellOrderID} {
		if orderID == "" {
			continue
		}
		if err := s.releaseLocked(ctx, orderID, false); err != nil {
			return err
		}
	}
	return nil
}

// OnSagaTimeout 结算超时回调，在监控事务内发布超时事件。
// 订单服务消费该事件后发起 TradeRollback 补偿。
func (s *Service) OnSagaTimeout(ctx context.Context, sg *saga.Saga) error {
	tx := contextx.GetTx(ctx)
	if tx == nil {
		return errors.New("saga timeout handler requires transaction context")
	}
	pub := &event.SagaTimeoutEvent{
		Meta:           event.NewMeta(""),
		OrderID:        sg.OrderID,
		FailedAt:       "Account",
		TimeoutSeconds: int(s.settleTimeout / time.Second),
		Metadata:       map[string]string{"phase": string(sg.Phase)},
	}
	if sg.TradeID != "" {
		pub.Metadata["tradeId"] = sg.TradeID
	}
	return s.outbox.PublishInTx(ctx, tx, &outbox.Message{
		EventType:     event.TypeSagaTimeout,
		AggregateType: "saga",
		AggregateID:   sg.OrderID,
		SagaID:        sg.SagaID,
		TradeID:       sg.TradeID,
		Topic:         event.TopicSagaTimeoutEvents,
		Payload:       pub,
	})
}
