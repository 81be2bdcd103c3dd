package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/internal/account/domain"
	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/internal/saga"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"github.com/wyfcoding/tradingcore/pkg/logging"
	"github.com/wyfcoding/tradingcore/pkg/outbox"
	"gorm.io/gorm"
)

func settledKey(tradeID string) string {
	return "account:settled:" + tradeID
}

// Reserve 消费订单创建事件并冻结资金或持仓。
// 业务性失败不返回错误，改为发布 AccountUpdateFailedEvent 由订单服务撤单；
// 技术性失败返回错误交给消费侧重试。
func (s *Service) Reserve(ctx context.Context, evt *event.OrderCreatedEvent) error {
	defer logging.LogDuration(ctx, "reservation handled", "order_id", evt.OrderID, "side", evt.Side)()

	// MARKET 买单价格未知无法精确冻结，准入控制在订单服务侧
	if evt.Side == "BUY" && evt.Type == "MARKET" {
		s.logger.Warn("market buy skips cash reservation",
			"order_id", evt.OrderID, "user_id", evt.UserID)
		return nil
	}

	existing, err := s.reservations.GetByOrderID(ctx, evt.OrderID)
	if err != nil {
		return fmt.Errorf("load reservation for order %s: %w", evt.OrderID, err)
	}
	if existing != nil {
		s.logger.Info("reservation already exists",
			"order_id", evt.OrderID, "status", existing.Status)
		return nil
	}

	// 跨主题乱序：结算已先行完成时再冻结只会泄漏资金
	settled, err := s.txnlogs.ExistsForOrder(ctx, evt.OrderID)
	if err != nil {
		return fmt.Errorf("check settlement for order %s: %w", evt.OrderID, err)
	}
	if settled {
		s.logger.Warn("order settled before reservation arrived, skipping",
			"order_id", evt.OrderID)
		return nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	err = s.tx.WithTx(lockCtx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(lockCtx, tx)
		if evt.Side == "BUY" {
			return s.reserveCash(txCtx, evt)
		}
		return s.reserveShares(txCtx, evt)
	})
	if err == nil {
		s.logger.Info("reservation created",
			"order_id", evt.OrderID, "user_id", evt.UserID, "side", evt.Side)
		return nil
	}

	err = domain.ClassifyDBError(err)
	f, ok := domain.AsFailure(err)
	if !ok || f.Retryable() {
		return fmt.Errorf("reserve for order %s: %w", evt.OrderID, err)
	}
	if f.Kind == domain.FailureDuplicateReservation {
		// 并发重复预留，唯一键兜底，按幂等成功处理
		s.logger.Info("concurrent duplicate reservation ignored", "order_id", evt.OrderID)
		return nil
	}
	return s.publishReserveFailure(ctx, evt, f)
}

func (s *Service) reserveCash(ctx context.Context, evt *event.OrderCreatedEvent) error {
	acct, err := s.accounts.GetByUserIDForUpdate(ctx, evt.UserID)
	if err != nil {
		return err
	}
	if acct == nil {
		return domain.NewFailure(domain.FailureInsufficientBalance,
			"user %s has no account", evt.UserID)
	}
	r := domain.NewCashReservation(evt.OrderID, evt.UserID, evt.Symbol, evt.Price, evt.Quantity)
	r.TraceID = evt.TraceID
	if err := acct.Reserve(r.Amount); err != nil {
		return err
	}
	if err := s.accounts.Update(ctx, acct); err != nil {
		return err
	}
	return s.reservations.Save(ctx, r)
}

func (s *Service) reserveShares(ctx context.Context, evt *event.OrderCreatedEvent) error {
	hold, err := s.holdings.GetForUpdate(ctx, evt.UserID, evt.Symbol)
	if err != nil {
		return err
	}
	if hold == nil {
		return domain.NewFailure(domain.FailureInsufficientShares,
			"user %s has no %s holding", evt.UserID, evt.Symbol)
	}
	r := domain.NewShareReservation(evt.OrderID, evt.UserID, evt.Symbol, evt.Side, evt.Quantity)
	r.TraceID = evt.TraceID
	if err := hold.ReserveShares(evt.Quantity); err != nil {
		return err
	}
	if err := s.holdings.Update(ctx, hold); err != nil {
		return err
	}
	return s.reservations.Save(ctx, r)
}

func (s *Service) publishReserveFailure(ctx context.Context, evt *event.OrderCreatedEvent, f *domain.Failure) error {
	pub := &event.AccountUpdateFailedEvent{
		Meta:        event.NewMeta(evt.TraceID),
		OrderID:     evt.OrderID,
		Reason:      f.Msg,
		FailureType: string(f.Kind),
		ShouldRetry: false,
	}
	if evt.Side == "BUY" {
		pub.BuyUserID = evt.UserID
	} else {
		pub.SellUserID = evt.UserID
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		return s.outbox.PublishInTx(txCtx, tx, &outbox.Message{
			EventType:     event.TypeAccountUpdateFailed,
			AggregateType: "account",
			AggregateID:   evt.OrderID,
			SagaID:        evt.SagaID,
			Topic:         event.TopicAccountEvents,
			Payload:       pub,
		})
	})
	if err != nil {
		return fmt.Errorf("publish reserve failure for order %s: %w", evt.OrderID, err)
	}
	s.logger.Warn("reservation rejected",
		"order_id", evt.OrderID, "failure", string(f.Kind), "reason", f.Msg)
	return nil
}

// partyLocks 按 userID 字典序加锁后的双方账户与持仓。
// 自成交时 buyer 与 seller 指向同一实例。
type partyLocks struct {
	buyerAcct  *domain.Account
	sellerAcct *domain.Account
	buyerHold  *domain.StockHolding
	sellerHold *domain.StockHolding
}

// Settle 消费成交事件完成清算：买方付款入股，卖方出股收款，
// 四腿流水与 AccountUpdatedEvent 在同一事务内提交。
// 重复投递按 缓存、saga 状态、流水唯一键 三层判重。
func (s *Service) Settle(ctx context.Context, evt *event.TradeExecutedEvent) error {
	defer logging.LogDuration(ctx, "trade settlement handled", "trade_id", evt.TradeID)()

	if s.cache != nil {
		if n, err := s.cache.Exists(ctx, settledKey(evt.TradeID)); err == nil && n > 0 {
			s.logger.Info("trade already settled, cache hit", "trade_id", evt.TradeID)
			return nil
		}
	}

	sg, err := s.sagas.GetByTradeID(ctx, saga.PhaseAccount, evt.TradeID)
	if err != nil {
		return fmt.Errorf("load account saga for trade %s: %w", evt.TradeID, err)
	}
	if sg != nil && sg.State.Terminal() {
		s.logger.Info("duplicate trade event ignored",
			"trade_id", evt.TradeID, "state", string(sg.State))
		return nil
	}
	if sg == nil {
		payload, _ := json.Marshal(evt)
		sg = saga.New(saga.PhaseAccount, saga.StateInProgress,
			evt.BuyOrderID, evt.TradeID, event.TypeTradeExecuted, string(payload), s.settleTimeout)
		if evt.SagaID != "" {
			sg.SagaID = evt.SagaID
		}
		if err := s.sagas.Create(ctx, sg); err != nil {
			return fmt.Errorf("create account saga for trade %s: %w", evt.TradeID, err)
		}
	}

	pay := evt.Price.Mul(evt.Quantity).Round(domain.MoneyScale)
	legOrder := evt.BuyOrderID
	alreadySettled := false

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	err = s.tx.WithTx(lockCtx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(lockCtx, tx)

		legs, err := s.lockParties(txCtx, evt)
		if err != nil {
			return err
		}

		// 判重必须在拿到行锁之后，并发结算的后到方在此处看到先到方的流水
		done, err := s.txnlogs.Exists(txCtx, evt.TradeID, evt.BuyUserID, domain.TxnSettleCashOut)
		if err != nil {
			return err
		}
		if done {
			alreadySettled = true
			return nil
		}

		// 每腿前后余额快照入流水，自成交时双方共享实例，顺序采样才准确
		legOrder = evt.BuyOrderID
		buyerCashBefore, buyerSharesBefore := legs.buyerAcct.Balance, legs.buyerHold.Quantity
		if err := s.settleBuyer(txCtx, legs, evt, pay); err != nil {
			return err
		}
		buyerCashAfter, buyerSharesAfter := legs.buyerAcct.Balance, legs.buyerHold.Quantity

		legOrder = evt.SellOrderID
		sellerCashBefore := legs.sellerAcct.Balance
		var sellerSharesBefore decimal.Decimal
		if legs.sellerHold != nil {
			sellerSharesBefore = legs.sellerHold.Quantity
		}
		if err := s.settleSeller(txCtx, legs, evt, pay); err != nil {
			return err
		}

		logs := []*domain.TransactionLog{
			domain.NewTransactionLog(evt.TradeID, evt.BuyUserID, domain.TxnSettleCashOut, evt.Symbol, evt.BuyOrderID, pay, evt.Quantity, evt.Price).
				WithBalances(buyerCashBefore, buyerCashAfter),
			domain.NewTransactionLog(evt.TradeID, evt.SellUserID, domain.TxnSettleCashIn, evt.Symbol, evt.SellOrderID, pay, evt.Quantity, evt.Price).
				WithBalances(sellerCashBefore, legs.sellerAcct.Balance),
			domain.NewTransactionLog(evt.TradeID, evt.SellUserID, domain.TxnSettleSharesOut, evt.Symbol, evt.SellOrderID, pay, evt.Quantity, evt.Price).
				WithBalances(sellerSharesBefore, legs.sellerHold.Quantity),
			domain.NewTransactionLog(evt.TradeID, evt.BuyUserID, domain.TxnSettleSharesIn, evt.Symbol, evt.BuyOrderID, pay, evt.Quantity, evt.Price).
				WithBalances(buyerSharesBefore, buyerSharesAfter),
		}
		for _, l := range logs {
			if err := s.txnlogs.Save(txCtx, l); err != nil {
				return err
			}
		}

		// saga 被他方抢先推进说明超时补偿已启动，结算必须回滚
		if err := s.sagas.Advance(txCtx, sg, saga.StateCompleted); err != nil {
			return err
		}

		return s.outbox.PublishInTx(txCtx, tx, &outbox.Message{
			EventType:     event.TypeAccountUpdated,
			AggregateType: "account",
			AggregateID:   evt.TradeID,
			SagaID:        sg.SagaID,
			TradeID:       evt.TradeID,
			Topic:         event.TopicAccountEvents,
			Payload: &event.AccountUpdatedEvent{
				Meta:             event.NewMeta(evt.TraceID),
				TradeID:          evt.TradeID,
				OrderID:          evt.BuyOrderID,
				BuyUserID:        evt.BuyUserID,
				SellUserID:       evt.SellUserID,
				Amount:           pay,
				Quantity:         evt.Quantity,
				Symbol:           evt.Symbol,
				BuyerNewBalance:  legs.buyerAcct.Balance,
				SellerNewBalance: legs.sellerAcct.Balance,
			},
		})
	})
	if err == nil {
		s.markSettled(ctx, evt.TradeID)
		if alreadySettled {
			s.logger.Info("trade already settled, log hit", "trade_id", evt.TradeID)
		} else {
			s.logger.Info("trade settled",
				"trade_id", evt.TradeID, "symbol", evt.Symbol,
				"amount", pay.String(), "quantity", evt.Quantity.String())
		}
		return nil
	}

	err = domain.ClassifyDBError(err)
	f, ok := domain.AsFailure(err)
	if !ok || f.Retryable() {
		return fmt.Errorf("settle trade %s: %w", evt.TradeID, err)
	}
	if f.Kind == domain.FailureDuplicateReservation {
		// 结算侧的唯一键冲突来自并发插入竞争，重投后走判重路径
		return fmt.Errorf("settle trade %s raced on insert, retrying: %w", evt.TradeID, err)
	}
	return s.publishSettleFailure(ctx, evt, sg, legOrder, f)
}

// lockParties 按 userID 字典序对双方账户与持仓加行锁，买方持仓不存在时建仓
func (s *Service) lockParties(ctx context.Context, evt *event.TradeExecutedEvent) (*partyLocks, error) {
	users := []string{evt.BuyUserID, evt.SellUserID}
	sort.Strings(users)
	if users[0] == users[1] {
		users = users[:1]
	}

	out := &partyLocks{}
	for _, uid := range users {
		acct, err := s.accounts.GetByUserIDForUpdate(ctx, uid)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, domain.NewFailure(domain.FailureInsufficientBalance,
				"user %s has no account", uid)
		}
		hold, err := s.holdings.GetForUpdate(ctx, uid, evt.Symbol)
		if err != nil {
			return nil, err
		}
		if uid == evt.BuyUserID {
			out.buyerAcct, out.buyerHold = acct, hold
		}
		if uid == evt.SellUserID {
			out.sellerAcct, out.sellerHold = acct, hold
		}
	}

	if out.buyerHold == nil {
		hold := domain.NewStockHolding(evt.BuyUserID, evt.Symbol)
		if err := s.holdings.Save(ctx, hold); err != nil {
			return nil, err
		}
		out.buyerHold = hold
		if evt.BuyUserID == evt.SellUserID {
			out.sellerHold = hold
		}
	}
	return out, nil
}

func (s *Service) settleBuyer(ctx context.Context, legs *partyLocks, evt *event.TradeExecutedEvent, pay decimal.Decimal) error {
	r, err := s.reservations.GetByOrderIDForUpdate(ctx, evt.BuyOrderID)
	if err != nil {
		return err
	}
	switch {
	case r == nil:
		// MARKET 买单下单时未冻结资金，直接从可用余额扣款
		s.logger.Warn("no cash reservation, debiting available balance",
			"order_id", evt.BuyOrderID, "trade_id", evt.TradeID)
		if err := legs.buyerAcct.Debit(pay); err != nil {
			return err
		}
	case !r.Active():
		return domain.NewFailure(domain.FailureReservationNotFound,
			"reservation for order %s is %s", evt.BuyOrderID, r.Status)
	default:
		slice := r.ReservedSlice(evt.Quantity)
		if err := r.ConsumeCash(slice, evt.Quantity); err != nil {
			return err
		}
		if err := legs.buyerAcct.ConfirmSpend(decimal.Min(pay, slice)); err != nil {
			return err
		}
		if dust := pay.Sub(slice); dust.IsPositive() {
			// 分片舍入可能让冻结额差出极小碎差，从可用余额补足
			if err := legs.buyerAcct.Debit(dust); err != nil {
				return err
			}
		} else if refund := slice.Sub(pay); refund.IsPositive() {
			// 成交价优于限价的差额立即解冻
			if err := legs.buyerAcct.Release(refund); err != nil {
				return err
			}
		}
		if err := s.reservations.Update(ctx, r); err != nil {
			return err
		}
	}

	legs.buyerHold.AddShares(evt.Quantity, pay)
	if err := s.accounts.Update(ctx, legs.buyerAcct); err != nil {
		return err
	}
	return s.holdings.Update(ctx, legs.buyerHold)
}

func (s *Service) settleSeller(ctx context.Context, legs *partyLocks, evt *event.TradeExecutedEvent, pay decimal.Decimal) error {
	if legs.sellerHold == nil {
		return domain.NewFailure(domain.FailureInsufficientShares,
			"user %s has no %s holding", evt.SellUserID, evt.Symbol)
	}
	r, err := s.reservations.GetByOrderIDForUpdate(ctx, evt.SellOrderID)
	if err != nil {
		return err
	}
	if r == nil {
		// 预留事件尚未消费到（跨主题乱序），等待重投
		return fmt.Errorf("share reservation for order %s not visible yet", evt.SellOrderID)
	}
	if !r.Active() {
		return domain.NewFailure(domain.FailureReservationNotFound,
			"reservation for order %s is %s", evt.SellOrderID, r.Status)
	}
	if err := r.ConsumeShares(evt.Quantity); err != nil {
		return err
	}
	if err := legs.sellerHold.ConfirmShares(evt.Quantity); err != nil {
		return err
	}
	legs.sellerAcct.Credit(pay)

	if err := s.reservations.Update(ctx, r); err != nil {
		return err
	}
	if err := s.accounts.Update(ctx, legs.sellerAcct); err != nil {
		return err
	}
	return s.holdings.Update(ctx, legs.sellerHold)
}

func (s *Service) publishSettleFailure(ctx context.Context, evt *event.TradeExecutedEvent, sg *saga.Saga, legOrder string, f *domain.Failure) error {
	pub := &event.AccountUpdateFailedEvent{
		Meta:        event.NewMeta(evt.TraceID),
		TradeID:     evt.TradeID,
		OrderID:     legOrder,
		BuyUserID:   evt.BuyUserID,
		SellUserID:  evt.SellUserID,
		Reason:      f.Msg,
		FailureType: string(f.Kind),
		ShouldRetry: false,
	}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		if err := s.sagas.Advance(txCtx, sg, saga.StateFailed); err != nil {
			if !errors.Is(err, saga.ErrVersionConflict) {
				return err
			}
			s.logger.Warn("account saga advanced concurrently",
				"saga_id", sg.SagaID, "trade_id", evt.TradeID)
		}
		return s.outbox.PublishInTx(txCtx, tx, &outbox.Message{
			EventType:     event.TypeAccountUpdateFailed,
			AggregateType: "account",
			AggregateID:   evt.TradeID,
			SagaID:        sg.SagaID,
			TradeID:       evt.TradeID,
			Topic:         event.TopicAccountEvents,
			Payload:       pub,
		})
	})
	if err != nil {
		return fmt.Errorf("publish settle failure for trade %s: %w", evt.TradeID, err)
	}
	s.logger.Error("trade settlement failed",
		"trade_id", evt.TradeID, "order_id", legOrder,
		"failure", string(f.Kind), "reason", f.Msg)
	return nil
}

// markSettled 写入快路径缓存，失败仅记日志
func (s *Service) markSettled(ctx context.Context, tradeID string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.SetNX(ctx, settledKey(tradeID), 1, s.cacheTTL); err != nil {
		s.logger.Debug("settled cache write failed", "trade_id", tradeID, "error", err)
	}
}
