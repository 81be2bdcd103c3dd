// Package application 订单服务的应用层：下单、撤单与订单侧 saga 驱动。
// 订单是 saga 的发起方：建单事务同时落 saga 记录与出站事件。
package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/internal/order/domain"
	"github.com/wyfcoding/tradingcore/internal/saga"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
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

// SagaStore 订单 saga 存取，由 internal/saga.Store 满足
type SagaStore interface {
	Create(ctx context.Context, sg *saga.Saga) error
	GetByOrderID(ctx context.Context, phase saga.Phase, orderID string) (*saga.Saga, error)
	Advance(ctx context.Context, sg *saga.Saga, next saga.State) error
}

// ReferencePrices 标的参考价。下单限价带校验的数据源，
// 由成交事件回写，Redis 实现见 infrastructure/persistence/redis。
type ReferencePrices interface {
	// LastPrice 返回最近成交价，无数据时返回零值
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Record(ctx context.Context, symbol string, price decimal.Decimal) error
}

// 限价偏离参考价的允许区间，±10%
var bandRatio = decimal.RequireFromString("0.1")

// Service 订单应用服务
type Service struct {
	orders domain.OrderRepository
	fills  domain.FillRepository
	sagas  SagaStore
	outbox EventPublisher
	tx     TxRunner
	refs   ReferencePrices

	orderTimeout time.Duration
	lockTimeout  time.Duration

	logger *slog.Logger
}

// NewService 构造订单应用服务。refs 可为 nil，此时不做限价带校验。
func NewService(
	orders domain.OrderRepository,
	fills domain.FillRepository,
	sagas SagaStore,
	publisher EventPublisher,
	tx TxRunner,
	refs ReferencePrices,
	orderTimeout time.Duration,
	lockTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	if orderTimeout <= 0 {
		orderTimeout = 30 * time.Second
	}
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Service{
		orders:       orders,
		fills:        fills,
		sagas:        sagas,
		outbox:       publisher,
		tx:           tx,
		refs:         refs,
		orderTimeout: orderTimeout,
		lockTimeout:  lockTimeout,
		logger:       logger.With("module", "order_service"),
	}
}

// CreateOrderCommand 下单请求
type CreateOrderCommand struct {
	UserID   string
	Symbol   string
	Side     string
	Type     string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// CreateOrder 受理订单：校验、落库、开启订单 saga 并出站 OrderCreatedEvent，
// 三者在同一事务内。返回 CREATED 状态的订单。
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*domain.Order, error) {
	if err := s.validate(ctx, cmd); err != nil {
		return nil, err
	}

	order := domain.NewOrder(cmd.UserID, cmd.Symbol,
		domain.Side(cmd.Side), domain.OrderType(cmd.Type), cmd.Price, cmd.Quantity, contextx.TraceID(ctx))
	if err := order.MarkCreated(); err != nil {
		return nil, err
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		if err := s.orders.Save(txCtx, order); err != nil {
			return fmt.Errorf("persist order: %w", err)
		}
		snapshot, _ := json.Marshal(order)
		sg := saga.New(saga.PhaseOrder, saga.StateStarted,
			order.OrderID, "", event.TypeOrderCreated, string(snapshot), s.orderTimeout)
		if err := s.sagas.Create(txCtx, sg); err != nil {
			return fmt.Errorf("create order saga: %w", err)
		}
		evt := &event.OrderCreatedEvent{
			Meta:      event.NewMeta(order.TraceID),
			OrderID:   order.OrderID,
			UserID:    order.UserID,
			Symbol:    order.Symbol,
			Side:      string(order.Side),
			Type:      string(order.Type),
			Price:     order.Price,
			Quantity:  order.Quantity,
			CreatedAt: time.Now(),
		}
		return s.outbox.PublishInTx(txCtx, tx, &outbox.Message{
			EventType:     event.TypeOrderCreated,
			AggregateType: "order",
			AggregateID:   order.OrderID,
			SagaID:        sg.SagaID,
			Topic:         event.TopicOrderEvents,
			Payload:       evt,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("order created",
		"order_id", order.OrderID, "user_id", order.UserID, "symbol", order.Symbol,
		"side", string(order.Side), "type", string(order.Type), "quantity", order.Quantity.String())
	return order, nil
}

// CancelOrder 用户撤单。只允许 CREATED/PARTIALLY_FILLED；
// 撤单事件经出站发往撮合（移出订单簿）与账户（释放预留）。
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	var order *domain.Order
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		var err error
		order, err = s.orders.GetForUpdate(txCtx, orderID)
		if err != nil {
			return err
		}
		if order == nil || order.UserID != userID {
			return domain.ErrOrderNotFound
		}
		if !order.CancellableByUser() {
			return fmt.Errorf("%w: order %s is %s", domain.ErrNotCancellable, orderID, order.Status)
		}
		if err := order.Cancel("user cancelled"); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, order); err != nil {
			return err
		}
		sagaID, err := s.finishSaga(txCtx, orderID, saga.StateCompensated)
		if err != nil {
			return err
		}
		return s.publishCancelled(txCtx, tx, order, sagaID, "user cancelled")
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("order cancelled by user", "order_id", orderID, "user_id", userID)
	return order, nil
}

// GetOrder 查询订单，未命中返回 (nil, nil)
func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.Get(ctx, orderID)
}

// ListUserOrders 分页查询用户订单
func (s *Service) ListUserOrders(ctx context.Context, userID string, status domain.Status, page, size int) ([]*domain.Order, int64, error) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 200 {
		size = 20
	}
	return s.orders.ListByUser(ctx, userID, status, page, size)
}

// ListFills 查询订单名下成交
func (s *Service) ListFills(ctx context.Context, orderID string) ([]*domain.OrderFill, error) {
	return s.fills.ListByOrderID(ctx, orderID)
}

// validate 下单参数校验。字段问题聚合为 ValidationError，
// 限价带偏离属于业务拒绝，单独返回 ErrPriceOutOfBand。
func (s *Service) validate(ctx context.Context, cmd CreateOrderCommand) error {
	ve := &domain.ValidationError{}
	if cmd.UserID == "" {
		ve.Add("userId", "must not be empty")
	}
	if cmd.Symbol == "" {
		ve.Add("symbol", "must not be empty")
	}
	side := domain.Side(cmd.Side)
	if side != domain.SideBuy && side != domain.SideSell {
		ve.Add("side", "must be BUY or SELL")
	}
	typ := domain.OrderType(cmd.Type)
	if typ != domain.TypeLimit && typ != domain.TypeMarket {
		ve.Add("type", "must be LIMIT or MARKET")
	}
	if !cmd.Quantity.IsPositive() {
		ve.Add("quantity", "must be positive")
	} else if !cmd.Quantity.Equal(cmd.Quantity.Round(domain.QuantityScale)) {
		ve.Add("quantity", "at most %d decimal places", domain.QuantityScale)
	}
	switch typ {
	case domain.TypeLimit:
		if !cmd.Price.IsPositive() {
			ve.Add("price", "limit order requires a positive price")
		} else if !cmd.Price.Equal(cmd.Price.Round(domain.PriceScale)) {
			ve.Add("price", "at most %d decimal places", domain.PriceScale)
		}
	case domain.TypeMarket:
		if !cmd.Price.IsZero() {
			ve.Add("price", "market order must not carry a price")
		}
	}
	if !ve.Empty() {
		return ve
	}

	if typ == domain.TypeLimit && s.refs != nil {
		ref, err := s.refs.LastPrice(ctx, cmd.Symbol)
		if err != nil {
			// 参考价不可用时放行，带校验是尽力而为的防呆
			s.logger.Warn("reference price unavailable", "symbol", cmd.Symbol, "error", err)
			return nil
		}
		if ref.IsPositive() {
			deviation := cmd.Price.Sub(ref).Abs()
			if deviation.GreaterThan(ref.Mul(bandRatio)) {
				return fmt.Errorf("%w: price %s deviates more than 10%% from reference %s",
					domain.ErrPriceOutOfBand, cmd.Price, ref)
			}
		}
	}
	return nil
}

// finishSaga 将订单 saga 推进到终态。saga 缺失或已终态时跳过，
// 返回 sagaID 供出站事件关联。
func (s *Service) finishSaga(ctx context.Context, orderID string, final saga.State) (string, error) {
	sg, err := s.sagas.GetByOrderID(ctx, saga.PhaseOrder, orderID)
	if err != nil {
		return "", err
	}
	if sg == nil {
		s.logger.Warn("order saga missing", "order_id", orderID)
		return "", nil
	}
	if sg.State.Terminal() {
		return sg.SagaID, nil
	}
	if err := s.sagas.Advance(ctx, sg, final); err != nil {
		if errors.Is(err, saga.ErrVersionConflict) {
			s.logger.Warn("order saga advanced concurrently", "order_id", orderID, "saga_id", sg.SagaID)
			return sg.SagaID, nil
		}
		return "", err
	}
	return sg.SagaID, nil
}

func (s *Service) publishCancelled(ctx context.Context, tx *gorm.DB, order *domain.Order, sagaID, reason string) error {
	evt := &event.OrderCancelledEvent{
		Meta:        event.NewMeta(order.TraceID),
		OrderID:     order.OrderID,
		UserID:      order.UserID,
		Symbol:      order.Symbol,
		Reason:      reason,
		CancelledAt: time.Now(),
	}
	return s.outbox.PublishInTx(ctx, tx, &outbox.Message{
		EventType:     event.TypeOrderCancelled,
		AggregateType: "order",
		AggregateID:   order.OrderID,
		SagaID:        sagaID,
		Topic:         event.TopicOrderEvents,
		Payload:       evt,
	})
}
