// Package domain 撮合引擎的领域模型：订单簿、撮合核心与分区引擎
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// 撮合结果状态
const (
	StatusFilled          = "FILLED"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusResting         = "RESTING"
	StatusCancelled       = "CANCELLED"
)

var (
	// ErrDuplicateOrder 订单簿中已存在同 ID 的挂单
	ErrDuplicateOrder = errors.New("matching: duplicate order id")
	// ErrQueueFull worker 订单队列已满
	ErrQueueFull = errors.New("matching: order queue full")
	// ErrBackpressure 队列深度超过高水位，拒绝新订单
	ErrBackpressure = errors.New("matching: backpressure high water mark reached")
	// ErrBreakerOpen worker 熔断器处于打开状态
	ErrBreakerOpen = errors.New("matching: circuit breaker open")
	// ErrEngineStopped 引擎已停止，不再接受请求
	ErrEngineStopped = errors.New("matching: engine stopped")
	// ErrInvalidOrder 订单字段不合法
	ErrInvalidOrder = errors.New("matching: invalid order")
)

// Order 撮合引擎内部订单。
// Remaining 为剩余可撮合数量，随成交递减；MARKET 单 Price 为零。
type Order struct {
	OrderID   string
	UserID    string
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Remaining decimal.Decimal
	Timestamp time.Time
}

// NewOrder 创建订单，Remaining 初始化为全量
func NewOrder(orderID, userID, symbol string, side Side, typ OrderType, price, quantity decimal.Decimal) *Order {
	return &Order{
		OrderID:   orderID,
		UserID:    userID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     price,
		Quantity:  quantity,
		Remaining: quantity,
		Timestamp: time.Now(),
	}
}

// Validate 基础校验，非法订单在入队前拒绝
func (o *Order) Validate() error {
	if o == nil || o.OrderID == "" || o.Symbol == "" {
		return ErrInvalidOrder
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return ErrInvalidOrder
	}
	if o.Type != TypeLimit && o.Type != TypeMarket {
		return ErrInvalidOrder
	}
	if !o.Quantity.IsPositive() {
		return ErrInvalidOrder
	}
	if o.Type == TypeLimit && !o.Price.IsPositive() {
		return ErrInvalidOrder
	}
	return nil
}

// Trade 一笔成交，价格取被动方挂单价
type Trade struct {
	TradeID     string
	Symbol      string
	BuyOrderID  string
	SellOrderID string
	BuyUserID   string
	SellUserID  string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Timestamp   time.Time
}

// MatchResult 单笔订单的撮合结果
type MatchResult struct {
	OrderID string
	Symbol  string
	// Trades 本次撮合产生的成交，时间序
	Trades []*Trade
	// RemainingQuantity 撮合后剩余数量
	RemainingQuantity decimal.Decimal
	// Status FILLED / PARTIALLY_FILLED / RESTING / CANCELLED
	Status string
	// Resting 剩余部分是否已进入订单簿等待
	Resting bool
}

// BookLevel 订单簿档位聚合
type BookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// BookSnapshot 订单簿快照，由持有该交易对的 worker 在队列内生成
type BookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []*BookLevel `json:"bids"`
	Asks      []*BookLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}
