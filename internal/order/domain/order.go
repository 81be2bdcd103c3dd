// Package domain 订单服务的领域模型：订单生命周期与成交回执记账
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/pkg/idgen"
)

// 精度约定：限价 2 位小数，数量 8 位小数
const (
	PriceScale    = 2
	QuantityScale = 8
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

// Status 订单状态
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusCreated         Status = "CREATED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCompleted       Status = "COMPLETED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusTimeout         Status = "TIMEOUT"
)

// Terminal 是否终态。FILLED 不是终态，结算回执之后才 COMPLETED。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRejected, StatusTimeout:
		return true
	}
	return false
}

// PARTIALLY_FILLED 自环允许连续吃单
var transitions = map[Status][]Status{
	StatusPending:         {StatusCreated, StatusRejected},
	StatusCreated:         {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusTimeout},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusTimeout},
	StatusFilled:          {StatusCompleted, StatusCancelled, StatusTimeout},
}

// Order 订单实体。
// 恒等式：FilledQuantity ≤ Quantity；状态只沿 transitions 前进。
type Order struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement"`
	OrderID        string          `gorm:"type:varchar(64);uniqueIndex;comment:订单ID"`
	UserID         string          `gorm:"type:varchar(64);index;comment:用户ID"`
	Symbol         string          `gorm:"type:varchar(20);index;comment:交易对"`
	Side           Side            `gorm:"type:varchar(8);comment:买卖方向"`
	Type           OrderType       `gorm:"type:varchar(8);comment:订单类型"`
	Price          decimal.Decimal `gorm:"type:decimal(20,2);comment:限价,市价单为零"`
	Quantity       decimal.Decimal `gorm:"type:decimal(20,8);comment:委托数量"`
	FilledQuantity decimal.Decimal `gorm:"type:decimal(20,8);comment:已成交数量"`
	Status         Status          `gorm:"type:varchar(20);index;comment:状态"`
	CancelReason   string          `gorm:"type:varchar(255);comment:取消原因"`
	TraceID        string          `gorm:"type:varchar(64);comment:链路ID"`
	Version        int64           `gorm:"comment:乐观锁版本"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewOrder 创建 PENDING 状态的订单，ID 由雪花算法生成
func NewOrder(userID, symbol string, side Side, typ OrderType, price, quantity decimal.Decimal, traceID string) *Order {
	return &Order{
		OrderID:        fmt.Sprintf("ORD-%d", idgen.GenID()),
		UserID:         userID,
		Symbol:         symbol,
		Side:           side,
		Type:           typ,
		Price:          price,
		Quantity:       quantity,
		FilledQuantity: decimal.Zero,
		Status:         StatusPending,
		TraceID:        traceID,
	}
}

// Remaining 剩余未成交数量
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// CanTransition 判断能否迁移到 next
func (o *Order) CanTransition(next Status) bool {
	for _, allowed := range transitions[o.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (o *Order) transitionTo(next Status) error {
	if !o.CanTransition(next) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.OrderID, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = time.Now()
	return nil
}

// MarkCreated 订单通过校验并入库
func (o *Order) MarkCreated() error {
	return o.transitionTo(StatusCreated)
}

// Reject 订单在受理阶段被拒绝
func (o *Order) Reject(reason string) error {
	if err := o.transitionTo(StatusRejected); err != nil {
		return err
	}
	o.CancelReason = reason
	return nil
}

// Fillable 订单是否还能吃单
func (o *Order) Fillable() bool {
	return o.Status == StatusCreated || o.Status == StatusPartiallyFilled
}

// ApplyFill 记一笔成交。超量成交说明上游重复投喂，拒绝并保持原状。
func (o *Order) ApplyFill(qty decimal.Decimal) error {
	if !o.Fillable() {
		return fmt.Errorf("order %s: fill on %s order", o.OrderID, o.Status)
	}
	filled := o.FilledQuantity.Add(qty)
	if filled.GreaterThan(o.Quantity) {
		return fmt.Errorf("order %s: fill %s exceeds remaining %s", o.OrderID, qty, o.Remaining())
	}
	next := StatusPartiallyFilled
	if filled.Equal(o.Quantity) {
		next = StatusFilled
	}
	if err := o.transitionTo(next); err != nil {
		return err
	}
	o.FilledQuantity = filled
	return nil
}

// CancellableByUser 用户主动撤单只允许在未完全成交前
func (o *Order) CancellableByUser() bool {
	return o.Status == StatusCreated || o.Status == StatusPartiallyFilled
}

// Cancel 取消订单并记录原因。补偿路径允许取消 FILLED 订单。
func (o *Order) Cancel(reason string) error {
	if err := o.transitionTo(StatusCancelled); err != nil {
		return err
	}
	o.CancelReason = reason
	return nil
}

// MarkTimeout saga 超时，订单进入 TIMEOUT 终态
func (o *Order) MarkTimeout(reason string) error {
	if err := o.transitionTo(StatusTimeout); err != nil {
		return err
	}
	o.CancelReason = reason
	return nil
}

// Complete 全部成交且账户结算完成
func (o *Order) Complete() error {
	return o.transitionTo(StatusCompleted)
}
