package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/pkg/idgen"
)

// 预留状态。ACTIVE 为唯一非终态，终态之间不可互迁。
const (
	ReservationActive    = "ACTIVE"
	ReservationConfirmed = "CONFIRMED"
	ReservationReleased  = "RELEASED"
	ReservationExpired   = "EXPIRED"
)

// 预留种类
const (
	ReservationCash   = "CASH"
	ReservationShares = "SHARES"
)

// ReservationInfo 下单时的资金或持仓预留。
// 一个订单至多一笔预留（order_id 唯一），部分成交逐步扣减 Remaining 字段。
type ReservationInfo struct {
	ID                uint64          `gorm:"primaryKey;autoIncrement"`
	ReservationID     string          `gorm:"type:varchar(64);uniqueIndex;comment:预留ID"`
	OrderID           string          `gorm:"type:varchar(64);uniqueIndex;comment:订单ID"`
	UserID            string          `gorm:"type:varchar(64);index;comment:用户ID"`
	Symbol            string          `gorm:"type:varchar(32);comment:交易对"`
	Side              string          `gorm:"type:varchar(8);comment:买卖方向"`
	Kind              string          `gorm:"type:varchar(8);comment:CASH或SHARES"`
	Price             decimal.Decimal `gorm:"type:decimal(20,2);comment:下单限价"`
	Amount            decimal.Decimal `gorm:"type:decimal(20,4);comment:初始预留金额"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,8);comment:初始预留数量"`
	RemainingAmount   decimal.Decimal `gorm:"type:decimal(20,4);comment:剩余预留金额"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,8);comment:剩余预留数量"`
	Status            string          `gorm:"type:varchar(16);index;comment:状态"`
	TraceID           string          `gorm:"type:varchar(64);comment:链路ID"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewCashReservation 买方资金预留，amount = round4(price*quantity)
func NewCashReservation(orderID, userID, symbol string, price, quantity decimal.Decimal) *ReservationInfo {
	amount := price.Mul(quantity).Round(MoneyScale)
	return &ReservationInfo{
		ReservationID:     fmt.Sprintf("RSV-%d", idgen.GenID()),
		OrderID:           orderID,
		UserID:            userID,
		Symbol:            symbol,
		Side:              "BUY",
		Kind:              ReservationCash,
		Price:             price,
		Amount:            amount,
		Quantity:          quantity,
		RemainingAmount:   amount,
		RemainingQuantity: quantity,
		Status:            ReservationActive,
	}
}

// NewShareReservation 卖方持仓预留
func NewShareReservation(orderID, userID, symbol, side string, quantity decimal.Decimal) *ReservationInfo {
	return &ReservationInfo{
		ReservationID:     fmt.Sprintf("RSV-%d", idgen.GenID()),
		OrderID:           orderID,
		UserID:            userID,
		Symbol:            symbol,
		Side:              side,
		Kind:              ReservationShares,
		Amount:            decimal.Zero,
		RemainingAmount:   decimal.Zero,
		Quantity:          quantity,
		RemainingQuantity: quantity,
		Status:            ReservationActive,
	}
}

// Active 是否仍可扣减
func (r *ReservationInfo) Active() bool {
	return r.Status == ReservationActive
}

// ReservedSlice 本次成交应从预留中扣减的金额。
// 按下单限价计算，最后一笔成交吸收舍入误差，保证预留精确清零。
func (r *ReservationInfo) ReservedSlice(fillQty decimal.Decimal) decimal.Decimal {
	if r.RemainingQuantity.Equal(fillQty) {
		return r.RemainingAmount
	}
	slice := r.Price.Mul(fillQty).Round(MoneyScale)
	if slice.GreaterThan(r.RemainingAmount) {
		return r.RemainingAmount
	}
	return slice
}

// ConsumeCash 扣减资金预留，remaining 归零时整笔确认
func (r *ReservationInfo) ConsumeCash(slice, fillQty decimal.Decimal) error {
	if !r.Active() {
		return NewFailure(FailureReservationNotFound,
			"reservation %s for order %s is %s", r.ReservationID, r.OrderID, r.Status)
	}
	if r.RemainingAmount.LessThan(slice) || r.RemainingQuantity.LessThan(fillQty) {
		return NewFailure(FailureReservationNotFound,
			"reservation %s exhausted: remaining %s/%s, need %s/%s",
			r.ReservationID, r.RemainingAmount, r.RemainingQuantity, slice, fillQty)
	}
	r.RemainingAmount = r.RemainingAmount.Sub(slice)
	r.RemainingQuantity = r.RemainingQuantity.Sub(fillQty)
	if r.RemainingQuantity.IsZero() {
		r.Status = ReservationConfirmed
	}
	return nil
}

// ConsumeShares 扣减持仓预留，remaining 归零时整笔确认
func (r *ReservationInfo) ConsumeShares(fillQty decimal.Decimal) error {
	if !r.Active() {
		return NewFailure(FailureReservationNotFound,
			"reservation %s for order %s is %s", r.ReservationID, r.OrderID, r.Status)
	}
	if r.RemainingQuantity.LessThan(fillQty) {
		return NewFailure(FailureReservationNotFound,
			"reservation %s exhausted: remaining %s, need %s",
			r.ReservationID, r.RemainingQuantity, fillQty)
	}
	r.RemainingQuantity = r.RemainingQuantity.Sub(fillQty)
	if r.RemainingQuantity.IsZero() {
		r.Status = ReservationConfirmed
	}
	return nil
}

// MarkReleased 撤单后释放剩余预留。
// 返回应解冻的金额与数量，预留进入 RELEASED 终态。
func (r *ReservationInfo) MarkReleased() (amount, qty decimal.Decimal, err error) {
	return r.drain(ReservationReleased)
}

// MarkExpired 超时补偿释放，语义同 MarkReleased 但终态为 EXPIRED
func (r *ReservationInfo) MarkExpired() (amount, qty decimal.Decimal, err error) {
	return r.drain(ReservationExpired)
}

func (r *ReservationInfo) drain(final string) (amount, qty decimal.Decimal, err error) {
	if !r.Active() {
		return decimal.Zero, decimal.Zero, NewFailure(FailureReservationNotFound,
			"reservation %s for order %s is %s", r.ReservationID, r.OrderID, r.Status)
	}
	amount = r.RemainingAmount
	qty = r.RemainingQuantity
	r.RemainingAmount = decimal.Zero
	r.RemainingQuantity = decimal.Zero
	r.Status = final
	return amount, qty, nil
}
