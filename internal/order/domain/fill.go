package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FillStatus 成交回执的结算状态
type FillStatus string

const (
	// FillPending 已计入订单成交量，等待账户结算回执
	FillPending FillStatus = "PENDING"
	// FillSettled 账户结算完成
	FillSettled FillStatus = "SETTLED"
	// FillRolledBack 结算失败，成交已回滚
	FillRolledBack FillStatus = "ROLLED_BACK"
)

// OrderFill 一笔成交在订单服务侧的记账。
// 订单全部成交且名下成交全部 SETTLED 才能进入 COMPLETED；
// 回滚事件用它还原买卖双方的订单 ID。
type OrderFill struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement"`
	TradeID     string          `gorm:"type:varchar(64);uniqueIndex;comment:成交ID"`
	Symbol      string          `gorm:"type:varchar(20);comment:交易对"`
	BuyOrderID  string          `gorm:"type:varchar(64);index;comment:买方订单ID"`
	SellOrderID string          `gorm:"type:varchar(64);index;comment:卖方订单ID"`
	Price       decimal.Decimal `gorm:"type:decimal(20,2);comment:成交价"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,8);comment:成交数量"`
	Status      FillStatus      `gorm:"type:varchar(16);index;comment:结算状态"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewFill 记录一笔待结算的成交
func NewFill(tradeID, symbol, buyOrderID, sellOrderID string, price, quantity decimal.Decimal) *OrderFill {
	return &OrderFill{
		TradeID:     tradeID,
		Symbol:      symbol,
		BuyOrderID:  buyOrderID,
		SellOrderID: sellOrderID,
		Price:       price,
		Quantity:    quantity,
		Status:      FillPending,
	}
}

// Involves 订单是否是该笔成交的一方
func (f *OrderFill) Involves(orderID string) bool {
	return f.BuyOrderID == orderID || f.SellOrderID == orderID
}

// Settle 标记结算完成，只允许从 PENDING 出发
func (f *OrderFill) Settle() error {
	if f.Status != FillPending {
		return fmt.Errorf("fill %s: settle on %s fill", f.TradeID, f.Status)
	}
	f.Status = FillSettled
	f.UpdatedAt = time.Now()
	return nil
}

// MarkRolledBack 标记成交已回滚，幂等
func (f *OrderFill) MarkRolledBack() {
	f.Status = FillRolledBack
	f.UpdatedAt = time.Now()
}
