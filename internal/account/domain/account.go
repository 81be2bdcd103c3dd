// Package domain 账户服务的领域模型：资金账户、持仓、预留与结算流水
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale 资金金额统一保留 4 位小数
const MoneyScale = 4

// Account 资金账户。
// 恒等式：Balance = AvailableBalance + FrozenBalance。
type Account struct {
	ID               uint64          `gorm:"primaryKey;autoIncrement"`
	UserID           string          `gorm:"type:varchar(64);uniqueIndex;comment:用户ID"`
	Balance          decimal.Decimal `gorm:"type:decimal(20,4);comment:总余额"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(20,4);comment:可用余额"`
	FrozenBalance    decimal.Decimal `gorm:"type:decimal(20,4);comment:冻结余额"`
	Version          int64           `gorm:"comment:乐观锁版本"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewAccount 创建零余额账户
func NewAccount(userID string) *Account {
	return &Account{
		UserID:           userID,
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		FrozenBalance:    decimal.Zero,
	}
}

// Reserve 冻结可用资金。余额不足返回 INSUFFICIENT_BALANCE。
func (a *Account) Reserve(amount decimal.Decimal) error {
	if a.AvailableBalance.LessThan(amount) {
		return NewFailure(FailureInsufficientBalance,
			"user %s: available %s < required %s", a.UserID, a.AvailableBalance, amount)
	}
	a.AvailableBalance = a.AvailableBalance.Sub(amount)
	a.FrozenBalance = a.FrozenBalance.Add(amount)
	return nil
}

// ConfirmSpend 从冻结余额中实际扣款
func (a *Account) ConfirmSpend(amount decimal.Decimal) error {
	if a.FrozenBalance.LessThan(amount) {
		return NewFailure(FailureReservationNotFound,
			"user %s: frozen %s < confirm %s", a.UserID, a.FrozenBalance, amount)
	}
	a.FrozenBalance = a.FrozenBalance.Sub(amount)
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// Release 解冻资金回到可用余额
func (a *Account) Release(amount decimal.Decimal) error {
	if a.FrozenBalance.LessThan(amount) {
		return NewFailure(FailureReservationNotFound,
			"user %s: frozen %s < release %s", a.UserID, a.FrozenBalance, amount)
	}
	a.FrozenBalance = a.FrozenBalance.Sub(amount)
	a.AvailableBalance = a.AvailableBalance.Add(amount)
	return nil
}

// Credit 入账到可用余额
func (a *Account) Credit(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
	a.AvailableBalance = a.AvailableBalance.Add(amount)
}

// Debit 从可用余额直接扣款（MARKET 买单结算、回滚卖方收款）
func (a *Account) Debit(amount decimal.Decimal) error {
	if a.AvailableBalance.LessThan(amount) {
		return NewFailure(FailureInsufficientBalance,
			"user %s: available %s < debit %s", a.UserID, a.AvailableBalance, amount)
	}
	a.AvailableBalance = a.AvailableBalance.Sub(amount)
	a.Balance = a.Balance.Sub(amount)
	return nil
}

// StockHolding 持仓。
// 恒等式：Quantity = AvailableQuantity + FrozenQuantity。
// AvgPrice 为移动加权平均成本，保留 4 位小数。
type StockHolding struct {
	ID                uint64          `gorm:"primaryKey;autoIncrement"`
	UserID            string          `gorm:"type:varchar(64);uniqueIndex:idx_user_symbol;comment:用户ID"`
	Symbol            string          `gorm:"type:varchar(32);uniqueIndex:idx_user_symbol;comment:交易对"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,8);comment:总持仓"`
	AvailableQuantity decimal.Decimal `gorm:"type:decimal(20,8);comment:可用持仓"`
	FrozenQuantity    decimal.Decimal `gorm:"type:decimal(20,8);comment:冻结持仓"`
	AvgPrice          decimal.Decimal `gorm:"type:decimal(20,4);comment:平均成本"`
	Version           int64           `gorm:"comment:乐观锁版本"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewStockHolding 创建空持仓
func NewStockHolding(userID, symbol string) *StockHolding {
	return &StockHolding{
		UserID:            userID,
		Symbol:            symbol,
		Quantity:          decimal.Zero,
		AvailableQuantity: decimal.Zero,
		FrozenQuantity:    decimal.Zero,
		AvgPrice:          decimal.Zero,
	}
}

// ReserveShares 冻结可用持仓。持仓不足返回 INSUFFICIENT_SHARES。
func (h *StockHolding) ReserveShares(qty decimal.Decimal) error {
	if h.AvailableQuantity.LessThan(qty) {
		return NewFailure(FailureInsufficientShares,
			"user %s symbol %s: available %s < required %s", h.UserID, h.Symbol, h.AvailableQuantity, qty)
	}
	h.AvailableQuantity = h.AvailableQuantity.Sub(qty)
	h.FrozenQuantity = h.FrozenQuantity.Add(qty)
	return nil
}

// ConfirmShares 从冻结持仓中实际交割。清仓时平均成本归零。
func (h *StockHolding) ConfirmShares(qty decimal.Decimal) error {
	if h.FrozenQuantity.LessThan(qty) {
		return NewFailure(FailureReservationNotFound,
			"user %s symbol %s: frozen %s < confirm %s", h.UserID, h.Symbol, h.FrozenQuantity, qty)
	}
	h.FrozenQuantity = h.FrozenQuantity.Sub(qty)
	h.Quantity = h.Quantity.Sub(qty)
	if h.Quantity.IsZero() {
		h.AvgPrice = decimal.Zero
	}
	return nil
}

// ReleaseShares 解冻持仓回到可用
func (h *StockHolding) ReleaseShares(qty decimal.Decimal) error {
	if h.FrozenQuantity.LessThan(qty) {
		return NewFailure(FailureReservationNotFound,
			"user %s symbol %s: frozen %s < release %s", h.UserID, h.Symbol, h.FrozenQuantity, qty)
	}
	h.FrozenQuantity = h.FrozenQuantity.Sub(qty)
	h.AvailableQuantity = h.AvailableQuantity.Add(qty)
	return nil
}

// AddShares 买入入账并更新移动加权平均成本：
// newAvg = round4((oldAvg*oldQty + cost) / (oldQty+qty))，四舍五入。
// cost 为本次买入的实际支付金额。
func (h *StockHolding) AddShares(qty, cost decimal.Decimal) {
	newQty := h.Quantity.Add(qty)
	if newQty.IsPositive() {
		total := h.AvgPrice.Mul(h.Quantity).Add(cost)
		h.AvgPrice = total.DivRound(newQty, MoneyScale)
	}
	h.Quantity = newQty
	h.AvailableQuantity = h.AvailableQuantity.Add(qty)
}

// RemoveAddedShares 按入账的逆运算移除持仓，用于成交回滚：
// avgBefore = round4((avgAfter*qtyAfter - cost) / (qtyAfter - qty))。
// 数量归零时平均成本归零。
func (h *StockHolding) RemoveAddedShares(qty, cost decimal.Decimal) error {
	if h.AvailableQuantity.LessThan(qty) {
		return NewFailure(FailureInsufficientShares,
			"user %s symbol %s: available %s < rollback %s", h.UserID, h.Symbol, h.AvailableQuantity, qty)
	}
	newQty := h.Quantity.Sub(qty)
	if newQty.IsZero() {
		h.AvgPrice = decimal.Zero
	} else {
		total := h.AvgPrice.Mul(h.Quantity).Sub(cost)
		h.AvgPrice = total.DivRound(newQty, MoneyScale)
	}
	h.Quantity = newQty
	h.AvailableQuantity = h.AvailableQuantity.Sub(qty)
	return nil
}

// RestoreShares 卖出回滚时恢复持仓，平均成本不变
func (h *StockHolding) RestoreShares(qty decimal.Decimal) {
	h.Quantity = h.Quantity.Add(qty)
	h.AvailableQuantity = h.AvailableQuantity.Add(qty)
}
