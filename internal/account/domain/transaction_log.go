package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/pkg/idgen"
)

// 流水种类。(trade_id, user_id, kind) 唯一，重复结算/回滚靠该约束幂等。
const (
	TxnSettleCashOut   = "SETTLE_CASH_OUT"   // 买方付款
	TxnSettleCashIn    = "SETTLE_CASH_IN"    // 卖方收款
	TxnSettleSharesOut = "SETTLE_SHARES_OUT" // 卖方出股
	TxnSettleSharesIn  = "SETTLE_SHARES_IN"  // 买方入股
	TxnReleaseCash     = "RELEASE_CASH"      // 价差返还或撤单解冻
	TxnReleaseShares   = "RELEASE_SHARES"    // 撤单解冻持仓
	TxnRollbackCash    = "ROLLBACK_CASH"     // 回滚资金腿
	TxnRollbackShares  = "ROLLBACK_SHARES"   // 回滚持仓腿
	TxnDeposit         = "DEPOSIT"           // 入金
	TxnGrant           = "GRANT"             // 发股
)

// TransactionLog 账户变动流水，结算回滚时按 trade_id 重建各腿金额。
// BalanceBefore/BalanceAfter 记录该腿所动资源的前后余额：
// 资金腿为账户总余额，持仓腿为持仓总数量。释放类流水只挪冻结，前后相等。
type TransactionLog struct {
	ID            uint64          `gorm:"primaryKey;autoIncrement"`
	TxnID         string          `gorm:"type:varchar(64);uniqueIndex;comment:流水ID"`
	TradeID       string          `gorm:"type:varchar(64);uniqueIndex:idx_trade_user_kind;comment:成交ID"`
	UserID        string          `gorm:"type:varchar(64);uniqueIndex:idx_trade_user_kind;index:idx_user_time;comment:用户ID"`
	Kind          string          `gorm:"type:varchar(32);uniqueIndex:idx_trade_user_kind;comment:流水种类"`
	Symbol        string          `gorm:"type:varchar(32);comment:交易对"`
	OrderID       string          `gorm:"type:varchar(64);index;comment:订单ID"`
	Amount        decimal.Decimal `gorm:"type:decimal(20,4);comment:资金变动"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,8);comment:数量变动"`
	Price         decimal.Decimal `gorm:"type:decimal(20,2);comment:成交价"`
	BalanceBefore decimal.Decimal `gorm:"type:decimal(20,8);comment:变动前余额"`
	BalanceAfter  decimal.Decimal `gorm:"type:decimal(20,8);comment:变动后余额"`
	Remark        string          `gorm:"type:varchar(255)"`
	CreatedAt     time.Time       `gorm:"index:idx_user_time"`
}

// NewTransactionLog 构造一条流水。入金发股没有成交，调用方以 TxnID 充当 TradeID
// 避开 (trade_id, user_id, kind) 唯一键。
func NewTransactionLog(tradeID, userID, kind, symbol, orderID string, amount, quantity, price decimal.Decimal) *TransactionLog {
	txnID := fmt.Sprintf("TXN-%d", idgen.GenID())
	if tradeID == "" {
		tradeID = txnID
	}
	return &TransactionLog{
		TxnID:    txnID,
		TradeID:  tradeID,
		UserID:   userID,
		Kind:     kind,
		Symbol:   symbol,
		OrderID:  orderID,
		Amount:   amount,
		Quantity: quantity,
		Price:    price,
	}
}

// WithBalances 附加审计用的前后余额快照
func (l *TransactionLog) WithBalances(before, after decimal.Decimal) *TransactionLog {
	l.BalanceBefore = before
	l.BalanceAfter = after
	return l
}
