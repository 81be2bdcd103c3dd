package domain

import "context"

// AccountRepository 资金账户仓储。ForUpdate 变体在事务内加行锁，
// 调用方负责按 userID 字典序依次加锁。
type AccountRepository interface {
	Save(ctx context.Context, account *Account) error
	Update(ctx context.Context, account *Account) error
	GetByUserID(ctx context.Context, userID string) (*Account, error)
	GetByUserIDForUpdate(ctx context.Context, userID string) (*Account, error)
}

// HoldingRepository 持仓仓储
type HoldingRepository interface {
	Save(ctx context.Context, holding *StockHolding) error
	Update(ctx context.Context, holding *StockHolding) error
	Get(ctx context.Context, userID, symbol string) (*StockHolding, error)
	GetForUpdate(ctx context.Context, userID, symbol string) (*StockHolding, error)
	ListByUserID(ctx context.Context, userID string) ([]*StockHolding, error)
}

// ReservationRepository 预留仓储
type ReservationRepository interface {
	Save(ctx context.Context, r *ReservationInfo) error
	Update(ctx context.Context, r *ReservationInfo) error
	GetByOrderID(ctx context.Context, orderID string) (*ReservationInfo, error)
	GetByOrderIDForUpdate(ctx context.Context, orderID string) (*ReservationInfo, error)
}

// TransactionLogRepository 流水仓储
type TransactionLogRepository interface {
	Save(ctx context.Context, log *TransactionLog) error
	ListByTradeID(ctx context.Context, tradeID string) ([]*TransactionLog, error)
	Exists(ctx context.Context, tradeID, userID, kind string) (bool, error)
	ExistsForOrder(ctx context.Context, orderID string) (bool, error)
	ListByUserID(ctx context.Context, userID string, page, size int) ([]*TransactionLog, int64, error)
}
