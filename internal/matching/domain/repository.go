package domain

import "context"

// TradeRepository 成交记录仓储接口
type TradeRepository interface {
	Save(ctx context.Context, trade *Trade) error
	GetByTradeID(ctx context.Context, tradeID string) (*Trade, error)
	ListBySymbol(ctx context.Context, symbol string, limit int) ([]*Trade, error)
	ListByOrderID(ctx context.Context, orderID string) ([]*Trade, error)
}
