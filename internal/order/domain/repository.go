package domain

import "context"

// OrderRepository 订单仓储。
// Get 系列未命中返回 (nil, nil)；Update 带乐观锁版本比对。
type OrderRepository interface {
	Save(ctx context.Context, order *Order) error
	Update(ctx context.Context, order *Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	GetForUpdate(ctx context.Context, orderID string) (*Order, error)
	// ListByUser 分页查询用户订单，status 为空表示不过滤
	ListByUser(ctx context.Context, userID string, status Status, page, size int) ([]*Order, int64, error)
}

// FillRepository 成交回执仓储，trade_id 唯一
type FillRepository interface {
	Save(ctx context.Context, fill *OrderFill) error
	Update(ctx context.Context, fill *OrderFill) error
	GetByTradeID(ctx context.Context, tradeID string) (*OrderFill, error)
	GetByTradeIDForUpdate(ctx context.Context, tradeID string) (*OrderFill, error)
	// CountUnsettled 订单名下未结算（含已回滚）的成交数
	CountUnsettled(ctx context.Context, orderID string) (int64, error)
	// ListByOrderID 订单名下全部成交，时间序
	ListByOrderID(ctx context.Context, orderID string) ([]*OrderFill, error)
}
