package event

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Meta 事件元数据。生产方填 traceId 与 occurredAt，
// 其余字段由 outbox 桥接层在发布前注入。
type Meta struct {
	EventID     string    `json:"eventId,omitempty"`
	EventType   string    `json:"eventType,omitempty"`
	AggregateID string    `json:"aggregateId,omitempty"`
	SagaID      string    `json:"sagaId,omitempty"`
	TradeID     string    `json:"tradeId,omitempty"`
	TraceID     string    `json:"traceId,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// NewMeta 构造生产方侧的元数据
func NewMeta(traceID string) Meta {
	return Meta{TraceID: traceID, OccurredAt: time.Now()}
}

// OrderCreatedEvent 订单已创建
type OrderCreatedEvent struct {
	Meta
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	CreatedAt time.Time       `json:"createdAt"`
}

// OrderCancelledEvent 订单已取消
type OrderCancelledEvent struct {
	Meta
	OrderID     string    `json:"orderId"`
	UserID      string    `json:"userId"`
	Symbol      string    `json:"symbol"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}

// TradeExecutedEvent 撮合成交
type TradeExecutedEvent struct {
	Meta
	TradeID     string          `json:"tradeId"`
	Symbol      string          `json:"symbol"`
	BuyOrderID  string          `json:"buyOrderId"`
	SellOrderID string          `json:"sellOrderId"`
	BuyUserID   string          `json:"buyUserId"`
	SellUserID  string          `json:"sellUserId"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Timestamp   time.Time       `json:"timestamp"`
}

// TradeFailedEvent 撮合失败（无流动性、引擎异常或过载拒收）
type TradeFailedEvent struct {
	Meta
	OrderID  string    `json:"orderId"`
	UserID   string    `json:"userId"`
	Symbol   string    `json:"symbol"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// TradeRollbackEvent 成交回滚，携带发起补偿的 saga
type TradeRollbackEvent struct {
	Meta
	TradeID      string `json:"tradeId"`
	OrderID      string `json:"orderId"`
	BuyOrderID   string `json:"buyOrderId"`
	SellOrderID  string `json:"sellOrderId"`
	Symbol       string `json:"symbol"`
	Reason       string `json:"reason"`
	RollbackType string `json:"rollbackType"`
}

// AccountUpdatedEvent 账户结算完成
type AccountUpdatedEvent struct {
	Meta
	TradeID          string          `json:"tradeId"`
	OrderID          string          `json:"orderId"`
	BuyUserID        string          `json:"buyUserId"`
	SellUserID       string          `json:"sellUserId"`
	Amount           decimal.Decimal `json:"amount"`
	Quantity         decimal.Decimal `json:"quantity"`
	Symbol           string          `json:"symbol"`
	BuyerNewBalance  decimal.Decimal `json:"buyerNewBalance"`
	SellerNewBalance decimal.Decimal `json:"sellerNewBalance"`
}

// AccountUpdateFailedEvent 账户结算失败。ShouldRetry 区分技术性失败与业务性失败
type AccountUpdateFailedEvent struct {
	Meta
	TradeID     string `json:"tradeId"`
	OrderID     string `json:"orderId"`
	BuyUserID   string `json:"buyUserId"`
	SellUserID  string `json:"sellUserId"`
	Reason      string `json:"reason"`
	FailureType string `json:"failureType"`
	ShouldRetry bool   `json:"shouldRetry"`
}

// SagaTimeoutEvent saga 超时，FailedAt 标记超时发生的环节
type SagaTimeoutEvent struct {
	Meta
	OrderID        string            `json:"orderId"`
	FailedAt       string            `json:"failedAt"`
	TimeoutSeconds int               `json:"timeoutDuration"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PartitionKey 计算分区 key：优先取负载里的 symbol，缺失时退回聚合 ID，
// 保证同一标的（或同一聚合）的事件落在同一分区内有序
func PartitionKey(payload []byte, aggregateID string) string {
	var probe struct {
		Symbol string `json:"symbol"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Symbol != "" {
		return probe.Symbol
	}
	return aggregateID
}
