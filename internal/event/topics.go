// Package event 定义服务间事件契约：主题、事件类型、负载结构与路由规则
package event

// Kafka 主题
const (
	TopicOrderEvents       = "order.events"
	TopicTradeEvents       = "trade.events"
	TopicAccountEvents     = "account.events"
	TopicSagaTimeoutEvents = "saga.timeout.events"
)

// DefaultTopic 未知事件类型的兜底主题
const DefaultTopic = TopicOrderEvents

// 事件类型
const (
	TypeOrderCreated        = "OrderCreatedEvent"
	TypeOrderCancelled      = "OrderCancelledEvent"
	TypeTradeExecuted       = "TradeExecutedEvent"
	TypeTradeFailed         = "TradeFailedEvent"
	TypeTradeRollback       = "TradeRollbackEvent"
	TypeAccountUpdated      = "AccountUpdatedEvent"
	TypeAccountUpdateFailed = "AccountUpdateFailedEvent"
	TypeSagaTimeout         = "SagaTimeoutEvent"
)

// 回滚类型
const (
	RollbackFull    = "FULL"
	RollbackPartial = "PARTIAL"
)

var routing = map[string]string{
	TypeOrderCreated:        TopicOrderEvents,
	TypeOrderCancelled:      TopicOrderEvents,
	TypeTradeExecuted:       TopicTradeEvents,
	TypeTradeFailed:         TopicTradeEvents,
	TypeTradeRollback:       TopicTradeEvents,
	TypeAccountUpdated:      TopicAccountEvents,
	TypeAccountUpdateFailed: TopicAccountEvents,
	TypeSagaTimeout:         TopicSagaTimeoutEvents,
}

// Route 按事件类型查路由表，未知类型返回兜底主题与 false
func Route(eventType string) (string, bool) {
	if topic, ok := routing[eventType]; ok {
		return topic, true
	}
	return DefaultTopic, false
}
