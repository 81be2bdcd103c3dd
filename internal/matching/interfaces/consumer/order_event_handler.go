// Package consumer 撮合服务的 Kafka 消费入口
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/internal/matching/application"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"github.com/wyfcoding/tradingcore/pkg/mq"
)

// OrderEventHandler 消费 order.events：新订单进撮合、撤单出簿
type OrderEventHandler struct {
	svc    *application.Service
	logger *slog.Logger
}

// NewOrderEventHandler 构造订单事件处理器
func NewOrderEventHandler(svc *application.Service, logger *slog.Logger) *OrderEventHandler {
	return &OrderEventHandler{svc: svc, logger: logger.With("module", "order_event_handler")}
}

// Handle 按事件类型分发，未知类型跳过
func (h *OrderEventHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var head struct {
		EventType string `json:"eventType"`
		TraceID   string `json:"traceId"`
	}
	if err := json.Unmarshal(msg.Value, &head); err != nil {
		h.logger.Error("malformed order event", "offset", msg.Offset, "error", err)
		return mq.Permanent(err)
	}
	if head.TraceID != "" {
		ctx = contextx.WithTraceID(ctx, head.TraceID)
	}

	switch head.EventType {
	case event.TypeOrderCreated:
		var evt event.OrderCreatedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return mq.Permanent(err)
		}
		return h.svc.HandleOrderCreated(ctx, &evt)
	case event.TypeOrderCancelled:
		var evt event.OrderCancelledEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return mq.Permanent(err)
		}
		return h.svc.HandleOrderCancelled(ctx, &evt)
	default:
		h.logger.Debug("skipping event type", "event_type", head.EventType)
		return nil
	}
}
