// Package consumer 账户服务的 Kafka 消费入口
package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/wyfcoding/tradingcore/internal/account/application"
	"github.com/wyfcoding/tradingcore/internal/account/domain"
	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"github.com/wyfcoding/tradingcore/pkg/mq"
)

// OrderEventHandler 消费 order.events：下单冻结、撤单释放
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
		return terminalToPermanent(h.svc.Reserve(ctx, &evt))
	case event.TypeOrderCancelled:
		var evt event.OrderCancelledEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return mq.Permanent(err)
		}
		return terminalToPermanent(h.svc.HandleOrderCancelled(ctx, &evt))
	default:
		h.logger.Debug("skipping event type", "event_type", head.EventType)
		return nil
	}
}

// terminalToPermanent 业务性失败重试没有意义，直接送死信
func terminalToPermanent(err error) error {
	if err == nil {
		return nil
	}
	if f, ok := domain.AsFailure(err); ok && !f.Retryable() {
		return mq.Permanent(err)
	}
	return err
}
