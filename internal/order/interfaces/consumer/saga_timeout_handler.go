package consumer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/internal/order/application"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"github.com/wyfcoding/tradingcore/pkg/mq"
)

// SagaTimeoutHandler 消费 saga.timeout.events。
// 订单服务是补偿协调方：任一环节超时都在这里把订单置 TIMEOUT 并广播撤单。
type SagaTimeoutHandler struct {
	svc    *application.Service
	logger *slog.Logger
}

// NewSagaTimeoutHandler 构造超时事件处理器
func NewSagaTimeoutHandler(svc *application.Service, logger *slog.Logger) *SagaTimeoutHandler {
	return &SagaTimeoutHandler{svc: svc, logger: logger.With("module", "saga_timeout_handler")}
}

// Handle 按事件类型分发，未知类型跳过
func (h *SagaTimeoutHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var head struct {
		EventType string `json:"eventType"`
		TraceID   string `json:"traceId"`
	}
	if err := json.Unmarshal(msg.Value, &head); err != nil {
		h.logger.Error("malformed timeout event", "offset", msg.Offset, "error", err)
		return mq.Permanent(err)
	}
	if head.TraceID != "" {
		ctx = contextx.WithTraceID(ctx, head.TraceID)
	}

	if head.EventType != event.TypeSagaTimeout {
		h.logger.Debug("skipping event type", "event_type", head.EventType)
		return nil
	}
	var evt event.SagaTimeoutEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return mq.Permanent(err)
	}
	return h.svc.HandleSagaTimeout(ctx, &evt)
}
