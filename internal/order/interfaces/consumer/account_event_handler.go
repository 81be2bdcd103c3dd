// Package consumer 订单服务的 Kafka 消费入口
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

// AccountEventHandler 消费 account.events：结算回执收口订单，失败回执路由补偿
type AccountEventHandler struct {
	svc    *application.Service
	logger *slog.Logger
}

// NewAccountEventHandler 构造账户事件处理器
func NewAccountEventHandler(svc *application.Service, logger *slog.Logger) *AccountEventHandler {
	return &AccountEventHandler{svc: svc, logger: logger.With("module", "account_event_handler")}
}

// Handle 按事件类型分发，未知类型跳过
func (h *AccountEventHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var head struct {
		EventType string `json:"eventType"`
		TraceID   string `json:"traceId"`
	}
	if err := json.Unmarshal(msg.Value, &head); err != nil {
		h.logger.Error("malformed account event", "offset", msg.Offset, "error", err)
		return mq.Permanent(err)
	}
	if head.TraceID != "" {
		ctx = contextx.WithTraceID(ctx, head.TraceID)
	}

	switch head.EventType {
	case event.TypeAccountUpdated:
		var evt event.AccountUpdatedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return mq.Permanent(err)
		}
		return h.svc.HandleAccountUpdated(ctx, &evt)
	case event.TypeAccountUpdateFailed:
		var evt event.AccountUpdateFailedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return mq.Permanent(err)
		}
		return h.svc.HandleAccountUpdateFailed(ctx, &evt)
	default:
		h.logger.Debug("skipping event type", "event_type", head.EventType)
		return nil
	}
}
