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

// TradeEventHandler 消费 trade.events：记成交、推进订单状态、处理撮合失败。
// TradeRollback 由订单服务自己发出、账户服务消费，这里跳过。
type TradeEventHandler struct {
	svc    *application.Service
	logger *slog.Logger
}

// NewTradeEventHandler 构造成交事件处理器
func NewTradeEventHandler(svc *application.Service, logger *slog.Logger) *TradeEventHandler {
	return &TradeEventHandler{svc: svc, logger: logger.With("module", "trade_event_handler")}
}

// Handle 按事件类型分发，未知类型跳过
func (h *TradeEventHandler) Handle(ctx context.Context, msg kafka.Message) error {
	var head struct {
		EventType string `json:"eventType"`
		TraceID   string `json:"traceId"`
	}
	if err := json.Unmarshal(msg.Value, &head); err != nil {
		h.logger.Error("malformed trade event", "offset", msg.Offset, "error", err)
		return mq.Permanent(err)
	}
	if head.TraceID != "" {
		ctx = contextx.WithTraceID(ctx, head.TraceID)
	}

	switch head.EventType {
	case event.TypeTradeExecuted:
		var evt event.TradeExecutedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return mq.Permanent(err)
		}
		return h.svc.HandleTradeExecuted(ctx, &evt)
	case event.TypeTradeFailed:
		var evt event.TradeFailedEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			return mq.Permanent(err)
		}
		return h.svc.HandleTradeFailed(ctx, &evt)
	default:
		h.logger.Debug("skipping event type", "event_type", head.EventType)
		return nil
	}
}
