// Package bridge 发件箱到 Kafka 的桥接：选主题、富化负载、按 key 分区发布。
// 轮询中继与 CDC 行源共用同一条发布路径，桥接层自身不回写发件箱状态。
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/wyfcoding/tradingcore/internal/event"
	"github.com/wyfcoding/tradingcore/pkg/outbox"
)

// Publisher 底层消息发布，由 pkg/mq.Producer 满足
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Bridge 发件箱记录的发布端
type Bridge struct {
	producer Publisher
	logger   *slog.Logger
}

// New 构造桥接器
func New(producer Publisher, logger *slog.Logger) *Bridge {
	return &Bridge{producer: producer, logger: logger.With("module", "outbox_bridge")}
}

// Dispatch 发布一条发件箱记录。仅处理 PENDING 行；
// 发布失败时记录保持待发，由上游轮询或 CDC 重放补投。
func (b *Bridge) Dispatch(ctx context.Context, rec *outbox.Record) error {
	if rec.Status != outbox.StatusPending {
		b.logger.Debug("skipping non-pending record", "event_id", rec.EventID, "status", rec.Status)
		return nil
	}

	topic := rec.Topic
	if topic == "" {
		var known bool
		topic, known = event.Route(rec.EventType)
		if !known {
			b.logger.Warn("unknown event type routed to default topic",
				"event_type", rec.EventType, "event_id", rec.EventID)
		}
	}

	payload, err := enrich(rec)
	if err != nil {
		return fmt.Errorf("bridge: enrich %s: %w", rec.EventID, err)
	}
	key := event.PartitionKey(payload, rec.AggregateID)

	if err := b.producer.Publish(ctx, topic, key, payload); err != nil {
		return fmt.Errorf("bridge: publish %s to %s: %w", rec.EventID, topic, err)
	}
	b.logger.Debug("outbox record published",
		"event_id", rec.EventID, "event_type", rec.EventType, "topic", topic, "key", key)
	return nil
}

// Pusher 适配 outbox.Processor 的推送回调
func (b *Bridge) Pusher() outbox.Pusher {
	return func(ctx context.Context, rec *outbox.Record) error {
		return b.Dispatch(ctx, rec)
	}
}

// enrich 把记录列注入负载 JSON，列值覆盖负载内同名字段；
// 空列不注入，保留负载原值。其余字段原样透传。
func enrich(rec *outbox.Record) ([]byte, error) {
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(rec.Payload), &doc); err != nil {
		return nil, err
	}
	set := func(field, value string) {
		if value != "" {
			doc[field] = json.RawMessage(strconv.Quote(value))
		}
	}
	set("eventId", rec.EventID)
	set("eventType", rec.EventType)
	set("aggregateId", rec.AggregateID)
	set("sagaId", rec.SagaID)
	set("tradeId", rec.TradeID)
	return json.Marshal(doc)
}
