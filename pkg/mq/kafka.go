// Package mq 提供 Kafka producer/consumer 通用实现，支持手动提交、就地重试与死信队列
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"github.com/wyfcoding/tradingcore/pkg/config"
	"github.com/wyfcoding/tradingcore/pkg/logging"
)

// Handler 消费处理函数。返回 nil 提交位点；返回错误触发就地重试，
// 重试耗尽后消息进入死信队列（若配置）。不可重试的错误用 Permanent 包装。
type Handler func(ctx context.Context, msg kafka.Message) error

// Permanent 标记错误为不可重试，消费循环将跳过退避直接进入死信处理
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Producer Kafka 生产者，acks=all、snappy 压缩、按 key 哈希分区
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg *config.KafkaConfig) *Producer {
	batchTimeout := time.Duration(cfg.BatchTimeout) * time.Millisecond
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		BatchTimeout:           batchTimeout,
		MaxAttempts:            maxAttempts,
		AllowAutoTopicCreation: true,
	}

	logging.Info(context.Background(), "Kafka producer created", "brokers", cfg.Brokers)
	return &Producer{writer: writer}
}

// Publish 发送一条消息，key 决定分区，保证同 key 顺序
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		logging.Error(ctx, "Failed to publish Kafka message", "topic", topic, "key", key, "error", err)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	logging.Debug(ctx, "Kafka message published", "topic", topic, "key", key)
	return nil
}

// PublishJSON 将 value 序列化为 JSON 后发送
func (p *Producer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.Publish(ctx, topic, key, data)
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 单主题消费者，FetchMessage/CommitMessages 手动提交
type Consumer struct {
	reader     *kafka.Reader
	dlq        *DeadLetterQueue
	maxRetries int
	topic      string
}

// NewConsumer 创建 Kafka 消费者，cfg.Topic 为消费主题
func NewConsumer(cfg *config.KafkaConfig, dlq *DeadLetterQueue) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6,
	})

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	logging.Info(context.Background(), "Kafka consumer created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group_id", cfg.GroupID,
	)
	return &Consumer{
		reader:     reader,
		dlq:        dlq,
		maxRetries: maxRetries,
		topic:      cfg.Topic,
	}
}

// Start 启动消费循环。workers 大于 1 时不保证分区内顺序，
// 依赖事件顺序的消费者应传 1。
func (c *Consumer) Start(ctx context.Context, workers int, handler Handler) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		go c.run(ctx, handler)
	}
}

func (c *Consumer) run(ctx context.Context, handler Handler) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			logging.Error(ctx, "Failed to fetch Kafka message", "topic", c.topic, "error", err)
			continue
		}

		c.process(ctx, msg, handler)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			logging.Error(ctx, "Failed to commit Kafka offset",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// process 调用 handler，失败时指数退避重试，重试耗尽转死信
func (c *Consumer) process(ctx context.Context, msg kafka.Message, handler Handler) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	operation := func() (struct{}, error) {
		return struct{}{}, handler(ctx, msg)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries)),
	)
	if err == nil {
		return
	}

	logging.Error(ctx, "Message processing exhausted retries",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"error", err,
	)

	if c.dlq != nil {
		if dlqErr := c.dlq.Send(ctx, msg, err); dlqErr != nil {
			logging.Error(ctx, "Failed to forward message to DLQ", "topic", msg.Topic, "error", dlqErr)
		}
	}
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DeadLetterQueue 死信队列，承接重试耗尽的毒消息
type DeadLetterQueue struct {
	producer *Producer
	topic    string
}

// NewDeadLetterQueue 创建死信队列
func NewDeadLetterQueue(producer *Producer, topic string) *DeadLetterQueue {
	if topic == "" {
		return nil
	}
	return &DeadLetterQueue{producer: producer, topic: topic}
}

// Send 将原消息连同失败信息发送到死信主题
func (dlq *DeadLetterQueue) Send(ctx context.Context, original kafka.Message, cause error) error {
	payload := map[string]any{
		"original_topic":    original.Topic,
		"original_key":      string(original.Key),
		"original_value":    string(original.Value),
		"original_offset":   original.Offset,
		"original_time":     original.Time,
		"failure_error":     cause.Error(),
		"failure_timestamp": time.Now(),
	}
	return dlq.producer.PublishJSON(ctx, dlq.topic, string(original.Key), payload)
}
