// Package outbox 实现事务性发件箱：业务事务内落库，异步中继发布到 Kafka
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wyfcoding/tradingcore/pkg/idgen"
)

// 发件箱记录状态
const (
	StatusPending   = "PENDING"
	StatusProcessed = "PROCESSED"
)

// Record 发件箱记录，每个服务拥有独立的表
type Record struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement;comment:自增主键，兼作发布顺序"`
	EventID       string    `gorm:"type:varchar(64);uniqueIndex;comment:事件ID"`
	EventType     string    `gorm:"type:varchar(64);index;comment:事件类型"`
	AggregateType string    `gorm:"type:varchar(32);comment:聚合类型"`
	AggregateID   string    `gorm:"type:varchar(64);index;comment:聚合ID"`
	SagaID        string    `gorm:"type:varchar(64);index;comment:关联的saga ID"`
	TradeID       string    `gorm:"type:varchar(64);comment:关联的成交ID"`
	Topic         string    `gorm:"type:varchar(64);comment:目标主题"`
	Payload       string    `gorm:"type:text;comment:事件负载JSON"`
	Status        string    `gorm:"type:varchar(16);index;default:'PENDING';comment:状态"`
	CreatedAt     time.Time `gorm:"index;comment:创建时间"`
	ProcessedAt   *time.Time
}

// Message 待写入发件箱的事件
type Message struct {
	EventType     string
	AggregateType string
	AggregateID   string
	SagaID        string
	TradeID       string
	Topic         string
	Payload       any
}

// Manager 发件箱写入与轮询的存储操作
type Manager struct {
	db    *gorm.DB
	table string
}

// NewManager 创建 Manager，table 为该服务的发件箱表名
func NewManager(db *gorm.DB, table string) *Manager {
	return &Manager{db: db, table: table}
}

// Table 返回发件箱表名
func (m *Manager) Table() string {
	return m.table
}

// AutoMigrate 建表，仅开发环境使用
func (m *Manager) AutoMigrate() error {
	return m.db.Table(m.table).AutoMigrate(&Record{})
}

// PublishInTx 在调用方事务内追加一条发件箱记录，
// 与业务写入同提交同回滚，保证事件不丢不多
func (m *Manager) PublishInTx(ctx context.Context, tx *gorm.DB, msg *Message) error {
	if tx == nil {
		return fmt.Errorf("outbox: PublishInTx requires an open transaction")
	}

	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	rec := &Record{
		EventID:       fmt.Sprintf("EVT-%d", idgen.GenID()),
		EventType:     msg.EventType,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		SagaID:        msg.SagaID,
		TradeID:       msg.TradeID,
		Topic:         msg.Topic,
		Payload:       string(data),
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}

	return tx.WithContext(ctx).Table(m.table).Create(rec).Error
}

// FetchPending 按 ID 升序取出待发布记录
func (m *Manager) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	err := m.db.WithContext(ctx).
		Table(m.table).
		Where("status = ?", StatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: %w", err)
	}
	return records, nil
}

// MarkProcessed 标记记录已发布
func (m *Manager) MarkProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return m.db.WithContext(ctx).
		Table(m.table).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       StatusProcessed,
			"processed_at": &now,
		}).Error
}

// CleanupProcessed 删除早于 before 的已发布记录
func (m *Manager) CleanupProcessed(ctx context.Context, before time.Time) error {
	return m.db.WithContext(ctx).
		Table(m.table).
		Where("status = ? AND processed_at < ?", StatusProcessed, before).
		Delete(&Record{}).Error
}
