// Package mysql 撮合服务的 MySQL 持久化实现
package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/internal/matching/domain"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"gorm.io/gorm"
)

// TradeModel trades 表模型
type TradeModel struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement"`
	TradeID     string          `gorm:"type:varchar(64);uniqueIndex;comment:成交ID"`
	Symbol      string          `gorm:"type:varchar(32);index:idx_symbol_time;comment:交易对"`
	BuyOrderID  string          `gorm:"type:varchar(64);index;comment:买方订单ID"`
	SellOrderID string          `gorm:"type:varchar(64);index;comment:卖方订单ID"`
	BuyUserID   string          `gorm:"type:varchar(64);comment:买方用户ID"`
	SellUserID  string          `gorm:"type:varchar(64);comment:卖方用户ID"`
	Price       decimal.Decimal `gorm:"type:decimal(20,2);comment:成交价"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,8);comment:成交数量"`
	ExecutedAt  time.Time       `gorm:"index:idx_symbol_time;comment:成交时刻"`
	CreatedAt   time.Time
}

// TableName 指定表名
func (TradeModel) TableName() string {
	return "trades"
}

func (m *TradeModel) toDomain() *domain.Trade {
	return &domain.Trade{
		TradeID:     m.TradeID,
		Symbol:      m.Symbol,
		BuyOrderID:  m.BuyOrderID,
		SellOrderID: m.SellOrderID,
		BuyUserID:   m.BuyUserID,
		SellUserID:  m.SellUserID,
		Price:       m.Price,
		Quantity:    m.Quantity,
		Timestamp:   m.ExecutedAt,
	}
}

func fromDomain(t *domain.Trade) *TradeModel {
	return &TradeModel{
		TradeID:     t.TradeID,
		Symbol:      t.Symbol,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		BuyUserID:   t.BuyUserID,
		SellUserID:  t.SellUserID,
		Price:       t.Price,
		Quantity:    t.Quantity,
		ExecutedAt:  t.Timestamp,
	}
}

type tradeRepository struct {
	db *gorm.DB
}

// NewTradeRepository 创建成交仓储
func NewTradeRepository(db *gorm.DB) domain.TradeRepository {
	return &tradeRepository{db: db}
}

func (r *tradeRepository) dbFrom(ctx context.Context) *gorm.DB {
	if tx := contextx.GetTx(ctx); tx != nil {
		return tx.WithContext(ctx)
	}
	return r.db.WithContext(ctx)
}

func (r *tradeRepository) Save(ctx context.Context, trade *domain.Trade) error {
	return r.dbFrom(ctx).Create(fromDomain(trade)).Error
}

func (r *tradeRepository) GetByTradeID(ctx context.Context, tradeID string) (*domain.Trade, error) {
	var m TradeModel
	err := r.dbFrom(ctx).Where("trade_id = ?", tradeID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.toDomain(), nil
}

func (r *tradeRepository) ListBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	var models []TradeModel
	err := r.dbFrom(ctx).
		Where("symbol = ?", symbol).
		Order("executed_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	trades := make([]*domain.Trade, len(models))
	for i := range models {
		trades[i] = models[i].toDomain()
	}
	return trades, nil
}

func (r *tradeRepository) ListByOrderID(ctx context.Context, orderID string) ([]*domain.Trade, error) {
	var models []TradeModel
	err := r.dbFrom(ctx).
		Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("executed_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	trades := make([]*domain.Trade, len(models))
	for i := range models {
		trades[i] = models[i].toDomain()
	}
	return trades, nil
}
