package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/tradingcore/internal/order/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type fillRepository struct {
	db *gorm.DB
}

// NewFillRepository 创建成交仓储
func NewFillRepository(db *gorm.DB) domain.FillRepository {
	return &fillRepository{db: db}
}

// Save 插入成交记录。trade_id 唯一索引兜底并发重复投递，
// 冲突由调用方经 domain.IsDuplicateKey 识别。
func (r *fillRepository) Save(ctx context.Context, fill *domain.OrderFill) error {
	return dbFrom(ctx, r.db).WithContext(ctx).Table(tableFills).Create(fill).Error
}

func (r *fillRepository) Update(ctx context.Context, fill *domain.OrderFill) error {
	return dbFrom(ctx, r.db).WithContext(ctx).Table(tableFills).
		Where("trade_id = ?", fill.TradeID).
		Updates(map[string]any{
			"status":     string(fill.Status),
			"updated_at": time.Now(),
		}).Error
}

func (r *fillRepository) GetByTradeID(ctx context.Context, tradeID string) (*domain.OrderFill, error) {
	var fill domain.OrderFill
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableFills).
		Where("trade_id = ?", tradeID).First(&fill).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &fill, nil
}

func (r *fillRepository) GetByTradeIDForUpdate(ctx context.Context, tradeID string) (*domain.OrderFill, error) {
	var fill domain.OrderFill
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableFills).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("trade_id = ?", tradeID).First(&fill).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &fill, nil
}

func (r *fillRepository) CountUnsettled(ctx context.Context, orderID string) (int64, error) {
	var n int64
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableFills).
		Where("(buy_order_id = ? OR sell_order_id = ?) AND status <> ?",
			orderID, orderID, string(domain.FillSettled)).
		Count(&n).Error
	return n, err
}

func (r *fillRepository) ListByOrderID(ctx context.Context, orderID string) ([]*domain.OrderFill, error) {
	var fills []*domain.OrderFill
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableFills).
		Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("created_at ASC").
		Find(&fills).Error
	return fills, err
}
