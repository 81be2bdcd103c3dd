package mysql

import (
	"context"

	"github.com/wyfcoding/tradingcore/internal/account/domain"
	"gorm.io/gorm"
)

type txnLogRepository struct {
	db *gorm.DB
}

// NewTransactionLogRepository 创建流水仓储
func NewTransactionLogRepository(db *gorm.DB) domain.TransactionLogRepository {
	return &txnLogRepository{db: db}
}

func (r *txnLogRepository) Save(ctx context.Context, log *domain.TransactionLog) error {
	return dbFrom(ctx, r.db).WithContext(ctx).Table(tableTxnLogs).Create(log).Error
}

func (r *txnLogRepository) ListByTradeID(ctx context.Context, tradeID string) ([]*domain.TransactionLog, error) {
	var logs []*domain.TransactionLog
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableTxnLogs).
		Where("trade_id = ?", tradeID).Order("id ASC").Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *txnLogRepository) Exists(ctx context.Context, tradeID, userID, kind string) (bool, error) {
	var count int64
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableTxnLogs).
		Where("trade_id = ? AND user_id = ? AND kind = ?", tradeID, userID, kind).
		Count(&count).Error
	return count > 0, err
}

func (r *txnLogRepository) ExistsForOrder(ctx context.Context, orderID string) (bool, error) {
	var count int64
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableTxnLogs).
		Where("order_id = ?", orderID).Count(&count).Error
	return count > 0, err
}

func (r *txnLogRepository) ListByUserID(ctx context.Context, userID string, page, size int) ([]*domain.TransactionLog, int64, error) {
	q := dbFrom(ctx, r.db).WithContext(ctx).Table(tableTxnLogs).Where("user_id = ?", userID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var logs []*domain.TransactionLog
	err := q.Order("created_at DESC, id DESC").
		Offset((page - 1) * size).Limit(size).Find(&logs).Error
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}
