// Package mysql 账户服务的 MySQL 持久化实现。
// 领域实体直接携带 gorm 标签，仓储按排序悲观锁与乐观版本双重保护写入。
package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/tradingcore/internal/account/domain"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 表名与逻辑模式保持一致
const (
	tableAccounts     = "accounts"
	tableHoldings     = "stock_holdings"
	tableReservations = "reservation_info"
	tableTxnLogs      = "transaction_logs"
)

// AutoMigrate 建表，开发环境使用
func AutoMigrate(db *gorm.DB) error {
	if err := db.Table(tableAccounts).AutoMigrate(&domain.Account{}); err != nil {
		return err
	}
	if err := db.Table(tableHoldings).AutoMigrate(&domain.StockHolding{}); err != nil {
		return err
	}
	if err := db.Table(tableReservations).AutoMigrate(&domain.ReservationInfo{}); err != nil {
		return err
	}
	return db.Table(tableTxnLogs).AutoMigrate(&domain.TransactionLog{})
}

// dbFrom 事务上下文优先
func dbFrom(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx := contextx.GetTx(ctx); tx != nil {
		return tx
	}
	return db
}

type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository 创建账户仓储
func NewAccountRepository(db *gorm.DB) domain.AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Save(ctx context.Context, account *domain.Account) error {
	return dbFrom(ctx, r.db).WithContext(ctx).Table(tableAccounts).Create(account).Error
}

// Update 带乐观版本写回。行锁之下版本必然一致，
// RowsAffected 为零说明锁路径被绕过，按并发冲突上抛。
func (r *accountRepository) Update(ctx context.Context, account *domain.Account) error {
	current := account.Version
	result := dbFrom(ctx, r.db).WithContext(ctx).Table(tableAccounts).
		Where("user_id = ? AND version = ?", account.UserID, current).
		Updates(map[string]any{
			"balance":           account.Balance,
			"available_balance": account.AvailableBalance,
			"frozen_balance":    account.FrozenBalance,
			"version":           current + 1,
			"updated_at":        time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NewFailure(domain.FailureConcurrentModification,
			"account %s modified concurrently", account.UserID)
	}
	account.Version = current + 1
	return nil
}

func (r *accountRepository) GetByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	var account domain.Account
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableAccounts).
		Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) GetByUserIDForUpdate(ctx context.Context, userID string) (*domain.Account, error) {
	var account domain.Account
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableAccounts).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}
