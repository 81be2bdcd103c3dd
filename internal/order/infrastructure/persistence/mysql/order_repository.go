// Package mysql 订单服务的 MySQL 持久化实现。
// 订单与成交均为领域实体直存，写回走乐观版本，行锁由仓储的 ForUpdate 方法提供。
package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wyfcoding/tradingcore/internal/order/domain"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	tableOrders = "orders"
	tableFills  = "order_fills"
)

// AutoMigrate 建表，开发环境使用
func AutoMigrate(db *gorm.DB) error {
	if err := db.Table(tableOrders).AutoMigrate(&domain.Order{}); err != nil {
		return err
	}
	return db.Table(tableFills).AutoMigrate(&domain.OrderFill{})
}

// dbFrom 事务上下文优先
func dbFrom(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx := contextx.GetTx(ctx); tx != nil {
		return tx
	}
	return db
}

type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository 创建订单仓储
func NewOrderRepository(db *gorm.DB) domain.OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Save(ctx context.Context, order *domain.Order) error {
	return dbFrom(ctx, r.db).WithContext(ctx).Table(tableOrders).Create(order).Error
}

// Update 带乐观版本写回。行锁之下版本必然一致，
// RowsAffected 为零说明锁路径被绕过，按并发冲突上抛。
func (r *orderRepository) Update(ctx context.Context, order *domain.Order) error {
	current := order.Version
	result := dbFrom(ctx, r.db).WithContext(ctx).Table(tableOrders).
		Where("order_id = ? AND version = ?", order.OrderID, current).
		Updates(map[string]any{
			"status":          string(order.Status),
			"filled_quantity": order.FilledQuantity,
			"cancel_reason":   order.CancelReason,
			"version":         current + 1,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s", domain.ErrConcurrentModification, order.OrderID)
	}
	order.Version = current + 1
	return nil
}

func (r *orderRepository) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableOrders).
		Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) GetForUpdate(ctx context.Context, orderID string) (*domain.Order, error) {
	var order domain.Order
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableOrders).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, status domain.Status, page, size int) ([]*domain.Order, int64, error) {
	q := dbFrom(ctx, r.db).WithContext(ctx).Table(tableOrders).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var orders []*domain.Order
	err := q.Order("created_at DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&orders).Error
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}
