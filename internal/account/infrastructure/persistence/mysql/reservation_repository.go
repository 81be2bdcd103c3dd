package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/tradingcore/internal/account/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type reservationRepository struct {
	db *gorm.DB
}

// NewReservationRepository 创建预留仓储
func NewReservationRepository(db *gorm.DB) domain.ReservationRepository {
	return &reservationRepository{db: db}
}

func (r *reservationRepository) Save(ctx context.Context, res *domain.ReservationInfo) error {
	return dbFrom(ctx, r.db).WithContext(ctx).Table(tableReservations).Create(res).Error
}

// Update 写回消费进度与状态。预留受 order_id 行锁保护，无需版本比对。
func (r *reservationRepository) Update(ctx context.Context, res *domain.ReservationInfo) error {
	return dbFrom(ctx, r.db).WithContext(ctx).Table(tableReservations).
		Where("reservation_id = ?", res.ReservationID).
		Updates(map[string]any{
			"remaining_amount":   res.RemainingAmount,
			"remaining_quantity": res.RemainingQuantity,
			"status":             res.Status,
			"updated_at":         time.Now(),
		}).Error
}

func (r *reservationRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.ReservationInfo, error) {
	var res domain.ReservationInfo
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableReservations).
		Where("order_id = ?", orderID).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (r *reservationRepository) GetByOrderIDForUpdate(ctx context.Context, orderID string) (*domain.ReservationInfo, error) {
	var res domain.ReservationInfo
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableReservations).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}
