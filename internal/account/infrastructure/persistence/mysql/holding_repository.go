package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/tradingcore/internal/account/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type holdingRepository struct {
	db *gorm.DB
}

// NewHoldingRepository 创建持仓仓储
func NewHoldingRepository(db *gorm.DB) domain.HoldingRepository {
	return &holdingRepository{db: db}
}

func (r *holdingRepository) Save(ctx context.Context, holding *domain.StockHolding) error {
	return dbFrom(ctx, r.db).WithContext(ctx).Table(tableHoldings).Create(holding).Error
}

func (r *holdingRepository) Update(ctx context.Context, holding *domain.StockHolding) error {
	current := holding.Version
	result := dbFrom(ctx, r.db).WithContext(ctx).Table(tableHoldings).
		Where("user_id = ? AND symbol = ? AND version = ?", holding.UserID, holding.Symbol, current).
		Updates(map[string]any{
			"quantity":           holding.Quantity,
			"available_quantity": holding.AvailableQuantity,
			"frozen_quantity":    holding.FrozenQuantity,
			"avg_price":          holding.AvgPrice,
			"version":            current + 1,
			"updated_at":         time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NewFailure(domain.FailureConcurrentModification,
			"holding %s/%s modified concurrently", holding.UserID, holding.Symbol)
	}
	holding.Version = current + 1
	return nil
}

func (r *holdingRepository) Get(ctx context.Context, userID, symbol string) (*domain.StockHolding, error) {
	var holding domain.StockHolding
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableHoldings).
		Where("user_id = ? AND symbol = ?", userID, symbol).First(&holding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &holding, nil
}

func (r *holdingRepository) GetForUpdate(ctx context.Context, userID, symbol string) (*domain.StockHolding, error) {
	var holding domain.StockHolding
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableHoldings).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND symbol = ?", userID, symbol).First(&holding).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &holding, nil
}

func (r *holdingRepository) ListByUserID(ctx context.Context, userID string) ([]*domain.StockHolding, error) {
	var holdings []*domain.StockHolding
	err := dbFrom(ctx, r.db).WithContext(ctx).Table(tableHoldings).
		Where("user_id = ?", userID).Order("symbol ASC").Find(&holdings).Error
	if err != nil {
		return nil, err
	}
	return holdings, nil
}
