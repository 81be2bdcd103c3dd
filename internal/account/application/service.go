// Package application 账户服务的应用层：预留、结算、释放与回滚，
// 以及入金发股等管理入口。所有余额变更走排序悲观锁事务。
package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/internal/account/domain"
	"github.com/wyfcoding/tradingcore/internal/saga"
	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"github.com/wyfcoding/tradingcore/pkg/outbox"
	"gorm.io/gorm"
)

// TxRunner 事务执行器，由 pkg/db.DB 满足
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// EventPublisher 事务内出站事件发布，由 pkg/outbox.Manager 满足
type EventPublisher interface {
	PublishInTx(ctx context.Context, tx *gorm.DB, msg *outbox.Message) error
}

// SagaStore 结算 saga 存取，由 internal/saga.Store 满足
type SagaStore interface {
	Create(ctx context.Context, sg *saga.Saga) error
	GetByTradeID(ctx context.Context, phase saga.Phase, tradeID string) (*saga.Saga, error)
	Advance(ctx context.Context, sg *saga.Saga, next saga.State) error
}

// ProcessedCache 已结算成交的快路径判重缓存，由 pkg/cache.RedisCache 满足。
// 缓存不可用时结算退化为 DB 判重，不影响正确性。
type ProcessedCache interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
}

// Service 账户应用服务
type Service struct {
	accounts     domain.AccountRepository
	holdings     domain.HoldingRepository
	reservations domain.ReservationRepository
	txnlogs      domain.TransactionLogRepository
	sagas        SagaStore
	outbox       EventPublisher
	tx           TxRunner
	cache        ProcessedCache

	lockTimeout   time.Duration
	settleTimeout time.Duration
	cacheTTL      time.Duration

	logger *slog.Logger
}

// NewService 构造账户应用服务。cache 可为 nil。
func NewService(
	accounts domain.AccountRepository,
	holdings domain.HoldingRepository,
	reservations domain.ReservationRepository,
	txnlogs domain.TransactionLogRepository,
	sagas SagaStore,
	publisher EventPublisher,
	tx TxRunner,
	cache ProcessedCache,
	lockTimeout time.Duration,
	settleTimeout time.Duration,
	logger *slog.Logger,
) *Service {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	if settleTimeout <= 0 {
		settleTimeout = 5 * time.Second
	}
	return &Service{
		accounts:      accounts,
		holdings:      holdings,
		reservations:  reservations,
		txnlogs:       txnlogs,
		sagas:         sagas,
		outbox:        publisher,
		tx:            tx,
		cache:         cache,
		lockTimeout:   lockTimeout,
		settleTimeout: settleTimeout,
		cacheTTL:      24 * time.Hour,
		logger:        logger.With("module", "account_service"),
	}
}

// Deposit 入金。账户不存在时自动开户。
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*domain.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit amount must be positive, got %s", amount)
	}
	amount = amount.Round(domain.MoneyScale)

	var acct *domain.Account
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		var err error
		acct, err = s.accounts.GetByUserIDForUpdate(txCtx, userID)
		if err != nil {
			return err
		}
		if acct == nil {
			acct = domain.NewAccount(userID)
			if err := s.accounts.Save(txCtx, acct); err != nil {
				return err
			}
		}
		balBefore := acct.Balance
		acct.Credit(amount)
		if err := s.accounts.Update(txCtx, acct); err != nil {
			return err
		}
		log := domain.NewTransactionLog("", userID, domain.TxnDeposit, "", "", amount, decimal.Zero, decimal.Zero).
			WithBalances(balBefore, acct.Balance)
		return s.txnlogs.Save(txCtx, log)
	})
	if err != nil {
		return nil, domain.ClassifyDBError(err)
	}
	s.logger.Info("deposit applied", "user_id", userID, "amount", amount.String())
	return acct, nil
}

// GrantShares 发股入仓，cost = round4(price*quantity) 作为建仓成本
func (s *Service) GrantShares(ctx context.Context, userID, symbol string, quantity, price decimal.Decimal) (*domain.StockHolding, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("grant quantity must be positive, got %s", quantity)
	}
	if price.IsNegative() {
		return nil, fmt.Errorf("grant price must not be negative, got %s", price)
	}
	cost := price.Mul(quantity).Round(domain.MoneyScale)

	var hold *domain.StockHolding
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txCtx := contextx.WithTx(ctx, tx)
		var err error
		hold, err = s.holdings.GetForUpdate(txCtx, userID, symbol)
		if err != nil {
			return err
		}
		if hold == nil {
			hold = domain.NewStockHolding(userID, symbol)
			if err := s.holdings.Save(txCtx, hold); err != nil {
				return err
			}
		}
		qtyBefore := hold.Quantity
		hold.AddShares(quantity, cost)
		if err := s.holdings.Update(txCtx, hold); err != nil {
			return err
		}
		log := domain.NewTransactionLog("", userID, domain.TxnGrant, symbol, "", cost, quantity, price).
			WithBalances(qtyBefore, hold.Quantity)
		return s.txnlogs.Save(txCtx, log)
	})
	if err != nil {
		return nil, domain.ClassifyDBError(err)
	}
	s.logger.Info("shares granted", "user_id", userID, "symbol", symbol, "quantity", quantity.String())
	return hold, nil
}

// GetAccount 查询资金账户
func (s *Service) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	return s.accounts.GetByUserID(ctx, userID)
}

// ListHoldings 查询用户全部持仓
func (s *Service) ListHoldings(ctx context.Context, userID string) ([]*domain.StockHolding, error) {
	return s.holdings.ListByUserID(ctx, userID)
}

// GetReservation 按订单查询预留
func (s *Service) GetReservation(ctx context.Context, orderID string) (*domain.ReservationInfo, error) {
	return s.reservations.GetByOrderID(ctx, orderID)
}

// ListTransactions 分页查询用户流水
func (s *Service) ListTransactions(ctx context.Context, userID string, page, size int) ([]*domain.TransactionLog, int64, error) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 200 {
		size = 20
	}
	return s.txnlogs.ListByUserID(ctx, userID, page, size)
}
