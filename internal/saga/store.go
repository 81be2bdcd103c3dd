package saga

import (
	"context"
	"errors"
	"time"

	"github.com/wyfcoding/tradingcore/pkg/contextx"
	"gorm.io/gorm"
)

// ErrVersionConflict 乐观锁更新失败，记录已被并发修改
var ErrVersionConflict = errors.New("saga: version conflict")

// Store 基于 GORM 的 saga 状态存储。
// table 按服务区分（order_saga_states 等），多个服务可共用同一个库。
type Store struct {
	db    *gorm.DB
	table string
}

// NewStore 创建指定表名的存储
func NewStore(db *gorm.DB, table string) *Store {
	return &Store{db: db, table: table}
}

// Table 返回底层表名
func (s *Store) Table() string {
	return s.table
}

// AutoMigrate 建表，仅开发环境使用
func (s *Store) AutoMigrate() error {
	return s.db.Table(s.table).AutoMigrate(&Saga{})
}

func (s *Store) dbFrom(ctx context.Context) *gorm.DB {
	if tx := contextx.GetTx(ctx); tx != nil {
		return tx.WithContext(ctx).Table(s.table)
	}
	return s.db.WithContext(ctx).Table(s.table)
}

// Create 插入一条新的 saga 记录
func (s *Store) Create(ctx context.Context, sg *Saga) error {
	return s.dbFrom(ctx).Create(sg).Error
}

// GetBySagaID 按 sagaId 查询，不存在时返回 (nil, nil)
func (s *Store) GetBySagaID(ctx context.Context, sagaID string) (*Saga, error) {
	var sg Saga
	err := s.dbFrom(ctx).Where("saga_id = ?", sagaID).First(&sg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

// GetByOrderID 按环节和订单号查询，不存在时返回 (nil, nil)
func (s *Store) GetByOrderID(ctx context.Context, phase Phase, orderID string) (*Saga, error) {
	var sg Saga
	err := s.dbFrom(ctx).Where("phase = ? AND order_id = ?", phase, orderID).First(&sg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

// GetByTradeID 按环节和成交号查询，不存在时返回 (nil, nil)
func (s *Store) GetByTradeID(ctx context.Context, phase Phase, tradeID string) (*Saga, error) {
	var sg Saga
	err := s.dbFrom(ctx).Where("phase = ? AND trade_id = ?", phase, tradeID).First(&sg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

// InTx 在一个数据库事务内执行 fn，事务经由 ctx 传递，
// fn 中的存取调用与 outbox 写入共享同一事务。
func (s *Store) InTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(contextx.WithTx(ctx, tx))
	})
}

// Advance 校验并执行状态迁移，带乐观锁版本检查。
// 并发更新冲突时返回 ErrVersionConflict，由调用方决定重试或放弃。
func (s *Store) Advance(ctx context.Context, sg *Saga, next State) error {
	prev := sg.Version
	if err := sg.TransitionTo(next); err != nil {
		return err
	}
	sg.Version++
	res := s.dbFrom(ctx).
		Where("saga_id = ? AND version = ?", sg.SagaID, prev).
		Updates(map[string]any{
			"state":      sg.State,
			"version":    sg.Version,
			"updated_at": sg.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// FindExpired 找出 timeout_at 已过且仍未到终态的记录
func (s *Store) FindExpired(ctx context.Context, now time.Time, limit int) ([]Saga, error) {
	var rows []Saga
	err := s.dbFrom(ctx).
		Where("state IN ? AND timeout_at < ?",
			[]State{StateStarted, StateInProgress, StateCompensating}, now).
		Order("timeout_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
