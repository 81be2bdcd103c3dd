// Package saga 提供嵌入式 saga 协调：状态机、GORM 存储与超时监控。
// 每个服务各自持有一张 saga 状态表，只负责自己驱动的环节，
// 跨服务的推进与补偿完全通过事件完成。
package saga

import (
	"fmt"
	"time"

	"github.com/wyfcoding/tradingcore/pkg/idgen"
)

// State saga 状态
type State string

const (
	StateStarted      State = "STARTED"
	StateInProgress   State = "IN_PROGRESS"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCompensating State = "COMPENSATING"
	StateCompensated  State = "COMPENSATED"
	StateTimeout      State = "TIMEOUT"
)

// Terminal 是否终态
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCompensated, StateTimeout:
		return true
	}
	return false
}

// Phase saga 所属环节
type Phase string

const (
	PhaseOrder Phase = "ORDER"
	// PhaseMatching 撮合服务处理订单事件的环节
	PhaseMatching Phase = "MATCHING"
	// PhaseSettlement 撮合服务等待账户结算回执的环节
	PhaseSettlement Phase = "SETTLEMENT"
	// PhaseAccount 账户服务执行结算的环节
	PhaseAccount Phase = "ACCOUNT"
)

// Saga 一次分布式事务在本服务视角下的状态记录
type Saga struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	SagaID    string    `gorm:"type:varchar(64);uniqueIndex;comment:saga全局ID"`
	Phase     Phase     `gorm:"type:varchar(16);index:idx_phase_order;index:idx_phase_trade;comment:所属环节"`
	OrderID   string    `gorm:"type:varchar(64);index:idx_phase_order;comment:订单ID"`
	TradeID   string    `gorm:"type:varchar(64);index:idx_phase_trade;comment:成交ID"`
	EventType string    `gorm:"type:varchar(64);comment:触发事件类型"`
	State     State     `gorm:"type:varchar(16);index:idx_state_timeout;comment:当前状态"`
	Payload   string    `gorm:"type:text;comment:触发事件负载快照"`
	TimeoutAt time.Time `gorm:"index:idx_state_timeout;comment:超时时刻"`
	Version   int64     `gorm:"comment:乐观锁版本"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

var transitions = map[State][]State{
	StateStarted:      {StateInProgress, StateCompleted, StateFailed, StateCompensating, StateCompensated, StateTimeout},
	StateInProgress:   {StateCompleted, StateFailed, StateCompensating, StateCompensated, StateTimeout},
	StateCompensating: {StateCompensated, StateTimeout},
}

// New 创建一条处于 initial 状态的 saga 记录
func New(phase Phase, initial State, orderID, tradeID, eventType, payload string, timeout time.Duration) *Saga {
	now := time.Now()
	return &Saga{
		SagaID:    fmt.Sprintf("SAGA-%d", idgen.GenID()),
		Phase:     phase,
		OrderID:   orderID,
		TradeID:   tradeID,
		EventType: eventType,
		State:     initial,
		Payload:   payload,
		TimeoutAt: now.Add(timeout),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CanTransition 判断能否从当前状态迁移到 next
func (s *Saga) CanTransition(next State) bool {
	for _, allowed := range transitions[s.State] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionTo 执行状态迁移，非法迁移返回错误
func (s *Saga) TransitionTo(next State) error {
	if !s.CanTransition(next) {
		return fmt.Errorf("saga %s: illegal transition %s -> %s", s.SagaID, s.State, next)
	}
	s.State = next
	s.UpdatedAt = time.Now()
	return nil
}
