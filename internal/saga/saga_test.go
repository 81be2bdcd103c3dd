package saga

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCompensated, StateTimeout}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("state %s should be terminal", s)
		}
	}
	active := []State{StateStarted, StateInProgress, StateCompensating}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("state %s should not be terminal", s)
		}
	}
}

func TestTransitions(t *testing.T) {
	t.Run("started to in_progress to completed", func(t *testing.T) {
		sg := New(PhaseMatching, StateStarted, "ORD-1", "", "OrderCreatedEvent", "{}", 10*time.Second)
		if err := sg.TransitionTo(StateInProgress); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := sg.TransitionTo(StateCompleted); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sg.State != StateCompleted {
			t.Fatalf("state = %s, want %s", sg.State, StateCompleted)
		}
	})

	t.Run("compensating only reaches compensated or timeout", func(t *testing.T) {
		sg := New(PhaseAccount, StateStarted, "ORD-2", "TRD-1", "TradeExecutedEvent", "{}", 5*time.Second)
		if err := sg.TransitionTo(StateCompensating); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := sg.TransitionTo(StateCompleted); err == nil {
			t.Fatal("expected illegal transition error, got nil")
		}
		if err := sg.TransitionTo(StateCompensated); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("terminal states are frozen", func(t *testing.T) {
		for _, terminal := range []State{StateCompleted, StateFailed, StateCompensated, StateTimeout} {
			sg := New(PhaseOrder, StateStarted, "ORD-3", "", "OrderCreatedEvent", "{}", time.Second)
			sg.State = terminal
			for _, next := range []State{StateStarted, StateInProgress, StateCompleted, StateFailed, StateCompensating, StateCompensated, StateTimeout} {
				if err := sg.TransitionTo(next); err == nil {
					t.Errorf("transition %s -> %s should be rejected", terminal, next)
				}
			}
		}
	})

	t.Run("illegal transition keeps state", func(t *testing.T) {
		sg := New(PhaseSettlement, StateInProgress, "ORD-4", "TRD-2", "TradeExecutedEvent", "{}", time.Second)
		before := sg.State
		if err := sg.TransitionTo(StateStarted); err == nil {
			t.Fatal("expected illegal transition error, got nil")
		}
		if sg.State != before {
			t.Fatalf("state mutated on failed transition: %s", sg.State)
		}
	})
}

func TestNew(t *testing.T) {
	before := time.Now()
	sg := New(PhaseOrder, StateStarted, "ORD-9", "", "OrderCreatedEvent", `{"orderId":"ORD-9"}`, 30*time.Second)
	if sg.SagaID == "" {
		t.Fatal("SagaID should be generated")
	}
	if sg.Version != 1 {
		t.Fatalf("Version = %d, want 1", sg.Version)
	}
	wantMin := before.Add(30 * time.Second)
	if sg.TimeoutAt.Before(wantMin) {
		t.Fatalf("TimeoutAt = %v, want >= %v", sg.TimeoutAt, wantMin)
	}
}

// memStore 内存版 TimeoutStore。InTx 以快照/恢复模拟事务回滚；
// afterFind 在扫描取得副本后执行，用来模拟并发更新。
type memStore struct {
	rows      []*Saga
	afterFind func()
}

func (s *memStore) Table() string { return "test_saga_states" }

func (s *memStore) FindExpired(_ context.Context, now time.Time, limit int) ([]Saga, error) {
	var out []Saga
	for _, r := range s.rows {
		if !r.State.Terminal() && r.TimeoutAt.Before(now) && len(out) < limit {
			out = append(out, *r)
		}
	}
	if s.afterFind != nil {
		s.afterFind()
	}
	return out, nil
}

func (s *memStore) Advance(_ context.Context, sg *Saga, next State) error {
	for _, r := range s.rows {
		if r.SagaID == sg.SagaID {
			if r.Version != sg.Version {
				return ErrVersionConflict
			}
			if err := sg.TransitionTo(next); err != nil {
				return err
			}
			sg.Version++
			*r = *sg
			return nil
		}
	}
	return ErrVersionConflict
}

func (s *memStore) InTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	saved := make([]Saga, len(s.rows))
	for i, r := range s.rows {
		saved[i] = *r
	}
	if err := fn(ctx); err != nil {
		s.rows = make([]*Saga, len(saved))
		for i := range saved {
			v := saved[i]
			s.rows[i] = &v
		}
		return err
	}
	return nil
}

func expiredSaga(phase Phase, orderID, tradeID string) *Saga {
	return New(phase, StateInProgress, orderID, tradeID, "TradeExecutedEvent", "", -time.Second)
}

func TestSweepMarksExpiredSagas(t *testing.T) {
	terminal := New(PhaseOrder, StateStarted, "ORD-3", "", "OrderCreatedEvent", "", -time.Second)
	terminal.State = StateCompleted
	store := &memStore{rows: []*Saga{
		expiredSaga(PhaseSettlement, "ORD-1", "TRD-1"),
		New(PhaseMatching, StateInProgress, "ORD-2", "", "OrderCreatedEvent", "", time.Hour),
		terminal,
	}}

	var handled []*Saga
	m := NewMonitor(store, time.Second, func(_ context.Context, sg *Saga) error {
		handled = append(handled, sg)
		return nil
	}, nil)

	if n := m.Sweep(context.Background()); n != 1 {
		t.Fatalf("marked = %d, want 1", n)
	}
	if len(handled) != 1 || handled[0].OrderID != "ORD-1" || handled[0].TradeID != "TRD-1" {
		t.Fatalf("handled = %+v", handled)
	}
	if store.rows[0].State != StateTimeout {
		t.Fatalf("expired saga state = %s, want TIMEOUT", store.rows[0].State)
	}
	if store.rows[1].State != StateInProgress {
		t.Fatal("live saga must not be touched")
	}
	if store.rows[2].State != StateCompleted {
		t.Fatal("terminal saga must not be touched")
	}

	// 已标记的记录下一轮不再出现
	if n := m.Sweep(context.Background()); n != 0 {
		t.Fatalf("second sweep marked = %d, want 0", n)
	}
}

func TestSweepRollsBackWhenHandlerFails(t *testing.T) {
	store := &memStore{rows: []*Saga{expiredSaga(PhaseMatching, "ORD-1", "")}}
	calls := 0
	m := NewMonitor(store, time.Second, func(context.Context, *Saga) error {
		calls++
		if calls == 1 {
			return errors.New("outbox insert failed")
		}
		return nil
	}, nil)

	if n := m.Sweep(context.Background()); n != 0 {
		t.Fatalf("marked = %d, want 0", n)
	}
	if store.rows[0].State != StateInProgress {
		t.Fatal("failed handler must roll back the TIMEOUT mark")
	}

	// 下一轮重试成功
	if n := m.Sweep(context.Background()); n != 1 {
		t.Fatalf("retry sweep marked = %d, want 1", n)
	}
	if store.rows[0].State != StateTimeout {
		t.Fatalf("state = %s, want TIMEOUT", store.rows[0].State)
	}
}

func TestSweepSkipsConcurrentlyAdvancedSaga(t *testing.T) {
	store := &memStore{rows: []*Saga{expiredSaga(PhaseSettlement, "ORD-1", "TRD-1")}}
	// 扫描取到副本后，正常完成路径抢先推进了这条记录
	store.afterFind = func() {
		store.rows[0].State = StateCompleted
		store.rows[0].Version++
	}
	handlerCalls := 0
	m := NewMonitor(store, time.Second, func(context.Context, *Saga) error {
		handlerCalls++
		return nil
	}, nil)

	if n := m.Sweep(context.Background()); n != 0 {
		t.Fatalf("marked = %d, want 0", n)
	}
	if handlerCalls != 0 {
		t.Fatal("loser of the version race must not emit timeout events")
	}
	if store.rows[0].State != StateCompleted {
		t.Fatalf("state = %s, concurrent completion must stand", store.rows[0].State)
	}
}
