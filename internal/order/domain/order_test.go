package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newLimitBuy(t *testing.T, qty string) *Order {
	t.Helper()
	o := NewOrder("U1", "AAPL", SideBuy, TypeLimit, dec("150.00"), dec(qty), "trace-1")
	if o.Status != StatusPending {
		t.Fatalf("new order status = %s, want PENDING", o.Status)
	}
	if err := o.MarkCreated(); err != nil {
		t.Fatalf("MarkCreated: %v", err)
	}
	return o
}

func TestOrderLifecycleHappyPath(t *testing.T) {
	o := newLimitBuy(t, "10")

	if err := o.ApplyFill(dec("4")); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if o.Status != StatusPartiallyFilled {
		t.Fatalf("status = %s, want PARTIALLY_FILLED", o.Status)
	}
	if !o.Remaining().Equal(dec("6")) {
		t.Fatalf("remaining = %s, want 6", o.Remaining())
	}

	if err := o.ApplyFill(dec("6")); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if o.Status != StatusFilled {
		t.Fatalf("status = %s, want FILLED", o.Status)
	}
	if o.Status.Terminal() {
		t.Fatal("FILLED must not be terminal, settlement receipt is still pending")
	}

	if err := o.Complete(); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if o.Status != StatusCompleted || !o.Status.Terminal() {
		t.Fatalf("status = %s, want terminal COMPLETED", o.Status)
	}
}

func TestOrderFillRejections(t *testing.T) {
	t.Run("overfill keeps order intact", func(t *testing.T) {
		o := newLimitBuy(t, "10")
		if err := o.ApplyFill(dec("11")); err == nil {
			t.Fatal("overfill accepted")
		}
		if !o.FilledQuantity.IsZero() || o.Status != StatusCreated {
			t.Fatalf("order mutated after rejected fill: filled=%s status=%s", o.FilledQuantity, o.Status)
		}
	})

	t.Run("fill on cancelled order rejected", func(t *testing.T) {
		o := newLimitBuy(t, "10")
		if err := o.Cancel("user cancelled"); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if err := o.ApplyFill(dec("1")); err == nil {
			t.Fatal("fill accepted on cancelled order")
		}
	})

	t.Run("exact fill of remainder fills the order", func(t *testing.T) {
		o := newLimitBuy(t, "0.00000003")
		if err := o.ApplyFill(dec("0.00000001")); err != nil {
			t.Fatalf("fill: %v", err)
		}
		if err := o.ApplyFill(dec("0.00000002")); err != nil {
			t.Fatalf("fill: %v", err)
		}
		if o.Status != StatusFilled {
			t.Fatalf("status = %s, want FILLED", o.Status)
		}
	})
}

func TestOrderCancellation(t *testing.T) {
	t.Run("user may cancel created and partially filled", func(t *testing.T) {
		o := newLimitBuy(t, "10")
		if !o.CancellableByUser() {
			t.Fatal("CREATED order must be user-cancellable")
		}
		_ = o.ApplyFill(dec("3"))
		if !o.CancellableByUser() {
			t.Fatal("PARTIALLY_FILLED order must be user-cancellable")
		}
	})

	t.Run("user may not cancel filled", func(t *testing.T) {
		o := newLimitBuy(t, "10")
		_ = o.ApplyFill(dec("10"))
		if o.CancellableByUser() {
			t.Fatal("FILLED order must not be user-cancellable")
		}
		// 补偿路径仍可取消
		if err := o.Cancel("settlement failed"); err != nil {
			t.Fatalf("compensation cancel on FILLED: %v", err)
		}
		if o.CancelReason != "settlement failed" {
			t.Fatalf("reason = %q", o.CancelReason)
		}
	})

	t.Run("terminal order cannot transition", func(t *testing.T) {
		o := newLimitBuy(t, "10")
		_ = o.Cancel("user cancelled")
		if err := o.MarkTimeout("saga timeout"); err == nil {
			t.Fatal("transition out of CANCELLED accepted")
		}
		if err := o.Complete(); err == nil {
			t.Fatal("complete on CANCELLED accepted")
		}
	})
}

func TestOrderTimeout(t *testing.T) {
	o := newLimitBuy(t, "10")
	_ = o.ApplyFill(dec("10"))
	if err := o.MarkTimeout("saga timeout at Account"); err != nil {
		t.Fatalf("MarkTimeout on FILLED: %v", err)
	}
	if o.Status != StatusTimeout || !o.Status.Terminal() {
		t.Fatalf("status = %s, want terminal TIMEOUT", o.Status)
	}
}

func TestOrderReject(t *testing.T) {
	o := NewOrder("U1", "AAPL", SideBuy, TypeLimit, dec("150.00"), dec("1"), "")
	if err := o.Reject("pre-trade risk declined"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if o.Status != StatusRejected || !o.Status.Terminal() {
		t.Fatalf("status = %s, want terminal REJECTED", o.Status)
	}
	if err := o.MarkCreated(); err == nil {
		t.Fatal("MarkCreated on REJECTED accepted")
	}
}

func TestFillSettlement(t *testing.T) {
	f := NewFill("T1", "AAPL", "B1", "S1", dec("150.00"), dec("10"))
	if f.Status != FillPending {
		t.Fatalf("new fill status = %s", f.Status)
	}
	if !f.Involves("B1") || !f.Involves("S1") || f.Involves("X") {
		t.Fatal("Involves misreports fill parties")
	}
	if err := f.Settle(); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if err := f.Settle(); err == nil {
		t.Fatal("second settle accepted")
	}

	r := NewFill("T2", "AAPL", "B1", "S1", dec("150.00"), dec("10"))
	r.MarkRolledBack()
	if r.Status != FillRolledBack {
		t.Fatalf("status = %s, want ROLLED_BACK", r.Status)
	}
	if err := r.Settle(); err == nil {
		t.Fatal("settle accepted on rolled back fill")
	}
}

func TestValidationErrorDiagnostics(t *testing.T) {
	ve := &ValidationError{}
	if !ve.Empty() {
		t.Fatal("fresh ValidationError not empty")
	}
	ve.Add("price", "must be positive")
	ve.Add("quantity", "at most %d decimal places", QuantityScale)
	if ve.Empty() || len(ve.Fields) != 2 {
		t.Fatalf("fields = %v", ve.Fields)
	}

	var err error = ve
	got, ok := AsValidation(err)
	if !ok || len(got.Fields) != 2 {
		t.Fatal("AsValidation failed to recover diagnostics")
	}
	if _, ok := AsValidation(errors.New("other")); ok {
		t.Fatal("AsValidation matched unrelated error")
	}
}
