package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func limit(id, userID string, side Side, price, qty string) *Order {
	return NewOrder(id, userID, "AAPL", side, TypeLimit, dec(price), dec(qty))
}

func market(id, userID string, side Side, qty string) *Order {
	return NewOrder(id, userID, "AAPL", side, TypeMarket, decimal.Zero, dec(qty))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustMatch(t *testing.T, b *OrderBook, o *Order) *MatchResult {
	t.Helper()
	res, err := b.Match(o)
	if err != nil {
		t.Fatalf("match %s: unexpected error: %v", o.OrderID, err)
	}
	return res
}

func TestLimitOrderRests(t *testing.T) {
	b := NewOrderBook("AAPL")
	res := mustMatch(t, b, limit("O-1", "u1", SideBuy, "100", "5"))

	if res.Status != StatusResting {
		t.Fatalf("status = %s, want %s", res.Status, StatusResting)
	}
	if !res.Resting {
		t.Fatal("order should be resting")
	}
	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
	if !b.Contains("O-1") || b.Len() != 1 {
		t.Fatal("order should be in the book")
	}
}

func TestTradeAtRestingPrice(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("S-1", "seller", SideSell, "100", "5"))

	res := mustMatch(t, b, limit("B-1", "buyer", SideBuy, "105", "5"))
	if res.Status != StatusFilled {
		t.Fatalf("status = %s, want %s", res.Status, StatusFilled)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.Price.Equal(dec("100")) {
		t.Fatalf("trade price = %s, want resting price 100", tr.Price)
	}
	if tr.BuyOrderID != "B-1" || tr.SellOrderID != "S-1" {
		t.Fatalf("trade sides wrong: buy=%s sell=%s", tr.BuyOrderID, tr.SellOrderID)
	}
	if tr.BuyUserID != "buyer" || tr.SellUserID != "seller" {
		t.Fatalf("trade users wrong: buy=%s sell=%s", tr.BuyUserID, tr.SellUserID)
	}
	if b.Len() != 0 {
		t.Fatalf("book should be empty, has %d orders", b.Len())
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("S-high", "u1", SideSell, "101", "3"))
	mustMatch(t, b, limit("S-best-old", "u2", SideSell, "100", "3"))
	mustMatch(t, b, limit("S-best-new", "u3", SideSell, "100", "3"))

	res := mustMatch(t, b, limit("B-1", "u4", SideBuy, "101", "9"))
	if len(res.Trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(res.Trades))
	}
	wantOrder := []string{"S-best-old", "S-best-new", "S-high"}
	for i, want := range wantOrder {
		if res.Trades[i].SellOrderID != want {
			t.Errorf("trade[%d] maker = %s, want %s", i, res.Trades[i].SellOrderID, want)
		}
	}
	if !res.Trades[0].Price.Equal(dec("100")) || !res.Trades[2].Price.Equal(dec("101")) {
		t.Fatal("trades should execute at each maker's price")
	}
	if res.Status != StatusFilled {
		t.Fatalf("status = %s, want %s", res.Status, StatusFilled)
	}
}

func TestPartialFillKeepsMakerInBook(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("S-1", "u1", SideSell, "100", "10"))

	res := mustMatch(t, b, limit("B-1", "u2", SideBuy, "100", "4"))
	if res.Status != StatusFilled {
		t.Fatalf("taker status = %s, want %s", res.Status, StatusFilled)
	}
	if !b.Contains("S-1") {
		t.Fatal("partially filled maker should stay in the book")
	}

	res2 := mustMatch(t, b, limit("B-2", "u3", SideBuy, "100", "6"))
	if res2.Status != StatusFilled || len(res2.Trades) != 1 {
		t.Fatalf("second taker should consume the remainder, got %s", res2.Status)
	}
	if !res2.Trades[0].Quantity.Equal(dec("6")) {
		t.Fatalf("trade qty = %s, want 6", res2.Trades[0].Quantity)
	}
	if b.Len() != 0 {
		t.Fatal("book should be empty after full consumption")
	}
}

func TestTakerPartialFillRests(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("S-1", "u1", SideSell, "100", "4"))

	res := mustMatch(t, b, limit("B-1", "u2", SideBuy, "100", "10"))
	if res.Status != StatusPartiallyFilled {
		t.Fatalf("status = %s, want %s", res.Status, StatusPartiallyFilled)
	}
	if !res.Resting {
		t.Fatal("limit taker remainder should rest")
	}
	if !res.RemainingQuantity.Equal(dec("6")) {
		t.Fatalf("remaining = %s, want 6", res.RemainingQuantity)
	}
	if !b.Contains("B-1") {
		t.Fatal("remainder should be in the book")
	}
}

func TestMarketOrderResidualCancelled(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("S-1", "u1", SideSell, "100", "5"))

	res := mustMatch(t, b, market("B-1", "u2", SideBuy, "8"))
	if res.Status != StatusPartiallyFilled {
		t.Fatalf("status = %s, want %s", res.Status, StatusPartiallyFilled)
	}
	if res.Resting {
		t.Fatal("market order residual must not rest")
	}
	if !res.RemainingQuantity.Equal(dec("3")) {
		t.Fatalf("remaining = %s, want 3", res.RemainingQuantity)
	}
	if b.Contains("B-1") || b.Len() != 0 {
		t.Fatal("book should not hold the market order")
	}
}

func TestMarketOrderNoLiquidity(t *testing.T) {
	b := NewOrderBook("AAPL")
	res := mustMatch(t, b, market("B-1", "u1", SideBuy, "5"))

	if res.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", res.Status, StatusCancelled)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
	if !res.RemainingQuantity.Equal(dec("5")) {
		t.Fatalf("remaining = %s, want 5", res.RemainingQuantity)
	}
}

func TestMarketSellSweepsBids(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("B-low", "u1", SideBuy, "99", "5"))
	mustMatch(t, b, limit("B-high", "u2", SideBuy, "101", "5"))

	res := mustMatch(t, b, market("S-1", "u3", SideSell, "8"))
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if res.Trades[0].BuyOrderID != "B-high" {
		t.Fatalf("first trade should hit best bid, got %s", res.Trades[0].BuyOrderID)
	}
	if !res.Trades[0].Price.Equal(dec("101")) || !res.Trades[1].Price.Equal(dec("99")) {
		t.Fatal("market sell should sweep bids from highest to lowest")
	}
	if res.Status != StatusFilled {
		t.Fatalf("status = %s, want %s", res.Status, StatusFilled)
	}
}

func TestNoCrossBelowAsk(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("S-1", "u1", SideSell, "100", "5"))

	res := mustMatch(t, b, limit("B-1", "u2", SideBuy, "99", "5"))
	if len(res.Trades) != 0 || res.Status != StatusResting {
		t.Fatal("buy below best ask must not trade")
	}
	if b.Len() != 2 {
		t.Fatalf("book should hold both orders, has %d", b.Len())
	}
}

func TestDuplicateOrderRejected(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("O-1", "u1", SideBuy, "100", "5"))

	_, err := b.Match(limit("O-1", "u1", SideBuy, "100", "5"))
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("err = %v, want ErrDuplicateOrder", err)
	}
}

func TestCancelRemovesOrder(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("O-1", "u1", SideBuy, "100", "5"))
	mustMatch(t, b, limit("O-2", "u2", SideBuy, "100", "3"))

	removed := b.Remove("O-1")
	if removed == nil || removed.OrderID != "O-1" {
		t.Fatal("cancel should return the removed order")
	}
	if b.Contains("O-1") || b.Len() != 1 {
		t.Fatal("cancelled order should be gone")
	}
	if b.Remove("O-1") != nil {
		t.Fatal("second cancel should be a no-op")
	}

	// 撤掉的单不再参与撮合
	res := mustMatch(t, b, limit("S-1", "u3", SideSell, "100", "8"))
	if len(res.Trades) != 1 || !res.Trades[0].Quantity.Equal(dec("3")) {
		t.Fatal("only the remaining order should trade")
	}
}

func TestSnapshotDepthAndAggregation(t *testing.T) {
	b := NewOrderBook("AAPL")
	mustMatch(t, b, limit("B-1", "u1", SideBuy, "100", "2"))
	mustMatch(t, b, limit("B-2", "u2", SideBuy, "100", "3"))
	mustMatch(t, b, limit("B-3", "u3", SideBuy, "99", "1"))
	mustMatch(t, b, limit("B-4", "u4", SideBuy, "98", "1"))
	mustMatch(t, b, limit("S-1", "u5", SideSell, "101", "4"))

	snap := b.Snapshot(2)
	if len(snap.Bids) != 2 {
		t.Fatalf("bid levels = %d, want 2", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(dec("100")) || !snap.Bids[0].Quantity.Equal(dec("5")) || snap.Bids[0].Orders != 2 {
		t.Fatalf("best bid level wrong: %+v", snap.Bids[0])
	}
	if !snap.Bids[1].Price.Equal(dec("99")) {
		t.Fatalf("second bid level = %s, want 99", snap.Bids[1].Price)
	}
	if len(snap.Asks) != 1 || !snap.Asks[0].Price.Equal(dec("101")) {
		t.Fatal("ask side wrong")
	}
}
