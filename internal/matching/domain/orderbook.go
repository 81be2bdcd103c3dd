package domain

import (
	"container/list"
	"fmt"
	"time"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/tradingcore/pkg/idgen"
)

// priceAsc 卖盘比较器，价格升序
type priceAsc struct{}

func (priceAsc) Compare(lhs, rhs interface{}) int {
	return lhs.(decimal.Decimal).Cmp(rhs.(decimal.Decimal))
}

func (priceAsc) CalcScore(key interface{}) float64 {
	f, _ := key.(decimal.Decimal).Float64()
	return f
}

// priceDesc 买盘比较器，价格降序
type priceDesc struct{}

func (priceDesc) Compare(lhs, rhs interface{}) int {
	return rhs.(decimal.Decimal).Cmp(lhs.(decimal.Decimal))
}

func (priceDesc) CalcScore(key interface{}) float64 {
	f, _ := key.(decimal.Decimal).Float64()
	return -f
}

// PriceLevel 同一价格档位下的订单集合，保证时间优先 (FIFO)
type PriceLevel struct {
	Price  decimal.Decimal
	Orders *list.List // 存储 *Order
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{Price: price, Orders: list.New()}
}

// bookEntry 订单在簿中的位置索引，支撑 O(1) 撤单
type bookEntry struct {
	order *Order
	elem  *list.Element
	level *PriceLevel
	side  Side
}

// OrderBook 单交易对内存订单簿。
// 无内部互斥锁，由持有该交易对的单个 worker 独占访问。
type OrderBook struct {
	Symbol string

	// bids 买盘，价格降序；asks 卖盘，价格升序
	bids *skiplist.SkipList
	asks *skiplist.SkipList
	// entries 订单 ID 到簿内位置的索引
	entries map[string]*bookEntry
}

// NewOrderBook 创建空订单簿
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol:  symbol,
		bids:    skiplist.New(priceDesc{}),
		asks:    skiplist.New(priceAsc{}),
		entries: make(map[string]*bookEntry),
	}
}

// Len 当前挂单总数
func (b *OrderBook) Len() int {
	return len(b.entries)
}

// Contains 判断订单是否在簿中
func (b *OrderBook) Contains(orderID string) bool {
	_, ok := b.entries[orderID]
	return ok
}

func (b *OrderBook) sideList(side Side) *skiplist.SkipList {
	if side == SideBuy {
		return b.bids
	}
	return b.asks
}

// add 将剩余数量为正的限价单挂入簿中
func (b *OrderBook) add(o *Order) {
	sl := b.sideList(o.Side)
	var level *PriceLevel
	if elem := sl.Get(o.Price); elem != nil {
		level = elem.Value.(*PriceLevel)
	} else {
		level = newPriceLevel(o.Price)
		sl.Set(o.Price, level)
	}
	e := level.Orders.PushBack(o)
	b.entries[o.OrderID] = &bookEntry{order: o, elem: e, level: level, side: o.Side}
}

// Remove 撤掉一笔挂单并返回它，订单不在簿中时返回 nil
func (b *OrderBook) Remove(orderID string) *Order {
	entry, ok := b.entries[orderID]
	if !ok {
		return nil
	}
	entry.level.Orders.Remove(entry.elem)
	delete(b.entries, orderID)
	if entry.level.Orders.Len() == 0 {
		b.sideList(entry.side).Remove(entry.level.Price)
	}
	return entry.order
}

// Match 执行价格时间优先撮合。
// 成交价取被动方价格；LIMIT 剩余进簿，MARKET 剩余作废。
// 同 ID 订单已在簿中时直接拒绝。
func (b *OrderBook) Match(taker *Order) (*MatchResult, error) {
	if _, ok := b.entries[taker.OrderID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, taker.OrderID)
	}

	result := &MatchResult{
		OrderID:           taker.OrderID,
		Symbol:            b.Symbol,
		RemainingQuantity: taker.Remaining,
	}

	opponent := b.asks
	if taker.Side == SideSell {
		opponent = b.bids
	}

	elem := opponent.Front()
	for elem != nil && result.RemainingQuantity.IsPositive() {
		level := elem.Value.(*PriceLevel)
		if !b.crosses(taker, level.Price) {
			break
		}

		var next *list.Element
		for el := level.Orders.Front(); el != nil && result.RemainingQuantity.IsPositive(); el = next {
			next = el.Next()
			maker := el.Value.(*Order)

			qty := decimal.Min(result.RemainingQuantity, maker.Remaining)
			result.Trades = append(result.Trades, b.newTrade(taker, maker, level.Price, qty))
			result.RemainingQuantity = result.RemainingQuantity.Sub(qty)
			maker.Remaining = maker.Remaining.Sub(qty)

			if maker.Remaining.IsZero() {
				level.Orders.Remove(el)
				delete(b.entries, maker.OrderID)
			}
		}

		nextLevel := elem.Next()
		if level.Orders.Len() == 0 {
			opponent.Remove(level.Price)
		}
		elem = nextLevel
	}

	taker.Remaining = result.RemainingQuantity
	switch {
	case result.RemainingQuantity.IsZero():
		result.Status = StatusFilled
	case taker.Type == TypeMarket:
		// MARKET 剩余不进簿，直接作废
		result.Status = StatusCancelled
		if len(result.Trades) > 0 {
			result.Status = StatusPartiallyFilled
		}
	default:
		b.add(taker)
		result.Resting = true
		result.Status = StatusResting
		if len(result.Trades) > 0 {
			result.Status = StatusPartiallyFilled
		}
	}
	return result, nil
}

func (b *OrderBook) crosses(taker *Order, makerPrice decimal.Decimal) bool {
	if taker.Type == TypeMarket {
		return true
	}
	if taker.Side == SideBuy {
		return taker.Price.GreaterThanOrEqual(makerPrice)
	}
	return taker.Price.LessThanOrEqual(makerPrice)
}

func (b *OrderBook) newTrade(taker, maker *Order, price, qty decimal.Decimal) *Trade {
	t := &Trade{
		TradeID:   fmt.Sprintf("TRD-%d", idgen.GenID()),
		Symbol:    b.Symbol,
		Price:     price,
		Quantity:  qty,
		Timestamp: time.Now(),
	}
	if taker.Side == SideBuy {
		t.BuyOrderID, t.BuyUserID = taker.OrderID, taker.UserID
		t.SellOrderID, t.SellUserID = maker.OrderID, maker.UserID
	} else {
		t.BuyOrderID, t.BuyUserID = maker.OrderID, maker.UserID
		t.SellOrderID, t.SellUserID = taker.OrderID, taker.UserID
	}
	return t
}

// Snapshot 生成指定深度的订单簿快照
func (b *OrderBook) Snapshot(depth int) *BookSnapshot {
	return &BookSnapshot{
		Symbol:    b.Symbol,
		Bids:      collectLevels(b.bids, depth),
		Asks:      collectLevels(b.asks, depth),
		Timestamp: time.Now().Unix(),
	}
}

func collectLevels(sl *skiplist.SkipList, depth int) []*BookLevel {
	levels := make([]*BookLevel, 0, depth)
	elem := sl.Front()
	for i := 0; i < depth && elem != nil; i++ {
		level := elem.Value.(*PriceLevel)
		total := decimal.Zero
		for el := level.Orders.Front(); el != nil; el = el.Next() {
			total = total.Add(el.Value.(*Order).Remaining)
		}
		levels = append(levels, &BookLevel{
			Price:    level.Price,
			Quantity: total,
			Orders:   level.Orders.Len(),
		})
		elem = elem.Next()
	}
	return levels
}
