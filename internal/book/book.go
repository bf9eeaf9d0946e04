package book

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"hft/internal/latency"
	"hft/internal/schema"
	"hft/internal/wire"
)

var (
	ErrDuplicateOrder = errors.New("book: order already exists")
	ErrInvalidPrice   = errors.New("book: invalid price")
	ErrInvalidSide    = errors.New("book: invalid side")
	ErrCrossedBook    = errors.New("book: refresh would cross the book")
)

// DefaultDepth is the number of levels per side used by Imbalance.
const DefaultDepth = 10

// Top is the published best bid/ask. Readers load it atomically and never see
// a half-applied update.
type Top struct {
	BidPrice float64
	BidQty   uint64
	AskPrice float64
	AskQty   uint64
	TsNano   int64
}

type restingOrder struct {
	side  schema.OrderSide
	price float64
	qty   uint64
}

// Book is the limit order book of one symbol. Writers are serialised by a
// mutex; best bid/ask reads go through an atomic snapshot.
type Book struct {
	symbol schema.SymbolID
	depth  int
	lat    *latency.Tracker

	mu     sync.RWMutex
	bids   side
	asks   side
	orders map[uint64]restingOrder

	top         atomic.Pointer[Top]
	totalVolume atomic.Uint64
	tradeCount  atomic.Uint64
	lastTrade   atomic.Uint64
	updates     atomic.Uint64
}

// New creates an empty book for symbol.
func New(symbol schema.SymbolID, depth int, lat *latency.Tracker) *Book {
	if depth <= 0 {
		depth = DefaultDepth
	}
	b := &Book{
		symbol: symbol,
		depth:  depth,
		lat:    lat,
		bids:   newSide(true, depth),
		asks:   newSide(false, depth),
		orders: make(map[uint64]restingOrder),
	}
	b.top.Store(&Top{})
	return b
}

// Symbol returns the book's symbol.
func (b *Book) Symbol() schema.SymbolID {
	return b.symbol
}

func (b *Book) sideOf(s schema.OrderSide) *side {
	if s == schema.OrderSideBuy {
		return &b.bids
	}
	return &b.asks
}

// publish must be called with mu held.
func (b *Book) publish(ts int64) {
	t := &Top{TsNano: ts}
	if lv, ok := b.bids.best(); ok {
		t.BidPrice, t.BidQty = lv.Price, lv.Qty
	}
	if lv, ok := b.asks.best(); ok {
		t.AskPrice, t.AskQty = lv.Price, lv.Qty
	}
	b.top.Store(t)
	b.updates.Add(1)
}

// AddOrder rests a new order. A zero quantity is a no-op.
func (b *Book) AddOrder(orderID uint64, s schema.OrderSide, price float64, qty uint64, ts int64) error {
	if qty == 0 {
		return nil
	}
	if s != schema.OrderSideBuy && s != schema.OrderSideSell {
		return ErrInvalidSide
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return ErrInvalidPrice
	}
	if b.lat != nil {
		defer b.lat.Start().Stop()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[orderID]; ok {
		return ErrDuplicateOrder
	}
	b.orders[orderID] = restingOrder{side: s, price: price, qty: qty}
	b.sideOf(s).add(price, qty, 1, ts)
	b.publish(ts)
	return nil
}

// ModifyOrder changes the resting quantity of an order. Unknown ids are
// ignored and a new quantity of zero cancels the order.
func (b *Book) ModifyOrder(orderID uint64, newQty uint64, ts int64) {
	if newQty == 0 {
		b.CancelOrder(orderID, ts)
		return
	}
	if b.lat != nil {
		defer b.lat.Start().Stop()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok || o.qty == newQty {
		return
	}
	sd := b.sideOf(o.side)
	if newQty > o.qty {
		sd.add(o.price, newQty-o.qty, 0, ts)
	} else {
		sd.reduce(o.price, o.qty-newQty, 0, ts)
	}
	o.qty = newQty
	b.orders[orderID] = o
	b.publish(ts)
}

// CancelOrder removes an order. Unknown or already cancelled ids are ignored.
func (b *Book) CancelOrder(orderID uint64, ts int64) {
	if b.lat != nil {
		defer b.lat.Start().Stop()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return
	}
	delete(b.orders, orderID)
	b.sideOf(o.side).reduce(o.price, o.qty, 1, ts)
	b.publish(ts)
}

// UpdateTrade records a print.
func (b *Book) UpdateTrade(price float64, qty uint64, ts int64) {
	if qty == 0 || !(price > 0) {
		return
	}
	b.totalVolume.Add(qty)
	b.tradeCount.Add(1)
	b.lastTrade.Store(math.Float64bits(price))
}

// UpdateQuote replaces the book with a quote snapshot. The five levels per side
// win over the top-of-book fields when present.
func (b *Book) UpdateQuote(q wire.Quote) error {
	bids := make([]PriceLevel, 0, wire.QuoteLevels)
	asks := make([]PriceLevel, 0, wire.QuoteLevels)
	for i := 0; i < wire.QuoteLevels; i++ {
		if lv := q.BidLevels[i]; lv.Qty > 0 {
			bids = append(bids, PriceLevel{Price: lv.Price, Qty: lv.Qty, OrderCount: lv.OrderCount, TsNano: q.TsNano})
		}
		if lv := q.AskLevels[i]; lv.Qty > 0 {
			asks = append(asks, PriceLevel{Price: lv.Price, Qty: lv.Qty, OrderCount: lv.OrderCount, TsNano: q.TsNano})
		}
	}
	if len(bids) == 0 && q.BidQty > 0 {
		bids = append(bids, PriceLevel{Price: q.BidPrice, Qty: q.BidQty, TsNano: q.TsNano})
	}
	if len(asks) == 0 && q.AskQty > 0 {
		asks = append(asks, PriceLevel{Price: q.AskPrice, Qty: q.AskQty, TsNano: q.TsNano})
	}
	return b.refresh(bids, asks, q.TsNano)
}

// FullRefresh replaces both sides wholesale. Zero quantities are dropped and
// unsorted input is sorted. The new sides are built aside and swapped in one
// step; on error the book is left untouched.
func (b *Book) FullRefresh(bids, asks []PriceLevel) error {
	var ts int64
	for _, lv := range bids {
		ts = max(ts, lv.TsNano)
	}
	for _, lv := range asks {
		ts = max(ts, lv.TsNano)
	}
	return b.refresh(bids, asks, ts)
}

func (b *Book) refresh(rawBids, rawAsks []PriceLevel, ts int64) error {
	if b.lat != nil {
		defer b.lat.Start().Stop()
	}
	bids := normalize(rawBids, true)
	asks := normalize(rawAsks, false)
	if len(bids) > 0 && len(asks) > 0 && bids[0].Price > asks[0].Price {
		return ErrCrossedBook
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids.levels = bids
	b.asks.levels = asks
	clear(b.orders)
	b.publish(ts)
	return nil
}

// Top returns the current best bid/ask snapshot.
func (b *Book) Top() Top {
	return *b.top.Load()
}

// BestBid returns the best bid price, 0 when the side is empty.
func (b *Book) BestBid() float64 {
	return b.top.Load().BidPrice
}

// BestAsk returns the best ask price, 0 when the side is empty.
func (b *Book) BestAsk() float64 {
	return b.top.Load().AskPrice
}

// Spread returns ask - bid, substituting 0 for an empty side. A negative or
// one-sided spread means the book is incomplete, not that it is crossed.
func (b *Book) Spread() float64 {
	t := b.top.Load()
	return t.AskPrice - t.BidPrice
}

// Mid returns (bid + ask) / 2 with the same empty-side convention as Spread.
func (b *Book) Mid() float64 {
	t := b.top.Load()
	return (t.BidPrice + t.AskPrice) / 2
}

// VWAP returns the volume-weighted price over up to depth levels of each side.
// At depth 1 it lies within [best bid, best ask]. Deeper levels widen the
// bound to [deepest included bid, deepest included ask], so a heavy level
// behind the touch can pull it outside the spread.
func (b *Book) VWAP(depth int) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var notional, volume float64
	for _, lv := range b.bids.top(depth) {
		notional += lv.Price * float64(lv.Qty)
		volume += float64(lv.Qty)
	}
	for _, lv := range b.asks.top(depth) {
		notional += lv.Price * float64(lv.Qty)
		volume += float64(lv.Qty)
	}
	if volume == 0 {
		return 0
	}
	return notional / volume
}

// Imbalance returns (bidQty - askQty) / (bidQty + askQty) over the tracked
// depth, in [-1, 1], and 0 for an empty book.
func (b *Book) Imbalance() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var bidQty, askQty float64
	for _, lv := range b.bids.top(b.depth) {
		bidQty += float64(lv.Qty)
	}
	for _, lv := range b.asks.top(b.depth) {
		askQty += float64(lv.Qty)
	}
	if bidQty+askQty == 0 {
		return 0
	}
	return (bidQty - askQty) / (bidQty + askQty)
}

// Depth returns copies of up to n levels per side, best first.
func (b *Book) Depth(n int) (bids, asks []PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]PriceLevel(nil), b.bids.top(n)...), append([]PriceLevel(nil), b.asks.top(n)...)
}

// LevelCount returns the number of stored levels per side.
func (b *Book) LevelCount() (bids, asks int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bids.levels), len(b.asks.levels)
}

// OrderCount returns the number of individually tracked resting orders.
func (b *Book) OrderCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

// TotalVolume returns the cumulative traded quantity.
func (b *Book) TotalVolume() uint64 {
	return b.totalVolume.Load()
}

// TradeCount returns the number of prints seen.
func (b *Book) TradeCount() uint64 {
	return b.tradeCount.Load()
}

// LastTradePrice returns the most recent print price, 0 if none.
func (b *Book) LastTradePrice() float64 {
	return math.Float64frombits(b.lastTrade.Load())
}

// Updates returns the number of published top-of-book updates.
func (b *Book) Updates() uint64 {
	return b.updates.Load()
}
