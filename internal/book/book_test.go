package book

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"hft/internal/schema"
	"hft/internal/wire"
)

const testTs = int64(1_700_000_000_000_000_000)

func TestBookEndToEnd(t *testing.T) {
	b := New(1, 0, nil)
	require.NoError(t, b.AddOrder(1, schema.OrderSideBuy, 100.50, 1000, testTs))
	require.NoError(t, b.AddOrder(2, schema.OrderSideSell, 100.60, 500, testTs))

	assert.InDelta(t, 0.10, b.Spread(), 1e-9)
	assert.InDelta(t, 100.55, b.Mid(), 1e-9)

	b.UpdateTrade(100.55, 500, testTs)
	assert.Equal(t, uint64(500), b.TotalVolume())
	assert.Equal(t, uint64(1), b.TradeCount())
	assert.Equal(t, 100.55, b.LastTradePrice())
}

func TestBookEmpty(t *testing.T) {
	b := New(1, 5, nil)
	assert.Zero(t, b.BestBid())
	assert.Zero(t, b.BestAsk())
	assert.Zero(t, b.Spread())
	assert.Zero(t, b.Mid())
	assert.Zero(t, b.VWAP(5))
	assert.Zero(t, b.Imbalance())
}

func TestBookOneSided(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.AddOrder(1, schema.OrderSideBuy, 100, 10, testTs))

	// an empty ask side reads as 0, so the spread goes negative
	assert.Equal(t, -100.0, b.Spread())
	assert.Equal(t, 50.0, b.Mid())
	assert.Equal(t, 1.0, b.Imbalance())

	b.CancelOrder(1, testTs)
	require.NoError(t, b.AddOrder(2, schema.OrderSideSell, 101, 10, testTs))
	assert.Equal(t, 101.0, b.Spread())
	assert.Equal(t, -1.0, b.Imbalance())
}

func TestAddOrderAggregatesLevel(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.AddOrder(1, schema.OrderSideBuy, 100, 10, testTs))
	require.NoError(t, b.AddOrder(2, schema.OrderSideBuy, 100, 15, testTs))
	require.NoError(t, b.AddOrder(3, schema.OrderSideBuy, 101, 5, testTs))

	bids, _ := b.Depth(10)
	require.Len(t, bids, 2)
	assert.Equal(t, PriceLevel{Price: 101, Qty: 5, OrderCount: 1, TsNano: testTs}, bids[0])
	assert.Equal(t, PriceLevel{Price: 100, Qty: 25, OrderCount: 2, TsNano: testTs}, bids[1])
	assert.Equal(t, 101.0, b.BestBid())

	b.CancelOrder(3, testTs)
	assert.Equal(t, 100.0, b.BestBid())
	assert.Equal(t, uint64(25), b.Top().BidQty)
}

func TestAddOrderRejects(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.AddOrder(1, schema.OrderSideBuy, 100, 10, testTs))

	assert.ErrorIs(t, b.AddOrder(1, schema.OrderSideBuy, 100, 10, testTs), ErrDuplicateOrder)
	assert.ErrorIs(t, b.AddOrder(2, schema.OrderSideUnknown, 100, 10, testTs), ErrInvalidSide)
	assert.ErrorIs(t, b.AddOrder(3, schema.OrderSideSell, 0, 10, testTs), ErrInvalidPrice)
	assert.ErrorIs(t, b.AddOrder(4, schema.OrderSideSell, math.NaN(), 10, testTs), ErrInvalidPrice)
	assert.ErrorIs(t, b.AddOrder(5, schema.OrderSideSell, math.Inf(1), 10, testTs), ErrInvalidPrice)
	assert.Equal(t, 1, b.OrderCount())
}

func TestZeroQuantityBoundaries(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.AddOrder(1, schema.OrderSideBuy, 100, 0, testTs))
	nb, na := b.LevelCount()
	assert.Zero(t, nb)
	assert.Zero(t, na)
	assert.Zero(t, b.OrderCount())

	require.NoError(t, b.AddOrder(2, schema.OrderSideSell, 101, 10, testTs))
	b.ModifyOrder(2, 0, testTs)
	_, na = b.LevelCount()
	assert.Zero(t, na)
	assert.Zero(t, b.BestAsk())
}

func TestModifyOrder(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.AddOrder(1, schema.OrderSideSell, 101, 10, testTs))
	require.NoError(t, b.AddOrder(2, schema.OrderSideSell, 101, 20, testTs))

	b.ModifyOrder(1, 4, testTs)
	assert.Equal(t, uint64(24), b.Top().AskQty)

	b.ModifyOrder(2, 50, testTs)
	assert.Equal(t, uint64(54), b.Top().AskQty)

	_, asks := b.Depth(1)
	require.Len(t, asks, 1)
	assert.Equal(t, uint32(2), asks[0].OrderCount)

	before := b.Top()
	b.ModifyOrder(99, 10, testTs)
	assert.Equal(t, before, b.Top())
}

func TestCancelIdempotent(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.AddOrder(1, schema.OrderSideBuy, 100, 10, testTs))
	require.NoError(t, b.AddOrder(2, schema.OrderSideSell, 101, 10, testTs))

	b.CancelOrder(1, testTs)
	top := b.Top()
	updates := b.Updates()

	b.CancelOrder(1, testTs)
	b.CancelOrder(42, testTs)
	assert.Equal(t, top, b.Top())
	assert.Equal(t, updates, b.Updates())
}

func TestFullRefresh(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.AddOrder(1, schema.OrderSideBuy, 90, 10, testTs))

	err := b.FullRefresh(
		[]PriceLevel{{Price: 99, Qty: 5}, {Price: 100, Qty: 10}, {Price: 98, Qty: 0}, {Price: 99, Qty: 1}},
		[]PriceLevel{{Price: 103, Qty: 7}, {Price: 101, Qty: 3}},
	)
	require.NoError(t, err)

	bids, asks := b.Depth(10)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)
	assert.Equal(t, 100.0, bids[0].Price)
	assert.Equal(t, 99.0, bids[1].Price)
	assert.Equal(t, uint64(6), bids[1].Qty)
	assert.Equal(t, 101.0, asks[0].Price)
	assert.Equal(t, 103.0, asks[1].Price)
	assert.Zero(t, b.OrderCount())

	// the refreshed book no longer tracks the old resting order
	b.CancelOrder(1, testTs)
	assert.Equal(t, 100.0, b.BestBid())
}

func TestFullRefreshCrossedLeavesBookUntouched(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.FullRefresh(
		[]PriceLevel{{Price: 100, Qty: 10}},
		[]PriceLevel{{Price: 101, Qty: 10}},
	))
	before := b.Top()

	err := b.FullRefresh(
		[]PriceLevel{{Price: 105, Qty: 10}},
		[]PriceLevel{{Price: 101, Qty: 10}},
	)
	require.ErrorIs(t, err, ErrCrossedBook)
	assert.Equal(t, before, b.Top())
	bids, _ := b.Depth(5)
	require.Len(t, bids, 1)
	assert.Equal(t, 100.0, bids[0].Price)
}

func TestUpdateQuote(t *testing.T) {
	b := New(1, 5, nil)

	q := wire.Quote{
		Header:   wire.Header{TsNano: testTs},
		SymbolID: 1,
		BidPrice: 100, BidQty: 10,
		AskPrice: 101, AskQty: 20,
	}
	require.NoError(t, b.UpdateQuote(q))
	assert.Equal(t, Top{BidPrice: 100, BidQty: 10, AskPrice: 101, AskQty: 20, TsNano: testTs}, b.Top())

	q.BidLevels[0] = wire.Level{Price: 100.5, Qty: 3, OrderCount: 2}
	q.BidLevels[1] = wire.Level{Price: 100.4, Qty: 4, OrderCount: 1}
	q.AskLevels[0] = wire.Level{Price: 100.6, Qty: 5, OrderCount: 1}
	require.NoError(t, b.UpdateQuote(q))
	assert.Equal(t, 100.5, b.BestBid())
	assert.Equal(t, 100.6, b.BestAsk())
	nb, na := b.LevelCount()
	assert.Equal(t, 2, nb)
	assert.Equal(t, 1, na)
}

func TestVWAP(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.FullRefresh(
		[]PriceLevel{{Price: 100, Qty: 10}, {Price: 99, Qty: 30}},
		[]PriceLevel{{Price: 101, Qty: 10}, {Price: 102, Qty: 50}},
	))

	assert.InDelta(t, 100.5, b.VWAP(1), 1e-9)
	want := (100*10 + 99*30 + 101*10 + 102*50) / 100.0
	assert.InDelta(t, want, b.VWAP(2), 1e-9)
	assert.InDelta(t, want, b.VWAP(0), 1e-9)
}

func TestImbalance(t *testing.T) {
	b := New(1, 2, nil)
	require.NoError(t, b.FullRefresh(
		[]PriceLevel{{Price: 100, Qty: 10}, {Price: 99, Qty: 10}, {Price: 98, Qty: 1000}},
		[]PriceLevel{{Price: 101, Qty: 10}, {Price: 102, Qty: 10}},
	))
	// the third bid level is beyond the tracked depth
	assert.Zero(t, b.Imbalance())

	require.NoError(t, b.FullRefresh(
		[]PriceLevel{{Price: 100, Qty: 30}},
		[]PriceLevel{{Price: 101, Qty: 10}},
	))
	assert.InDelta(t, 0.5, b.Imbalance(), 1e-12)
}

type model struct {
	bids map[uint64]float64
	asks map[uint64]float64
}

func (m model) best(bids bool) float64 {
	src, best := m.asks, 0.0
	if bids {
		src = m.bids
	}
	for _, p := range src {
		if best == 0 || (bids && p > best) || (!bids && p < best) {
			best = p
		}
	}
	return best
}

func TestBestPriceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := New(1, 10, nil)
		m := model{bids: map[uint64]float64{}, asks: map[uint64]float64{}}

		steps := rapid.IntRange(1, 200).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.Uint64Range(1, 40).Draw(rt, "id")
			if rapid.Bool().Draw(rt, "cancel") {
				b.CancelOrder(id, testTs)
				delete(m.bids, id)
				delete(m.asks, id)
			} else {
				isBid := rapid.Bool().Draw(rt, "bid")
				price := float64(rapid.IntRange(9000, 11000).Draw(rt, "tick")) / 100
				qty := rapid.Uint64Range(1, 1000).Draw(rt, "qty")
				s := schema.OrderSideSell
				if isBid {
					s = schema.OrderSideBuy
				}
				err := b.AddOrder(id, s, price, qty, testTs)
				_, dupBid := m.bids[id]
				_, dupAsk := m.asks[id]
				if dupBid || dupAsk {
					require.ErrorIs(rt, err, ErrDuplicateOrder)
				} else {
					require.NoError(rt, err)
					if isBid {
						m.bids[id] = price
					} else {
						m.asks[id] = price
					}
				}
			}

			require.Equal(rt, m.best(true), b.BestBid())
			require.Equal(rt, m.best(false), b.BestAsk())
			if b.BestBid() > 0 && b.BestAsk() > 0 {
				require.Equal(rt, b.BestAsk()-b.BestBid(), b.Spread())
				require.Equal(rt, (b.BestBid()+b.BestAsk())/2, b.Mid())
			}
			imb := b.Imbalance()
			require.GreaterOrEqual(rt, imb, -1.0)
			require.LessOrEqual(rt, imb, 1.0)
		}
	})
}

func TestVWAPWithinTouchProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		bid := float64(rapid.IntRange(1, 100_000).Draw(rt, "bid")) / 100
		spread := float64(rapid.IntRange(1, 1000).Draw(rt, "spread")) / 100
		b := New(1, 5, nil)
		require.NoError(rt, b.FullRefresh(
			[]PriceLevel{{Price: bid, Qty: rapid.Uint64Range(1, 1_000_000).Draw(rt, "bq")}},
			[]PriceLevel{{Price: bid + spread, Qty: rapid.Uint64Range(1, 1_000_000).Draw(rt, "aq")}},
		))
		v := b.VWAP(1)
		require.GreaterOrEqual(rt, v, b.BestBid()-1e-9)
		require.LessOrEqual(rt, v, b.BestAsk()+1e-9)
	})
}

func TestVWAPWithinIncludedLevelsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		levels := func(label string, start float64, step float64) []PriceLevel {
			n := rapid.IntRange(1, 8).Draw(rt, label+"_levels")
			out := make([]PriceLevel, n)
			for i := range out {
				out[i] = PriceLevel{Price: start + step*float64(i), Qty: rapid.Uint64Range(1, 1_000_000).Draw(rt, label+"_qty")}
			}
			return out
		}
		bid := float64(rapid.IntRange(1_000, 100_000).Draw(rt, "bid")) / 100
		ask := bid + float64(rapid.IntRange(1, 1000).Draw(rt, "spread"))/100
		b := New(1, 8, nil)
		require.NoError(rt, b.FullRefresh(levels("bid", bid, -0.01), levels("ask", ask, 0.01)))

		depth := rapid.IntRange(1, 8).Draw(rt, "depth")
		bids, asks := b.Depth(depth)
		v := b.VWAP(depth)
		require.GreaterOrEqual(rt, v, bids[len(bids)-1].Price-1e-9)
		require.LessOrEqual(rt, v, asks[len(asks)-1].Price+1e-9)
	})
}

func TestVWAPDeepLevelLeavesSpread(t *testing.T) {
	b := New(1, 5, nil)
	require.NoError(t, b.FullRefresh(
		[]PriceLevel{{Price: 100, Qty: 1}, {Price: 99, Qty: 1000}},
		[]PriceLevel{{Price: 101, Qty: 1}},
	))
	assert.InDelta(t, 100.5, b.VWAP(1), 1e-9)
	assert.Less(t, b.VWAP(5), b.BestBid())
}

func TestConcurrentReadersSeeConsistentTop(t *testing.T) {
	b := New(1, 5, nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			top := b.Top()
			if top.BidPrice != 0 && top.BidQty == 0 {
				t.Errorf("torn top of book: %+v", top)
				return
			}
		}
	}()

	for i := uint64(1); i <= 2000; i++ {
		require.NoError(t, b.AddOrder(i, schema.OrderSideBuy, float64(100+i%7), i, testTs))
		if i%3 == 0 {
			b.CancelOrder(i-1, testTs)
		}
	}
	close(stop)
	wg.Wait()
}

func BenchmarkAddCancel(b *testing.B) {
	bk := New(1, 10, nil)
	var id uint64
	for b.Loop() {
		id++
		_ = bk.AddOrder(id, schema.OrderSideBuy, 100+float64(id%10), 10, testTs)
		bk.CancelOrder(id, testTs)
	}
}

func TestLevelsKeyedByDecodedPrice(t *testing.T) {
	m := NewManager(5, nil)
	var stream []byte
	for i, qty := range []uint64{10, 15} {
		stream = wire.EncodeOrderUpdate(stream, wire.OrderUpdate{
			Header:   wire.Header{Exchange: schema.ExchangeNASDAQ, TsNano: testTs, Seq: uint64(i + 1)},
			SymbolID: 1,
			OrderID:  uint64(i + 1),
			Side:     schema.OrderSideBuy,
			Action:   wire.UpdateActionAdd,
			Price:    100.1,
			Qty:      qty,
		})
	}
	for len(stream) > 0 {
		msg, n, err := wire.DecodeFrame(stream, wire.Limits{})
		require.NoError(t, err)
		require.NoError(t, m.Apply(msg))
		stream = stream[n:]
	}

	bids, _ := m.Book(1).Depth(5)
	require.Len(t, bids, 1)
	assert.Equal(t, 100.1, bids[0].Price)
	assert.Equal(t, uint64(25), bids[0].Qty)

	// prices are compared bit for bit, no tolerance
	b := New(2, 5, nil)
	sum := 0.1
	sum += 0.2
	require.NoError(t, b.AddOrder(1, schema.OrderSideBuy, sum, 1, testTs))
	require.NoError(t, b.AddOrder(2, schema.OrderSideBuy, 0.3, 1, testTs))
	bidLevels, _ := b.LevelCount()
	assert.Equal(t, 2, bidLevels)
}
