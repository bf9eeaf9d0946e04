package wire

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"hft/internal/schema"
)

const testTs = int64(1_700_000_000_000_000_000)

func testLimits() Limits {
	return Limits{Now: func() int64 { return testTs + int64(DefaultMaxFutureSkew) }}
}

func testTrade(seq uint64) Trade {
	t := Trade{
		Header:   Header{Exchange: schema.ExchangeNASDAQ, TsNano: testTs, Seq: seq},
		SymbolID: 7,
		TradeID:  99,
		Price:    100.55,
		Qty:      500,
	}
	copy(t.BuyerID[:], "BUYER001")
	copy(t.SellerID[:], "SELLER01")
	return t
}

type collector struct {
	trades  []Trade
	quotes  []Quote
	updates []OrderUpdate
	beats   []Heartbeat
	errs    []*ParseError
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnTrade:       func(t Trade) { c.trades = append(c.trades, t) },
		OnQuote:       func(q Quote) { c.quotes = append(c.quotes, q) },
		OnOrderUpdate: func(u OrderUpdate) { c.updates = append(c.updates, u) },
		OnHeartbeat:   func(h Heartbeat) { c.beats = append(c.beats, h) },
		OnError:       func(e *ParseError) { c.errs = append(c.errs, e) },
	}
}

func newTestDecoder() (*Decoder, *collector) {
	c := &collector{}
	return NewDecoder(Config{Name: "test", Limits: testLimits()}, c.handlers()), c
}

func TestTradeRoundTrip(t *testing.T) {
	orig := testTrade(1)
	frame := EncodeTrade(nil, orig)
	require.Len(t, frame, TradeSize)

	msg, n, err := DecodeFrame(frame, testLimits())
	require.NoError(t, err)
	require.Equal(t, TradeSize, n)

	got, ok := msg.(Trade)
	require.True(t, ok)
	assert.Equal(t, orig.SymbolID, got.SymbolID)
	assert.Equal(t, orig.Price, got.Price)
	assert.Equal(t, orig.Qty, got.Qty)
	assert.Equal(t, orig.BuyerID, got.BuyerID)
	assert.Equal(t, MsgTypeTrade, got.Type)
	assert.Equal(t, uint32(TradeSize), got.Length)
}

func TestTradeRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		orig := testTrade(rapid.Uint64Range(1, math.MaxUint32).Draw(rt, "seq"))
		orig.SymbolID = schema.SymbolID(rapid.Uint64Range(1, math.MaxUint64).Draw(rt, "symbol"))
		orig.Price = rapid.Float64Range(0.0001, DefaultMaxPrice).Draw(rt, "price")
		orig.Qty = rapid.Uint64Range(1, math.MaxUint64).Draw(rt, "qty")

		d, c := newTestDecoder()
		frame := EncodeTrade(nil, orig)
		if n := d.Feed(frame); n != len(frame) {
			rt.Fatalf("consumed %d want %d", n, len(frame))
		}
		if len(c.trades) != 1 {
			rt.Fatalf("decoded %d trades", len(c.trades))
		}
		got := c.trades[0]
		if got.SymbolID != orig.SymbolID || got.Price != orig.Price || got.Qty != orig.Qty {
			rt.Fatalf("round trip mismatch: got %+v want %+v", got, orig)
		}
	})
}

func TestQuoteRoundTrip(t *testing.T) {
	q := Quote{
		Header:   Header{Exchange: schema.ExchangeCME, TsNano: testTs, Seq: 3},
		SymbolID: 11,
		BidPrice: 100.5,
		BidQty:   1000,
		AskPrice: 100.6,
		AskQty:   500,
	}
	for i := 0; i < QuoteLevels; i++ {
		q.BidLevels[i] = Level{Price: 100.5 - float64(i)*0.1, Qty: uint64(100 * (i + 1)), OrderCount: uint32(i + 1)}
		q.AskLevels[i] = Level{Price: 100.6 + float64(i)*0.1, Qty: uint64(50 * (i + 1)), OrderCount: uint32(i + 2)}
	}
	frame := EncodeQuote(nil, q)
	require.Len(t, frame, QuoteSize)

	msg, n, err := DecodeFrame(frame, testLimits())
	require.NoError(t, err)
	require.Equal(t, QuoteSize, n)
	got := msg.(Quote)
	q.Type = MsgTypeQuote
	q.Length = QuoteSize
	assert.Equal(t, q, got)
}

func TestOrderUpdateAndHeartbeatRoundTrip(t *testing.T) {
	u := OrderUpdate{
		Header:   Header{Exchange: schema.ExchangeNYSE, TsNano: testTs, Seq: 1},
		SymbolID: 5, OrderID: 42, Side: schema.OrderSideSell, Action: UpdateActionAdd, Price: 10.25, Qty: 300,
	}
	hb := Heartbeat{Header: Header{Exchange: schema.ExchangeNYSE, TsNano: testTs, Seq: 2}, SessionID: 9, LastSequence: 1}

	d, c := newTestDecoder()
	buf := EncodeOrderUpdate(nil, u)
	buf = EncodeHeartbeat(buf, hb)
	require.Equal(t, len(buf), d.Feed(buf))

	require.Len(t, c.updates, 1)
	require.Len(t, c.beats, 1)
	assert.Equal(t, u.OrderID, c.updates[0].OrderID)
	assert.Equal(t, u.Side, c.updates[0].Side)
	assert.Equal(t, u.Price, c.updates[0].Price)
	assert.Equal(t, uint32(9), c.beats[0].SessionID)
}

func TestDecoderFragmentation(t *testing.T) {
	var stream []byte
	for i := uint64(1); i <= 5; i++ {
		stream = EncodeTrade(stream, testTrade(i))
	}

	d, c := newTestDecoder()
	for i := range stream {
		require.Equal(t, 1, d.Feed(stream[i:i+1]))
	}
	require.Len(t, c.trades, 5)
	assert.Zero(t, d.Pending())
	assert.Zero(t, d.Stats().ErrorsTotal())
	for i, tr := range c.trades {
		assert.Equal(t, uint64(i+1), tr.Seq)
	}
}

func TestDecoderArbitraryChunks(t *testing.T) {
	var stream []byte
	for i := uint64(1); i <= 20; i++ {
		stream = EncodeTrade(stream, testTrade(i))
	}
	rapid.Check(t, func(rt *rapid.T) {
		d, c := newTestDecoder()
		rest := stream
		for len(rest) > 0 {
			n := rapid.IntRange(1, len(rest)).Draw(rt, "chunk")
			d.Feed(rest[:n])
			rest = rest[n:]
		}
		if len(c.trades) != 20 {
			rt.Fatalf("decoded %d trades want 20", len(c.trades))
		}
		if d.Pending() != 0 {
			rt.Fatalf("pending %d", d.Pending())
		}
	})
}

func TestDecoderPartialFrameWaits(t *testing.T) {
	frame := EncodeTrade(nil, testTrade(1))
	d, c := newTestDecoder()

	require.Equal(t, 30, d.Feed(frame[:30]))
	assert.Empty(t, c.trades)
	assert.Equal(t, 30, d.Pending())

	d.Feed(frame[30:])
	assert.Len(t, c.trades, 1)
	assert.Zero(t, d.Pending())
}

func TestDecoderOversizedMessage(t *testing.T) {
	bad := EncodeHeader(nil, Header{Type: MsgTypeTrade, Exchange: schema.ExchangeNASDAQ, Length: MaxMessageSize + 1, TsNano: testTs, Seq: 1})

	d, c := newTestDecoder()
	stream := append(append([]byte{}, bad...), EncodeTrade(nil, testTrade(2))...)
	require.Equal(t, len(stream), d.Feed(stream))

	st := d.Stats()
	assert.Equal(t, uint64(1), st.ErrorsTotal())
	assert.Equal(t, uint64(1), st.ParseErrors[ParseErrorTooLarge])
	require.Len(t, c.trades, 1, "stream must resynchronise onto the next frame")
	assert.Equal(t, uint64(2), c.trades[0].Seq)

	// a second offending message adds exactly one more error
	bad2 := EncodeHeader(nil, Header{Type: MsgTypeQuote, Exchange: schema.ExchangeNASDAQ, Length: 100000, TsNano: testTs, Seq: 3})
	d.Feed(bad2)
	d.Feed(EncodeTrade(nil, testTrade(4)))
	assert.Equal(t, uint64(2), d.Stats().ParseErrors[ParseErrorTooLarge])
	assert.Len(t, c.trades, 2)
}

func TestDecoderConsecutiveOversized(t *testing.T) {
	d, c := newTestDecoder()
	stream := EncodeHeader(nil, Header{Type: MsgTypeTrade, Exchange: schema.ExchangeNASDAQ, Length: MaxMessageSize + 1, TsNano: testTs, Seq: 1})
	stream = EncodeHeader(stream, Header{Type: MsgTypeQuote, Exchange: schema.ExchangeNASDAQ, Length: 100000, TsNano: testTs, Seq: 2})
	stream = EncodeTrade(stream, testTrade(3))
	d.Feed(stream)

	st := d.Stats()
	assert.Equal(t, uint64(2), st.ParseErrors[ParseErrorTooLarge])
	assert.Equal(t, uint64(2), st.ErrorsTotal())
	assert.Equal(t, uint64(2*HeaderSize), st.ResyncBytes)
	require.Len(t, c.errs, 2)
	require.Len(t, c.trades, 1)
	assert.Equal(t, uint64(3), c.trades[0].Seq)
}

func TestDecoderConsecutiveOversizedAcrossChunks(t *testing.T) {
	d, c := newTestDecoder()
	bad := EncodeHeader(nil, Header{Type: MsgTypeTrade, Exchange: schema.ExchangeNASDAQ, Length: MaxMessageSize + 1, TsNano: testTs, Seq: 1})
	for range 3 {
		d.Feed(bad[:10])
		d.Feed(bad[10:])
	}
	d.Feed(EncodeTrade(nil, testTrade(2)))

	assert.Equal(t, uint64(3), d.Stats().ParseErrors[ParseErrorTooLarge])
	assert.Len(t, c.trades, 1)
}

func TestDecoderHeaderRejections(t *testing.T) {
	cases := []struct {
		name string
		h    Header
		kind ParseErrorKind
	}{
		{"unknown type", Header{Type: MsgType(9), Exchange: schema.ExchangeNASDAQ, Length: TradeSize}, ParseErrorUnknownType},
		{"unknown exchange", Header{Type: MsgTypeTrade, Exchange: schema.ExchangeID(77), Length: TradeSize}, ParseErrorUnknownType},
		{"length below header", Header{Type: MsgTypeTrade, Exchange: schema.ExchangeNASDAQ, Length: 10}, ParseErrorTruncated},
		{"length mismatch", Header{Type: MsgTypeTrade, Exchange: schema.ExchangeNASDAQ, Length: TradeSize + 1}, ParseErrorInvalidField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.h.TsNano = testTs
			tc.h.Seq = 1
			d, c := newTestDecoder()
			stream := EncodeHeader(nil, tc.h)
			stream = EncodeTrade(stream, testTrade(2))
			d.Feed(stream)

			st := d.Stats()
			assert.Equal(t, uint64(1), st.ErrorsTotal())
			assert.Equal(t, uint64(1), st.ParseErrors[tc.kind])
			require.Len(t, c.errs, 1)
			assert.True(t, c.errs[0].Resync)
			assert.Len(t, c.trades, 1)
		})
	}
}

func TestDecoderPayloadValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Trade)
		field  string
	}{
		{"zero price", func(tr *Trade) { tr.Price = 0 }, "price"},
		{"negative price", func(tr *Trade) { tr.Price = -1 }, "price"},
		{"nan price", func(tr *Trade) { tr.Price = math.NaN() }, "price"},
		{"price above ceiling", func(tr *Trade) { tr.Price = DefaultMaxPrice * 2 }, "price"},
		{"zero quantity", func(tr *Trade) { tr.Qty = 0 }, "quantity"},
		{"future timestamp", func(tr *Trade) { tr.TsNano = testTs + int64(DefaultMaxFutureSkew)*3 }, "timestamp"},
		{"zero symbol", func(tr *Trade) { tr.SymbolID = 0 }, "symbol_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := testTrade(1)
			tc.mutate(&bad)

			d, c := newTestDecoder()
			stream := EncodeTrade(nil, bad)
			stream = EncodeTrade(stream, testTrade(2))
			d.Feed(stream)

			require.Len(t, c.errs, 1)
			assert.Equal(t, ParseErrorInvalidField, c.errs[0].Kind)
			assert.Equal(t, tc.field, c.errs[0].Field)
			assert.False(t, c.errs[0].Resync)
			require.Len(t, c.trades, 1)
			assert.Equal(t, uint64(2), c.trades[0].Seq)
			assert.Zero(t, d.Stats().SequenceGaps, "dropped frames still advance the sequence")
		})
	}
}

func TestDecodeFrameIncomplete(t *testing.T) {
	frame := EncodeTrade(nil, testTrade(1))
	_, n, err := DecodeFrame(frame[:HeaderSize-1], testLimits())
	assert.True(t, errors.Is(err, ErrIncomplete))
	assert.Zero(t, n)

	_, n, err = DecodeFrame(frame[:TradeSize-1], testLimits())
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Zero(t, n)
}

func TestDecoderSequenceTracking(t *testing.T) {
	d, c := newTestDecoder()
	var stream []byte
	for _, seq := range []uint64{1, 2, 5, 3, 6} {
		stream = EncodeTrade(stream, testTrade(seq))
	}
	d.Feed(stream)

	st := d.Stats()
	assert.Len(t, c.trades, 5, "gaps and regressions are counted, not fatal")
	assert.Equal(t, uint64(1), st.SequenceGaps)
	assert.Equal(t, uint64(2), st.MissedMessages)
	assert.Equal(t, uint64(1), st.SeqRegressions)
	assert.Equal(t, uint64(6), st.LastSequence)
}

func TestDecoderQuoteValidation(t *testing.T) {
	q := Quote{
		Header:   Header{Exchange: schema.ExchangeCME, TsNano: testTs, Seq: 1},
		SymbolID: 1,
		BidPrice: 10, BidQty: 0,
		AskPrice: 11, AskQty: 5,
	}
	d, c := newTestDecoder()
	d.Feed(EncodeQuote(nil, q))
	assert.Empty(t, c.quotes)
	assert.Equal(t, uint64(1), d.Stats().ParseErrors[ParseErrorInvalidField])

	q.BidPrice = 0
	q.Seq = 2
	d.Feed(EncodeQuote(nil, q))
	assert.Len(t, c.quotes, 1, "one-sided quotes are valid")
}

func TestDecoderSurvivesGarbage(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		garbage := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(rt, "garbage")
		d, _ := newTestDecoder()
		if n := d.Feed(garbage); n != len(garbage) {
			rt.Fatalf("consumed %d want %d", n, len(garbage))
		}
		if d.Pending() > MaxMessageSize {
			rt.Fatalf("pending buffer grew to %d", d.Pending())
		}
	})
}

func TestDecoderReset(t *testing.T) {
	frame := EncodeTrade(nil, testTrade(1))
	d, c := newTestDecoder()
	d.Feed(frame[:40])
	d.Reset()
	assert.Zero(t, d.Pending())
	d.Feed(frame)
	assert.Len(t, c.trades, 1)
}

func BenchmarkDecoderFeed(b *testing.B) {
	frame := EncodeTrade(nil, testTrade(1))
	d := NewDecoder(Config{Limits: testLimits()}, Handlers{OnTrade: func(Trade) {}})
	for b.Loop() {
		d.Feed(frame)
	}
}
