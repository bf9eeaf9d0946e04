package mdg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hft/internal/book"
	"hft/internal/schema"
	"hft/internal/wire"
)

var testStart = time.Unix(0, 1_700_000_000_000_000_000)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddSymbol(schema.Symbol{ID: 7, Exchange: schema.ExchangeNASDAQ, Name: "AAPL", TickSize: 0.01}))
	require.NoError(t, reg.AddSymbol(schema.Symbol{ID: 8, Exchange: schema.ExchangeNYSE, Name: "IBM", TickSize: 0.05}))
	return reg
}

func TestNewGeneratorValidates(t *testing.T) {
	_, err := NewGenerator(schema.NewRegistry(), DefaultConfig(), testStart)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.TradeRatio, cfg.UpdateRatio = 0.7, 0.7
	_, err = NewGenerator(testRegistry(t), cfg, testStart)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.BasePrice = 0
	_, err = NewGenerator(testRegistry(t), cfg, testStart)
	assert.Error(t, err)
}

func TestGeneratorDecodesCleanly(t *testing.T) {
	g, err := NewGenerator(testRegistry(t), DefaultConfig(), testStart)
	require.NoError(t, err)

	books := book.NewManager(10, nil)
	var applyErrs int
	apply := func(m wire.Message) {
		if books.Apply(m) != nil {
			applyErrs++
		}
	}
	dec := wire.NewDecoder(wire.Config{
		Name:   "mdg",
		Limits: wire.Limits{Now: func() int64 { return testStart.Add(time.Hour).UnixNano() }},
	}, wire.Handlers{
		OnTrade:       func(m wire.Trade) { apply(m) },
		OnQuote:       func(m wire.Quote) { apply(m) },
		OnOrderUpdate: func(m wire.OrderUpdate) { apply(m) },
	})

	var stream []byte
	for i := 0; i < 2000; i++ {
		stream = wire.Encode(stream, g.Next())
	}
	dec.Feed(stream)

	st := dec.Stats()
	assert.Zero(t, st.ErrorsTotal())
	assert.Zero(t, st.SequenceGaps)
	assert.Zero(t, st.SeqRegressions)
	assert.Equal(t, uint64(2000), st.MessagesTotal())
	for typ := wire.MsgTypeTrade; typ <= wire.MsgTypeHeartbeat; typ++ {
		assert.NotZero(t, st.Messages[typ], typ.String())
	}
	assert.Zero(t, applyErrs)

	for _, id := range []schema.SymbolID{7, 8} {
		b, ok := books.Lookup(id)
		require.True(t, ok)
		assert.NotZero(t, b.TradeCount())
		if b.BestBid() > 0 && b.BestAsk() > 0 {
			assert.Less(t, b.BestBid(), b.BestAsk())
		}
	}
}

func TestGeneratorIsDeterministic(t *testing.T) {
	a, err := NewGenerator(testRegistry(t), DefaultConfig(), testStart)
	require.NoError(t, err)
	b, err := NewGenerator(testRegistry(t), DefaultConfig(), testStart)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		require.Equal(t, a.Next(), b.Next())
	}
}

func TestGeneratorTimestampsAdvance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Step = 5 * time.Millisecond
	g, err := NewGenerator(testRegistry(t), cfg, testStart)
	require.NoError(t, err)

	first := g.Next().MessageHeader()
	second := g.Next().MessageHeader()
	assert.Equal(t, testStart.Add(5*time.Millisecond).UnixNano(), first.TsNano)
	assert.Equal(t, int64(5*time.Millisecond), second.TsNano-first.TsNano)
	assert.Equal(t, first.Seq+1, second.Seq)
	assert.Equal(t, schema.ExchangeNASDAQ, first.Exchange)
	assert.Equal(t, schema.ExchangeNYSE, second.Exchange)
}
