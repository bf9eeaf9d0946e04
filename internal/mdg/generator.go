package mdg

import (
	"math"
	"math/rand"
	"time"

	"github.com/yanun0323/errors"

	"hft/internal/schema"
	"hft/internal/wire"
)

// Config shapes the synthetic feed.
type Config struct {
	Seed      int64   `json:"seed" yaml:"seed"`
	BasePrice float64 `json:"basePrice" yaml:"basePrice" validate:"gt=0"`
	// Spread is the quoted bid/ask spread in ticks.
	Spread  int    `json:"spread" yaml:"spread" validate:"gte=1"`
	BaseQty uint64 `json:"baseQty" yaml:"baseQty" validate:"gt=0"`
	// TradeRatio and UpdateRatio are the shares of trades and order updates;
	// the rest are quotes.
	TradeRatio     float64       `json:"tradeRatio" yaml:"tradeRatio" validate:"gte=0,lte=1"`
	UpdateRatio    float64       `json:"updateRatio" yaml:"updateRatio" validate:"gte=0,lte=1"`
	HeartbeatEvery int           `json:"heartbeatEvery" yaml:"heartbeatEvery" validate:"gte=0"`
	Step           time.Duration `json:"step" yaml:"step" validate:"gte=0"`
}

// DefaultConfig returns a busy but sane feed.
func DefaultConfig() Config {
	return Config{
		Seed:           1,
		BasePrice:      100,
		Spread:         2,
		BaseQty:        100,
		TradeRatio:     0.3,
		UpdateRatio:    0.4,
		HeartbeatEvery: 100,
		Step:           time.Millisecond,
	}
}

type restingOrder struct {
	id   uint64
	side schema.OrderSide
}

type symbolState struct {
	sym  schema.Symbol
	tick float64
	mid  float64
	live []restingOrder
}

// Generator creates synthetic market data for every registry symbol.
type Generator struct {
	cfg     Config
	rng     *rand.Rand
	symbols []*symbolState
	seq     uint64
	index   int
	count   int
	ts      int64
	orderID uint64
	tradeID uint64
}

// NewGenerator creates a generator starting at start.
func NewGenerator(reg *schema.Registry, cfg Config, start time.Time) (*Generator, error) {
	if reg == nil || reg.SymbolCount() == 0 {
		return nil, errors.New("registry has no symbols")
	}
	if cfg.BasePrice <= 0 || cfg.BaseQty == 0 {
		return nil, errors.Errorf("invalid generator config: base price %v, base qty %d", cfg.BasePrice, cfg.BaseQty)
	}
	if cfg.TradeRatio+cfg.UpdateRatio > 1 {
		return nil, errors.Errorf("trade ratio %v plus update ratio %v exceeds 1", cfg.TradeRatio, cfg.UpdateRatio)
	}
	if cfg.Spread < 1 {
		cfg.Spread = 1
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Millisecond
	}

	g := &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
		ts:  start.UnixNano(),
	}
	for i, sym := range reg.Symbols() {
		tick := sym.TickSize
		if tick <= 0 {
			tick = 0.01
		}
		g.symbols = append(g.symbols, &symbolState{
			sym:  sym,
			tick: tick,
			mid:  roundTo(cfg.BasePrice*(1+0.1*float64(i)), tick),
		})
	}
	return g, nil
}

func roundTo(v, tick float64) float64 {
	return math.Round(v/tick) * tick
}

// header stamps the next message. The generator is one feed, so sequence
// numbers are shared by every exchange it carries.
func (g *Generator) header(ex schema.ExchangeID) wire.Header {
	g.seq++
	return wire.Header{Exchange: ex, TsNano: g.ts, Seq: g.seq}
}

// Next creates the next message in sequence.
func (g *Generator) Next() wire.Message {
	g.ts += int64(g.cfg.Step)
	g.count++
	s := g.symbols[g.index]
	g.index = (g.index + 1) % len(g.symbols)

	if g.cfg.HeartbeatEvery > 0 && g.count%g.cfg.HeartbeatEvery == 0 {
		h := g.header(s.sym.Exchange)
		return wire.Heartbeat{Header: h, SessionID: 1, LastSequence: h.Seq - 1}
	}

	// random walk, floored at ten ticks
	s.mid = math.Max(roundTo(s.mid+float64(g.rng.Intn(3)-1)*s.tick, s.tick), 10*s.tick)
	half := float64(g.cfg.Spread) * s.tick / 2
	bid, ask := s.mid-half, s.mid+half

	r := g.rng.Float64()
	switch {
	case r < g.cfg.TradeRatio:
		g.tradeID++
		price := bid
		if g.rng.Intn(2) == 0 {
			price = ask
		}
		return wire.Trade{
			Header:   g.header(s.sym.Exchange),
			SymbolID: s.sym.ID,
			TradeID:  g.tradeID,
			Price:    price,
			Qty:      g.qty(),
		}
	case r < g.cfg.TradeRatio+g.cfg.UpdateRatio:
		return g.orderUpdate(s, bid, ask)
	default:
		return g.quote(s, bid, ask)
	}
}

func (g *Generator) qty() uint64 {
	return g.cfg.BaseQty/2 + uint64(g.rng.Int63n(int64(g.cfg.BaseQty)+1))
}

func (g *Generator) orderUpdate(s *symbolState, bid, ask float64) wire.Message {
	u := wire.OrderUpdate{Header: g.header(s.sym.Exchange), SymbolID: s.sym.ID}
	if len(s.live) != 0 && g.rng.Intn(3) == 0 {
		i := g.rng.Intn(len(s.live))
		o := s.live[i]
		s.live = append(s.live[:i], s.live[i+1:]...)
		u.OrderID, u.Side, u.Action = o.id, o.side, wire.UpdateActionCancel
		return u
	}

	g.orderID++
	away := float64(1+g.rng.Intn(wire.QuoteLevels)) * s.tick
	u.OrderID, u.Action, u.Qty = g.orderID, wire.UpdateActionAdd, g.qty()
	if g.rng.Intn(2) == 0 {
		u.Side, u.Price = schema.OrderSideBuy, bid-away
	} else {
		u.Side, u.Price = schema.OrderSideSell, ask+away
	}
	s.live = append(s.live, restingOrder{id: u.OrderID, side: u.Side})
	return u
}

func (g *Generator) quote(s *symbolState, bid, ask float64) wire.Message {
	q := wire.Quote{
		Header:   g.header(s.sym.Exchange),
		SymbolID: s.sym.ID,
		BidPrice: bid,
		BidQty:   g.qty(),
		AskPrice: ask,
		AskQty:   g.qty(),
	}
	q.BidLevels[0] = wire.Level{Price: bid, Qty: q.BidQty, OrderCount: 1}
	q.AskLevels[0] = wire.Level{Price: ask, Qty: q.AskQty, OrderCount: 1}
	for i := 1; i < wire.QuoteLevels; i++ {
		step := float64(i) * s.tick
		q.BidLevels[i] = wire.Level{Price: bid - step, Qty: g.qty(), OrderCount: uint32(1 + g.rng.Intn(5))}
		q.AskLevels[i] = wire.Level{Price: ask + step, Qty: g.qty(), OrderCount: uint32(1 + g.rng.Intn(5))}
	}
	// a refresh replaces the book, so resting orders are gone
	s.live = s.live[:0]
	return q
}
