package position

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/yanun0323/decimal"

	"hft/internal/schema"
)

var ErrInvalidFill = errors.New("position: invalid fill")

// Key identifies a position.
type Key struct {
	StrategyID schema.StrategyID
	SymbolID   schema.SymbolID
}

// Position is the holding of one strategy in one symbol. Qty is signed,
// positive for long.
type Position struct {
	Key
	Qty           int64
	AvgPrice      float64
	MarketPrice   float64
	RealizedPnL   decimal.Decimal
	UnrealizedPnL float64
	Fees          decimal.Decimal
	LastUpdate    int64
}

// Value returns the signed position value at the mark, falling back to the
// average entry price when unmarked.
func (p Position) Value() float64 {
	price := p.MarketPrice
	if price <= 0 {
		price = p.AvgPrice
	}
	return float64(p.Qty) * price
}

// TotalPnL returns realized plus unrealized P&L.
func (p Position) TotalPnL() float64 {
	return pnlFloat(p.RealizedPnL) + p.UnrealizedPnL
}

// Limits bounds positions for monitoring. A zero limit is not checked.
type Limits struct {
	MaxPosition         int64                      `json:"maxPosition" yaml:"maxPosition" validate:"gte=0"`
	MaxSymbolExposure   float64                    `json:"maxSymbolExposure" yaml:"maxSymbolExposure" validate:"gte=0"`
	MaxStrategyExposure float64                    `json:"maxStrategyExposure" yaml:"maxStrategyExposure" validate:"gte=0"`
	MaxStrategyLoss     float64                    `json:"maxStrategyLoss" yaml:"maxStrategyLoss" validate:"gte=0"`
	MaxGrossExposure    float64                    `json:"maxGrossExposure" yaml:"maxGrossExposure" validate:"gte=0"`
	SymbolPositions     map[schema.SymbolID]int64 `json:"-" yaml:"-"`
}

func (l Limits) positionLimit(symbol schema.SymbolID) int64 {
	if v, ok := l.SymbolPositions[symbol]; ok {
		return v
	}
	return l.MaxPosition
}

// Exposure aggregates a set of positions.
type Exposure struct {
	Gross      float64
	Net        float64
	Realized   float64
	Unrealized float64
	Positions  int
}

// PnL returns realized plus unrealized P&L.
func (e Exposure) PnL() float64 {
	return e.Realized + e.Unrealized
}

func (e *Exposure) add(p *Position) {
	v := p.Value()
	e.Gross += math.Abs(v)
	e.Net += v
	e.Realized += pnlFloat(p.RealizedPnL)
	e.Unrealized += p.UnrealizedPnL
	e.Positions++
}

// Tracker keeps positions keyed by strategy and symbol.
type Tracker struct {
	limits Limits
	names  func(schema.SymbolID) string

	mu        sync.RWMutex
	positions map[Key]*Position
	marks     map[schema.SymbolID]float64
}

// NewTracker creates an empty tracker. names renders symbols in violation
// messages and may be nil.
func NewTracker(limits Limits, names func(schema.SymbolID) string) *Tracker {
	if names == nil {
		names = func(id schema.SymbolID) string { return fmt.Sprintf("symbol#%d", id) }
	}
	return &Tracker{
		limits:    limits,
		names:     names,
		positions: make(map[Key]*Position),
		marks:     make(map[schema.SymbolID]float64),
	}
}

// UpdatePosition applies a fill and returns the updated position.
func (t *Tracker) UpdatePosition(fill schema.Fill) (Position, error) {
	sign := fill.Side.Sign()
	if sign == 0 || fill.Qty == 0 || !(fill.Price > 0) || math.IsInf(fill.Price, 0) {
		return Position{}, ErrInvalidFill
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := Key{StrategyID: fill.StrategyID, SymbolID: fill.SymbolID}
	p, ok := t.positions[key]
	if !ok {
		p = &Position{Key: key, MarketPrice: t.marks[fill.SymbolID]}
		t.positions[key] = p
	}

	qty := int64(fill.Qty)
	delta := sign * qty
	switch {
	case p.Qty == 0 || (p.Qty > 0) == (delta > 0):
		// opening or adding
		total := absInt64(p.Qty) + qty
		p.AvgPrice = (p.AvgPrice*float64(absInt64(p.Qty)) + fill.Price*float64(qty)) / float64(total)
		p.Qty += delta
	default:
		closed := min(qty, absInt64(p.Qty))
		held := int64(1)
		if p.Qty < 0 {
			held = -1
		}
		pnl := decimal.NewFromFloat(fill.Price).
			Sub(decimal.NewFromFloat(p.AvgPrice)).
			Mul(decimal.NewFromInt(closed * held))
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.Qty += delta
		switch {
		case p.Qty == 0:
			p.AvgPrice = 0
		case (p.Qty > 0) != (held > 0):
			// flipped through zero; the remainder opens at the fill price
			p.AvgPrice = fill.Price
		}
	}

	if fill.Fee != 0 {
		p.Fees = p.Fees.Add(decimal.NewFromFloat(fill.Fee))
	}
	p.LastUpdate = fill.TsNano
	p.revalue()
	return *p, nil
}

func (p *Position) revalue() {
	if p.MarketPrice <= 0 || p.Qty == 0 {
		p.UnrealizedPnL = 0
		return
	}
	p.UnrealizedPnL = (p.MarketPrice - p.AvgPrice) * float64(p.Qty)
}

// UpdateMarketPrice marks every position in symbol to price.
func (t *Tracker) UpdateMarketPrice(symbol schema.SymbolID, price float64) {
	if !(price > 0) || math.IsInf(price, 0) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks[symbol] = price
	for key, p := range t.positions {
		if key.SymbolID != symbol {
			continue
		}
		p.MarketPrice = price
		p.revalue()
	}
}

// Position returns a copy of one position.
func (t *Tracker) Position(key Key) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[key]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Positions returns copies of all positions ordered by strategy then symbol.
func (t *Tracker) Positions() []Position {
	t.mu.RLock()
	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].SymbolID < out[j].SymbolID
	})
	return out
}

// StrategyExposure aggregates the positions of one strategy.
func (t *Tracker) StrategyExposure(id schema.StrategyID) Exposure {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var e Exposure
	for key, p := range t.positions {
		if key.StrategyID == id {
			e.add(p)
		}
	}
	return e
}

// SymbolExposure aggregates the positions in one symbol across strategies.
func (t *Tracker) SymbolExposure(id schema.SymbolID) Exposure {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var e Exposure
	for key, p := range t.positions {
		if key.SymbolID == id {
			e.add(p)
		}
	}
	return e
}

// SymbolPosition returns the net quantity held in symbol across strategies.
func (t *Tracker) SymbolPosition(id schema.SymbolID) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var q int64
	for key, p := range t.positions {
		if key.SymbolID == id {
			q += p.Qty
		}
	}
	return q
}

// Portfolio aggregates every position.
func (t *Tracker) Portfolio() Exposure {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var e Exposure
	for _, p := range t.positions {
		e.add(p)
	}
	return e
}

// GrossExposure returns the sum of absolute position values.
func (t *Tracker) GrossExposure() float64 {
	return t.Portfolio().Gross
}

// NetExposure returns the sum of signed position values.
func (t *Tracker) NetExposure() float64 {
	return t.Portfolio().Net
}

// CheckLimitViolations describes every breached limit. It does not modify any
// state.
func (t *Tracker) CheckLimitViolations() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	symbols := make(map[schema.SymbolID]*Exposure)
	strategies := make(map[schema.StrategyID]*Exposure)
	var portfolio Exposure

	for key, p := range t.positions {
		if limit := t.limits.positionLimit(key.SymbolID); limit > 0 && absInt64(p.Qty) > limit {
			out = append(out, fmt.Sprintf("strategy %d %s: position %d exceeds limit %d",
				key.StrategyID, t.names(key.SymbolID), p.Qty, limit))
		}
		se, ok := symbols[key.SymbolID]
		if !ok {
			se = &Exposure{}
			symbols[key.SymbolID] = se
		}
		se.add(p)
		st, ok := strategies[key.StrategyID]
		if !ok {
			st = &Exposure{}
			strategies[key.StrategyID] = st
		}
		st.add(p)
		portfolio.add(p)
	}

	for id, e := range symbols {
		if t.limits.MaxSymbolExposure > 0 && e.Gross > t.limits.MaxSymbolExposure {
			out = append(out, fmt.Sprintf("%s: exposure %.2f exceeds limit %.2f",
				t.names(id), e.Gross, t.limits.MaxSymbolExposure))
		}
	}
	for id, e := range strategies {
		if t.limits.MaxStrategyExposure > 0 && e.Gross > t.limits.MaxStrategyExposure {
			out = append(out, fmt.Sprintf("strategy %d: exposure %.2f exceeds limit %.2f",
				id, e.Gross, t.limits.MaxStrategyExposure))
		}
		if t.limits.MaxStrategyLoss > 0 && e.PnL() < -t.limits.MaxStrategyLoss {
			out = append(out, fmt.Sprintf("strategy %d: loss %.2f exceeds limit %.2f",
				id, -e.PnL(), t.limits.MaxStrategyLoss))
		}
	}
	if t.limits.MaxGrossExposure > 0 && portfolio.Gross > t.limits.MaxGrossExposure {
		out = append(out, fmt.Sprintf("portfolio: gross exposure %.2f exceeds limit %.2f",
			portfolio.Gross, t.limits.MaxGrossExposure))
	}
	sort.Strings(out)
	return out
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func pnlFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
