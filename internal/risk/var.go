package risk

import (
	"errors"
	"math"
	"sort"
	"sync"

	"hft/internal/schema"
)

// DefaultHistorySize is the number of returns kept per series.
const DefaultHistorySize = 1000

var (
	ErrInsufficientHistory = errors.New("risk: not enough return history")
	ErrInvalidConfidence   = errors.New("risk: confidence must be in (0, 1)")
	ErrInvalidHorizon      = errors.New("risk: horizon must be positive")
)

// VaR is a historical-simulation value at risk estimate. Losses are reported
// as positive amounts.
type VaR struct {
	HorizonDays       int
	Confidence        float64
	Samples           int
	Exposure          float64
	ReturnQuantile    float64
	VaR               float64
	ExpectedShortfall float64
}

type series struct {
	buf  []float64
	next int
	full bool
}

func (s *series) add(r float64) {
	if s.full {
		s.buf[s.next] = r
		s.next = (s.next + 1) % len(s.buf)
		return
	}
	s.buf = append(s.buf, r)
	if len(s.buf) == cap(s.buf) {
		s.full = true
	}
}

func (s *series) sorted() []float64 {
	out := append([]float64(nil), s.buf...)
	sort.Float64s(out)
	return out
}

type history struct {
	size int

	mu         sync.Mutex
	portfolio  series
	strategies map[schema.StrategyID]*series
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{
		size:       size,
		portfolio:  series{buf: make([]float64, 0, size)},
		strategies: make(map[schema.StrategyID]*series),
	}
}

// RecordPortfolioReturn appends one period return of the whole portfolio.
func (e *Engine) RecordPortfolioReturn(r float64) {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return
	}
	e.history.mu.Lock()
	e.history.portfolio.add(r)
	e.history.mu.Unlock()
}

// RecordStrategyReturn appends one period return of a strategy.
func (e *Engine) RecordStrategyReturn(id schema.StrategyID, r float64) {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return
	}
	h := e.history
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.strategies[id]
	if !ok {
		s = &series{buf: make([]float64, 0, h.size)}
		h.strategies[id] = s
	}
	s.add(r)
}

// PortfolioVaR estimates the portfolio VaR over horizonDays at confidence,
// scaled by the gross exposure.
func (e *Engine) PortfolioVaR(horizonDays int, confidence float64) (VaR, error) {
	e.history.mu.Lock()
	returns := e.history.portfolio.sorted()
	e.history.mu.Unlock()
	return historicalVaR(returns, e.GrossExposure(), horizonDays, confidence)
}

// StrategyVaR estimates the VaR of one strategy, scaled by its absolute
// exposure.
func (e *Engine) StrategyVaR(id schema.StrategyID, horizonDays int, confidence float64) (VaR, error) {
	e.history.mu.Lock()
	var returns []float64
	if s, ok := e.history.strategies[id]; ok {
		returns = s.sorted()
	}
	e.history.mu.Unlock()
	return historicalVaR(returns, math.Abs(e.StrategyExposure(id)), horizonDays, confidence)
}

// historicalVaR takes the empirical 1-confidence quantile of sorted returns
// and scales it by exposure and the square root of the horizon.
func historicalVaR(sorted []float64, exposure float64, horizonDays int, confidence float64) (VaR, error) {
	if !(confidence > 0 && confidence < 1) {
		return VaR{}, ErrInvalidConfidence
	}
	if horizonDays <= 0 {
		return VaR{}, ErrInvalidHorizon
	}
	if len(sorted) == 0 {
		return VaR{}, ErrInsufficientHistory
	}

	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	idx = min(idx, len(sorted)-1)
	q := sorted[idx]

	var tail float64
	for _, r := range sorted[:idx+1] {
		tail += r
	}
	tail /= float64(idx + 1)

	scale := exposure * math.Sqrt(float64(horizonDays))
	return VaR{
		HorizonDays:       horizonDays,
		Confidence:        confidence,
		Samples:           len(sorted),
		Exposure:          exposure,
		ReturnQuantile:    q,
		VaR:               math.Max(0, -q) * scale,
		ExpectedShortfall: math.Max(0, -tail) * scale,
	}, nil
}

// Scenario is a stress scenario of fractional price shocks, e.g. -0.1 for a
// ten percent drop. Shocks overrides Shock per symbol.
type Scenario struct {
	Name   string
	Shock  float64
	Shocks map[schema.SymbolID]float64
}

// StressResult is the P&L impact of a scenario on the projected positions.
type StressResult struct {
	Name        string
	PnL         float64
	WorstSymbol schema.SymbolID
	WorstPnL    float64
}

// StressTest applies each scenario to the projected positions at their marks.
// Symbols without a mark are skipped.
func (e *Engine) StressTest(scenarios []Scenario) []StressResult {
	symbols := *e.symbols.Load()
	out := make([]StressResult, 0, len(scenarios))
	for _, sc := range scenarios {
		res := StressResult{Name: sc.Name}
		for id, s := range symbols {
			pos, mark := s.position.Load(), s.mark.Load()
			if pos == 0 || mark <= 0 {
				continue
			}
			shock := sc.Shock
			if v, ok := sc.Shocks[id]; ok {
				shock = v
			}
			pnl := float64(pos) * mark * shock
			res.PnL += pnl
			if pnl < res.WorstPnL {
				res.WorstPnL = pnl
				res.WorstSymbol = id
			}
		}
		out = append(out, res)
	}
	return out
}
