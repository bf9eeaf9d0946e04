package risk

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"hft/internal/latency"
	"hft/internal/schema"
)

// Config configures an Engine.
type Config struct {
	Limits Limits
	// HistorySize bounds the return series kept for VaR.
	HistorySize int
	Latency     *latency.Tracker
	Now         func() time.Time
}

type symbolState struct {
	// position is the projected position: fills plus approved, unreleased orders.
	position atomic.Int64
	mark     atomicFloat
}

type strategyState struct {
	// exposure is the signed notional of approved, unreleased orders.
	exposure atomicFloat
}

// Engine admits or rejects orders. The check path takes no locks and does not
// allocate once symbols and strategies have been registered.
type Engine struct {
	limits    atomic.Pointer[Limits]
	breaker   *CircuitBreaker
	blacklist *Blacklist
	lat       *latency.Tracker
	now       func() time.Time

	mu         sync.Mutex
	symbols    atomic.Pointer[map[schema.SymbolID]*symbolState]
	strategies atomic.Pointer[map[schema.StrategyID]*strategyState]
	gross      atomicFloat

	rateStart atomic.Int64
	rateCount atomic.Int64

	decisions  [schema.RiskReasonCount]atomic.Uint64
	overBudget atomic.Uint64

	history *history
}

// NewEngine validates the limits and creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Engine{
		breaker:   NewCircuitBreaker(cfg.Limits.Cooldown),
		blacklist: NewBlacklist(),
		lat:       cfg.Latency,
		now:       cfg.Now,
		history:   newHistory(cfg.HistorySize),
	}
	e.breaker.now = cfg.Now
	e.limits.Store(cloneLimits(cfg.Limits))
	symbols := map[schema.SymbolID]*symbolState{}
	e.symbols.Store(&symbols)
	strategies := map[schema.StrategyID]*strategyState{}
	e.strategies.Store(&strategies)
	return e, nil
}

func cloneLimits(l Limits) *Limits {
	if l.SymbolPositionLimits != nil {
		m := make(map[schema.SymbolID]int64, len(l.SymbolPositionLimits))
		for k, v := range l.SymbolPositionLimits {
			m[k] = v
		}
		l.SymbolPositionLimits = m
	}
	return &l
}

// Limits returns a copy of the active limits.
func (e *Engine) Limits() Limits {
	return *cloneLimits(*e.limits.Load())
}

// UpdateLimits swaps in new limits. In-flight checks finish against the old set.
func (e *Engine) UpdateLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	e.limits.Store(cloneLimits(l))
	logs.Infof("risk limits updated, max order value: %.2f, max position: %d", l.MaxOrderValue, l.MaxPosition)
	return nil
}

// Breaker returns the engine's circuit breaker.
func (e *Engine) Breaker() *CircuitBreaker {
	return e.breaker
}

// Blacklist returns the engine's symbol blacklist.
func (e *Engine) Blacklist() *Blacklist {
	return e.blacklist
}

// Register preallocates cache slots so the first check of a symbol or
// strategy does not allocate.
func (e *Engine) Register(symbols []schema.SymbolID, strategies []schema.StrategyID) {
	for _, id := range symbols {
		e.symbol(id)
	}
	for _, id := range strategies {
		e.strategy(id)
	}
}

func (e *Engine) symbol(id schema.SymbolID) *symbolState {
	if s, ok := (*e.symbols.Load())[id]; ok {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := *e.symbols.Load()
	if s, ok := cur[id]; ok {
		return s
	}
	next := make(map[schema.SymbolID]*symbolState, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	s := &symbolState{}
	next[id] = s
	e.symbols.Store(&next)
	return s
}

func (e *Engine) strategy(id schema.StrategyID) *strategyState {
	if s, ok := (*e.strategies.Load())[id]; ok {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := *e.strategies.Load()
	if s, ok := cur[id]; ok {
		return s
	}
	next := make(map[schema.StrategyID]*strategyState, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	s := &strategyState{}
	next[id] = s
	e.strategies.Store(&next)
	return s
}

// QuickPreTradeCheck evaluates req against the breaker, the blacklist and the
// limits, stopping at the first failure. An approval reserves the order's
// position and exposure until it fills or is released.
func (e *Engine) QuickPreTradeCheck(req schema.OrderRequest) schema.RiskDecision {
	start := time.Now()
	lim := e.limits.Load()
	sym := e.symbol(req.SymbolID)

	d := schema.RiskDecision{
		StrategyID:    req.StrategyID,
		SymbolID:      req.SymbolID,
		ProposedQty:   req.Qty,
		ProposedPrice: req.Price,
		CurrentPos:    sym.position.Load(),
		MaxPos:        lim.PositionLimit(req.SymbolID),
		MaxNotional:   lim.MaxOrderValue,
	}

	switch {
	case e.breaker.Active():
		d.Reason = schema.RiskReasonCircuitBreaker
	case e.blacklist.Contains(req.SymbolID):
		d.Reason = schema.RiskReasonBlacklist
	case lim.MaxOrderValue > 0 && !(req.Notional() <= lim.MaxOrderValue):
		d.Reason = schema.RiskReasonOrderSize
	default:
		d.Reason = e.reserve(lim, req, sym, &d)
	}

	return e.finish(d, start)
}

func (e *Engine) reserve(lim *Limits, req schema.OrderRequest, sym *symbolState, d *schema.RiskDecision) schema.RiskReason {
	delta := req.Side.Sign() * int64(req.Qty)
	st := e.strategy(req.StrategyID)
	rateChecked := false

	for {
		cur := sym.position.Load()
		next := cur + delta
		d.CurrentPos = cur
		if d.MaxPos > 0 && absInt64(next) > d.MaxPos {
			return schema.RiskReasonPositionLimit
		}

		// exposure is reserved before the position so concurrent checks on
		// other symbols see it; a lost position race gives it back
		grossDelta := float64(absInt64(next)-absInt64(cur)) * req.Price
		if !e.gross.AddWithin(grossDelta, lim.MaxGrossExposure) {
			return schema.RiskReasonExposureLimit
		}
		stratDelta := float64(delta) * req.Price
		if !st.exposure.AddWithinAbs(stratDelta, lim.MaxStrategyExposure) {
			e.gross.Add(-grossDelta)
			return schema.RiskReasonExposureLimit
		}

		if !rateChecked {
			if !e.allowRate(lim) {
				e.gross.Add(-grossDelta)
				st.exposure.Add(-stratDelta)
				return schema.RiskReasonCompliance
			}
			rateChecked = true
		}

		if sym.position.CompareAndSwap(cur, next) {
			return schema.RiskReasonNone
		}
		e.gross.Add(-grossDelta)
		st.exposure.Add(-stratDelta)
	}
}

// allowRate applies the order-rate compliance window.
func (e *Engine) allowRate(lim *Limits) bool {
	if lim.OrderRateLimit <= 0 || lim.OrderRateWindow <= 0 {
		return true
	}
	now := e.now().UnixNano()
	start := e.rateStart.Load()
	if start == 0 || now-start >= int64(lim.OrderRateWindow) {
		if e.rateStart.CompareAndSwap(start, now) {
			e.rateCount.Store(0)
		}
	}
	return e.rateCount.Add(1) <= lim.OrderRateLimit
}

func (e *Engine) finish(d schema.RiskDecision, start time.Time) schema.RiskDecision {
	elapsed := time.Since(start)
	d.LatencyNanos = int64(elapsed)
	e.decisions[d.Reason].Add(1)
	if e.lat != nil {
		e.lat.Record(int64(elapsed))
	}
	if budget := e.limits.Load().budget(); elapsed > budget {
		e.overBudget.Add(1)
		logs.Warnf("risk check over budget, symbol: %d, elapsed: %s, budget: %s", d.SymbolID, elapsed, budget)
	}
	return d
}

// ReleaseOrder backs out the reservation of qty unfilled units of an approved
// order, e.g. after a cancel or a venue rejection.
func (e *Engine) ReleaseOrder(req schema.OrderRequest, qty uint64) {
	if qty == 0 {
		return
	}
	e.shift(req, -req.Side.Sign()*int64(qty))
}

// RepriceOrder moves the reservation of qty units of req from req.Price to
// price without re-checking limits, e.g. after the venue accepted a modify.
func (e *Engine) RepriceOrder(req schema.OrderRequest, qty uint64, price float64) {
	if qty == 0 || price == req.Price {
		return
	}
	e.ReleaseOrder(req, qty)
	req.Price = price
	e.shift(req, req.Side.Sign()*int64(qty))
}

// shift moves the projected position of req's symbol by delta and the
// exposures by delta at req.Price.
func (e *Engine) shift(req schema.OrderRequest, delta int64) {
	sym := e.symbol(req.SymbolID)
	for {
		cur := sym.position.Load()
		next := cur + delta
		if sym.position.CompareAndSwap(cur, next) {
			e.gross.Add(float64(absInt64(next)-absInt64(cur)) * req.Price)
			break
		}
	}
	e.strategy(req.StrategyID).exposure.Add(float64(delta) * req.Price)
}

// SetPosition overwrites the projected position of symbol, used to seed the
// cache from reconciled positions at startup.
func (e *Engine) SetPosition(symbol schema.SymbolID, qty int64, price float64) {
	sym := e.symbol(symbol)
	old := sym.position.Swap(qty)
	e.gross.Add(float64(absInt64(qty)-absInt64(old)) * price)
	if price > 0 {
		sym.mark.Store(price)
	}
}

// Position returns the projected position of symbol.
func (e *Engine) Position(symbol schema.SymbolID) int64 {
	if s, ok := (*e.symbols.Load())[symbol]; ok {
		return s.position.Load()
	}
	return 0
}

// UpdateMarkPrice records the latest price of symbol for stress testing.
func (e *Engine) UpdateMarkPrice(symbol schema.SymbolID, price float64) {
	if !(price > 0) {
		return
	}
	e.symbol(symbol).mark.Store(price)
}

// GrossExposure returns the cached portfolio gross exposure.
func (e *Engine) GrossExposure() float64 {
	return e.gross.Load()
}

// StrategyExposure returns the cached signed exposure of a strategy.
func (e *Engine) StrategyExposure(id schema.StrategyID) float64 {
	if s, ok := (*e.strategies.Load())[id]; ok {
		return s.exposure.Load()
	}
	return 0
}

// CheckDrawdown drives the breaker from the portfolio P&L: WARNING past the
// warn threshold, TRIGGERED past the max drawdown.
func (e *Engine) CheckDrawdown(pnl float64) BreakerState {
	lim := e.limits.Load()
	switch {
	case lim.MaxDrawdown > 0 && pnl <= -lim.MaxDrawdown:
		if e.breaker.Trigger("max drawdown breached") {
			logs.Errorf("circuit breaker triggered, pnl: %.2f, max drawdown: %.2f", pnl, lim.MaxDrawdown)
		}
	case lim.WarnDrawdown > 0 && pnl <= -lim.WarnDrawdown:
		if e.breaker.Warn() {
			logs.Warnf("drawdown warning, pnl: %.2f, warn drawdown: %.2f", pnl, lim.WarnDrawdown)
		}
	default:
		e.breaker.ClearWarning()
	}
	return e.breaker.State()
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Decisions     [schema.RiskReasonCount]uint64
	OverBudget    uint64
	GrossExposure float64
	Breaker       BreakerState
	Trips         uint64
	Blacklisted   int
}

// Approved returns the number of approved checks.
func (s Stats) Approved() uint64 {
	return s.Decisions[schema.RiskReasonNone]
}

// Rejected returns the number of rejected checks.
func (s Stats) Rejected() uint64 {
	var n uint64
	for i := 1; i < len(s.Decisions); i++ {
		n += s.Decisions[i]
	}
	return n
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		OverBudget:    e.overBudget.Load(),
		GrossExposure: e.gross.Load(),
		Breaker:       e.breaker.State(),
		Trips:         e.breaker.Trips(),
		Blacklisted:   e.blacklist.Len(),
	}
	for i := range e.decisions {
		s.Decisions[i] = e.decisions[i].Load()
	}
	return s
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// atomicFloat is a float64 stored as bits.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

func (f *atomicFloat) Add(delta float64) float64 {
	for {
		old := f.bits.Load()
		next := math.Float64frombits(old) + delta
		if f.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return next
		}
	}
}

// AddWithin adds delta unless the result would exceed limit. Decreases and a
// non-positive limit always apply.
func (f *atomicFloat) AddWithin(delta, limit float64) bool {
	for {
		old := f.bits.Load()
		next := math.Float64frombits(old) + delta
		if limit > 0 && delta > 0 && next > limit {
			return false
		}
		if f.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return true
		}
	}
}

// AddWithinAbs is AddWithin on the absolute value: it refuses to move the
// value further than limit away from zero.
func (f *atomicFloat) AddWithinAbs(delta, limit float64) bool {
	for {
		old := f.bits.Load()
		cur := math.Float64frombits(old)
		next := cur + delta
		if limit > 0 && math.Abs(next) > limit && math.Abs(next) > math.Abs(cur) {
			return false
		}
		if f.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return true
		}
	}
}
