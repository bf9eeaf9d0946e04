package order

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yanun0323/logs"
	"golang.org/x/time/rate"

	"hft/internal/audit"
	"hft/internal/latency"
	"hft/internal/position"
	"hft/internal/schema"
	"hft/pkg/exception"
)

var (
	ErrUnknownOrder      = errors.New("order: not found")
	ErrInvalidTransition = errors.New("order: invalid state transition")
	ErrInvalidFill       = errors.New("order: invalid fill")
	ErrOverfill          = errors.New("order: fill exceeds order quantity")
	ErrRiskRejected      = errors.New("order: rejected by risk")
	ErrInvalidRequest    = exception.ErrOrderInvalidRequest
)

var validate = validator.New()

// RiskChecker admits orders and releases their reservations.
type RiskChecker interface {
	QuickPreTradeCheck(req schema.OrderRequest) schema.RiskDecision
	ReleaseOrder(req schema.OrderRequest, qty uint64)
	RepriceOrder(req schema.OrderRequest, qty uint64, price float64)
}

// PositionUpdater books fills.
type PositionUpdater interface {
	UpdatePosition(fill schema.Fill) (position.Position, error)
}

// Auditor receives audit records without blocking.
type Auditor interface {
	Append(r audit.Record) bool
}

// Listener is called synchronously after every order state change.
type Listener func(Update)

// Config controls a Manager.
type Config struct {
	IDBase                  uint64        `json:"idBase" yaml:"idBase"`
	MaxRetries              int           `json:"maxRetries" yaml:"maxRetries" validate:"gte=0,lte=20"`
	Backoff                 Backoff       `json:"backoff" yaml:"backoff"`
	VenueRate               float64       `json:"venueRate" yaml:"venueRate" validate:"gte=0"`
	VenueBurst              int           `json:"venueBurst" yaml:"venueBurst" validate:"gte=0"`
	DefaultMaxExecutionTime time.Duration `json:"defaultMaxExecutionTime" yaml:"defaultMaxExecutionTime" validate:"gte=0"`
	TimeoutScanInterval     time.Duration `json:"timeoutScanInterval" yaml:"timeoutScanInterval" validate:"gte=0"`
}

// Validate checks the config.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// Deps are the collaborators of a Manager. Venue and Risk are required.
type Deps struct {
	Venue     Venue
	Risk      RiskChecker
	Positions PositionUpdater
	Audit     Auditor
	Latency   *latency.Tracker
	Now       func() time.Time
}

// Manager drives orders through their lifecycle.
type Manager struct {
	cfg       Config
	venue     Venue
	risk      RiskChecker
	positions PositionUpdater
	audit     Auditor
	lat       *latency.Tracker
	limiter   *rate.Limiter
	now       func() time.Time

	nextID atomic.Uint64

	mu     sync.RWMutex
	orders map[schema.OrderID]*ManagedOrder

	lmu       sync.Mutex
	listeners atomic.Pointer[[]Listener]

	entered            [stateCount]atomic.Uint64
	riskRejected       atomic.Uint64
	venueErrors        atomic.Uint64
	retries            atomic.Uint64
	duplicates         atomic.Uint64
	overfills          atomic.Uint64
	invalidTransitions atomic.Uint64
}

// NewManager creates an order manager.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Venue == nil || deps.Risk == nil {
		return nil, exception.ErrNilInstance
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	limit, burst := rate.Inf, cfg.VenueBurst
	if cfg.VenueRate > 0 {
		limit = rate.Limit(cfg.VenueRate)
		if burst <= 0 {
			burst = max(1, int(math.Ceil(cfg.VenueRate)))
		}
	}
	m := &Manager{
		cfg:       cfg,
		venue:     deps.Venue,
		risk:      deps.Risk,
		positions: deps.Positions,
		audit:     deps.Audit,
		lat:       deps.Latency,
		limiter:   rate.NewLimiter(limit, burst),
		now:       deps.Now,
		orders:    make(map[schema.OrderID]*ManagedOrder),
	}
	m.nextID.Store(cfg.IDBase)
	m.listeners.Store(&[]Listener{})
	return m, nil
}

// Subscribe registers l for order updates.
func (m *Manager) Subscribe(l Listener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	cur := *m.listeners.Load()
	next := make([]Listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	m.listeners.Store(&next)
}

func (m *Manager) notify(u Update) {
	for _, l := range *m.listeners.Load() {
		l(u)
	}
}

func validateRequest(req schema.OrderRequest) error {
	if req.Qty == 0 || req.SymbolID == 0 {
		return ErrInvalidRequest
	}
	if req.Side != schema.OrderSideBuy && req.Side != schema.OrderSideSell {
		return ErrInvalidRequest
	}
	if !(req.Price > 0) || math.IsInf(req.Price, 0) {
		return ErrInvalidRequest
	}
	return nil
}

// SubmitOrder runs req through the pre-trade check and submits it to the
// venue. A risk rejection is reported in the decision, not as an error; the
// order is then REJECTED. A venue failure that survives the retries leaves the
// order REJECTED with the venue's reason and is returned as an error.
func (m *Manager) SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderID, schema.RiskDecision, error) {
	if err := validateRequest(req); err != nil {
		return 0, schema.RiskDecision{}, err
	}
	if m.lat != nil {
		defer m.lat.Start().Stop()
	}
	if req.MaxExecutionTime == 0 && m.cfg.DefaultMaxExecutionTime > 0 {
		req.MaxExecutionTime = int64(m.cfg.DefaultMaxExecutionTime)
	}

	o := newManagedOrder(schema.OrderID(m.nextID.Add(1)), req, m.now().UnixNano())
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
	m.entered[StateCreated].Add(1)

	m.step(o, EventCheck, nil)
	d := m.risk.QuickPreTradeCheck(req)
	o.mu.Lock()
	o.decision = d
	if !d.Approved() {
		// nothing was reserved
		o.released = true
	}
	o.mu.Unlock()

	if !d.Approved() {
		m.riskRejected.Add(1)
		m.terminate(o, EventReject, d.Reason.String())
		m.record(audit.KindRiskRejection, o, d.Reason.String(), "")
		return o.ID, d, nil
	}

	m.step(o, EventApprove, nil)
	if err := m.limiter.Wait(ctx); err != nil {
		m.terminate(o, EventFail, err.Error())
		return o.ID, d, err
	}
	m.step(o, EventSend, nil)

	var ack VenueAck
	err := m.withRetry(ctx, "submit", func(ctx context.Context) error {
		var err error
		ack, err = m.venue.Submit(ctx, VenueOrder{ID: o.ID, Request: req})
		return err
	})
	if err != nil {
		reason := venueReason(err)
		m.terminate(o, EventReject, reason)
		m.record(audit.KindVenueError, o, reason, "submit")
		return o.ID, d, err
	}

	o.mu.Lock()
	if o.venueOrderID == "" {
		o.venueOrderID = ack.VenueOrderID
	}
	o.mu.Unlock()
	// a fill may already have moved the order past SUBMITTED
	m.step(o, EventAck, nil)
	return o.ID, d, nil
}

// HandleExecutionReport applies a venue report. Duplicate fills and late
// terminal reports are ignored; out-of-order transitions return
// ErrInvalidTransition and leave the order unchanged.
func (m *Manager) HandleExecutionReport(rep ExecutionReport) error {
	o, ok := m.lookup(rep.OrderID)
	if !ok {
		return ErrUnknownOrder
	}

	switch rep.Type {
	case ExecAck:
		if rep.VenueOrderID != "" {
			o.mu.Lock()
			o.venueOrderID = rep.VenueOrderID
			o.mu.Unlock()
		}
		if !m.step(o, EventAck, nil) {
			if o.State() != StateSubmitted {
				m.duplicates.Add(1)
				return nil
			}
			return m.invalid(o, EventAck)
		}
		return nil
	case ExecFill:
		return m.applyFill(o, rep)
	case ExecCancelled, ExecRejected, ExecExpired:
		if o.State().Terminal() {
			m.duplicates.Add(1)
			return nil
		}
		ev, reason := EventExpire, rep.Reason
		switch {
		case rep.Type == ExecRejected:
			ev = EventReject
		case rep.Type == ExecCancelled && o.State() == StatePendingCancel:
			ev = EventCancelled
		case rep.Type == ExecCancelled && reason == "":
			// unsolicited cancels, e.g. an IOC remainder, expire the order
			reason = "cancelled by venue"
		}
		if !m.terminate(o, ev, reason) {
			if o.State().Terminal() {
				m.duplicates.Add(1)
				return nil
			}
			return m.invalid(o, ev)
		}
		if rep.Type == ExecRejected {
			m.record(audit.KindVenueError, o, rep.Reason, "report")
		}
		return nil
	default:
		return exception.ErrOrderUnsupportedAction
	}
}

func (m *Manager) applyFill(o *ManagedOrder, rep ExecutionReport) error {
	if rep.LastQty == 0 || !(rep.LastPrice > 0) || math.IsInf(rep.LastPrice, 0) {
		return ErrInvalidFill
	}

	o.mu.Lock()
	if rep.ExecID != "" {
		if _, dup := o.execIDs[rep.ExecID]; dup {
			o.mu.Unlock()
			m.duplicates.Add(1)
			return nil
		}
	}
	filled := o.filledQty + rep.LastQty
	if filled > o.req.Qty {
		o.mu.Unlock()
		m.overfills.Add(1)
		logs.Errorf("order %d overfill rejected, filled: %d, last: %d, qty: %d", o.ID, o.filledQty, rep.LastQty, o.req.Qty)
		m.record(audit.KindInvalidTransition, o, "OVERFILL", rep.ExecID)
		return ErrOverfill
	}
	ev := EventPartialFill
	if filled == o.req.Qty {
		ev = EventFill
	}
	from, to, ok := o.apply(ev)
	if !ok {
		o.mu.Unlock()
		return m.invalid(o, ev)
	}
	o.avgPrice = (o.avgPrice*float64(o.filledQty) + rep.LastPrice*float64(rep.LastQty)) / float64(filled)
	o.filledQty = filled
	if rep.ExecID != "" {
		if o.execIDs == nil {
			o.execIDs = make(map[string]struct{})
		}
		o.execIDs[rep.ExecID] = struct{}{}
	}
	ts := rep.TsNano
	if ts == 0 {
		ts = m.now().UnixNano()
	}
	o.updatedAt = ts
	fill := schema.Fill{
		OrderID:    o.ID,
		StrategyID: o.req.StrategyID,
		SymbolID:   o.req.SymbolID,
		Side:       o.req.Side,
		Price:      rep.LastPrice,
		Qty:        rep.LastQty,
		Fee:        rep.Fee,
		TsNano:     ts,
	}
	view := o.viewLocked()
	o.mu.Unlock()

	if from != to {
		m.entered[to].Add(1)
	}
	if m.positions != nil {
		if _, err := m.positions.UpdatePosition(fill); err != nil {
			logs.Errorf("order %d update position, err: %+v", o.ID, err)
		}
	}
	m.notify(Update{Order: view, From: from, Event: ev, Fill: &fill})
	return nil
}

// CancelOrder requests a cancel. It is valid from ACKNOWLEDGED and
// PARTIALLY_FILLED. If the order completed first the cancel is dropped and nil
// is returned. If the venue keeps refusing, the order moves to REJECTED with
// the venue's reason.
func (m *Manager) CancelOrder(ctx context.Context, id schema.OrderID) error {
	o, ok := m.lookup(id)
	if !ok {
		return ErrUnknownOrder
	}
	if !m.step(o, EventCancelRequest, nil) {
		s := o.State()
		if s.Terminal() || s == StatePendingCancel {
			logs.Debugf("cancel of order %d dropped, state: %s", id, s)
			return nil
		}
		return m.invalid(o, EventCancelRequest)
	}

	err := m.withRetry(ctx, "cancel", func(ctx context.Context) error {
		return m.venue.Cancel(ctx, id)
	})
	if errors.Is(err, ErrTooLateToCancel) {
		logs.Debugf("cancel of order %d too late, waiting for fills", id)
		return nil
	}
	if err != nil {
		reason := venueReason(err)
		m.record(audit.KindVenueError, o, reason, "cancel")
		m.terminate(o, EventReject, reason)
		return err
	}
	if !m.terminate(o, EventCancelled, "cancelled") {
		logs.Debugf("cancel of order %d lost to %s", id, o.State())
	}
	return nil
}

// ModifyOrder changes the price and quantity of a live order. The new
// quantity must exceed the filled quantity; an increase is risk checked. If
// the venue keeps refusing, the order moves to REJECTED with the venue's reason.
func (m *Manager) ModifyOrder(ctx context.Context, id schema.OrderID, price float64, qty uint64) error {
	o, ok := m.lookup(id)
	if !ok {
		return ErrUnknownOrder
	}
	if s := o.State(); s != StateAcknowledged && s != StatePartiallyFilled {
		return m.invalid(o, EventAck)
	}
	o.mu.Lock()
	old, filled := o.req, o.filledQty
	o.mu.Unlock()
	if qty <= filled || !(price > 0) || math.IsInf(price, 0) {
		return ErrInvalidRequest
	}

	var extra schema.OrderRequest
	if qty > old.Qty {
		extra = old
		extra.Qty, extra.Price = qty-old.Qty, price
		if d := m.risk.QuickPreTradeCheck(extra); !d.Approved() {
			m.riskRejected.Add(1)
			m.record(audit.KindRiskRejection, o, d.Reason.String(), "modify")
			return ErrRiskRejected
		}
	}

	err := m.withRetry(ctx, "modify", func(ctx context.Context) error {
		return m.venue.Modify(ctx, id, price, qty)
	})
	if err != nil {
		if extra.Qty > 0 {
			m.risk.ReleaseOrder(extra, extra.Qty)
		}
		reason := venueReason(err)
		m.record(audit.KindVenueError, o, reason, "modify")
		m.terminate(o, EventReject, reason)
		return err
	}

	o.mu.Lock()
	released := o.released
	filled = o.filledQty
	o.req.Price, o.req.Qty = price, qty
	o.updatedAt = m.now().UnixNano()
	o.mu.Unlock()
	if released {
		// the terminal release used the old quantity
		if extra.Qty > 0 {
			m.risk.ReleaseOrder(extra, extra.Qty)
		}
		return nil
	}
	// units still reserved at the old price
	kept := min(qty, old.Qty)
	if qty < old.Qty {
		m.risk.ReleaseOrder(old, old.Qty-qty)
	}
	if kept > filled {
		m.risk.RepriceOrder(old, kept-filled, price)
	}
	return nil
}

// ScanExpired enforces MaxExecutionTime. Orders resting at the venue are
// forced into PENDING_CANCEL; orders that never reached it or were never
// acknowledged expire.
func (m *Manager) ScanExpired(ctx context.Context) []schema.OrderID {
	now := m.now().UnixNano()
	m.mu.RLock()
	candidates := make([]*ManagedOrder, 0, len(m.orders))
	for _, o := range m.orders {
		if o.req.MaxExecutionTime > 0 && !o.State().Terminal() && now-o.CreatedAt > o.req.MaxExecutionTime {
			candidates = append(candidates, o)
		}
	}
	m.mu.RUnlock()

	var forced []schema.OrderID
	for _, o := range candidates {
		switch o.State() {
		case StateAcknowledged, StatePartiallyFilled:
			m.record(audit.KindOrderTimeout, o, "MAX_EXECUTION_TIME", "")
			if err := m.CancelOrder(ctx, o.ID); err != nil {
				logs.Errorf("cancel expired order %d, err: %+v", o.ID, err)
			}
			forced = append(forced, o.ID)
		case StateCreated, StatePreTradeCheck, StatePendingSubmit:
			if m.terminate(o, EventExpire, "MAX_EXECUTION_TIME") {
				m.record(audit.KindOrderTimeout, o, "MAX_EXECUTION_TIME", "")
				forced = append(forced, o.ID)
			}
		case StateSubmitted:
			// never acknowledged; pull it in case the venue took it anyway
			if m.terminate(o, EventExpire, "MAX_EXECUTION_TIME") {
				m.record(audit.KindOrderTimeout, o, "MAX_EXECUTION_TIME", "unacknowledged")
				if err := m.venue.Cancel(ctx, o.ID); err != nil {
					logs.Debugf("cancel unacknowledged order %d, err: %+v", o.ID, err)
				}
				forced = append(forced, o.ID)
			}
		}
	}
	return forced
}

// RunTimeoutMonitor scans for expired orders until ctx is done.
func (m *Manager) RunTimeoutMonitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.cfg.TimeoutScanInterval
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ids := m.ScanExpired(ctx); len(ids) != 0 {
				logs.Warnf("timeout monitor cancelled %d orders", len(ids))
			}
		}
	}
}

// step applies a transition that carries no data.
func (m *Manager) step(o *ManagedOrder, ev Event, fill *schema.Fill) bool {
	o.mu.Lock()
	from, to, ok := o.apply(ev)
	if !ok {
		o.mu.Unlock()
		return false
	}
	o.updatedAt = m.now().UnixNano()
	view := o.viewLocked()
	o.mu.Unlock()

	m.entered[to].Add(1)
	m.notify(Update{Order: view, From: from, Event: ev, Fill: fill})
	return true
}

// terminate applies a terminal transition, records reason and releases the
// risk reservation of the unfilled remainder.
func (m *Manager) terminate(o *ManagedOrder, ev Event, reason string) bool {
	o.mu.Lock()
	from, to, ok := o.apply(ev)
	if !ok {
		o.mu.Unlock()
		return false
	}
	if reason != "" {
		o.reason = reason
	}
	o.updatedAt = m.now().UnixNano()
	var leaves uint64
	if !o.released && to.Terminal() {
		o.released = true
		if o.req.Qty > o.filledQty {
			leaves = o.req.Qty - o.filledQty
		}
	}
	req := o.req
	view := o.viewLocked()
	o.mu.Unlock()

	if leaves > 0 {
		m.risk.ReleaseOrder(req, leaves)
	}
	m.entered[to].Add(1)
	m.notify(Update{Order: view, From: from, Event: ev})
	return true
}

func (m *Manager) invalid(o *ManagedOrder, ev Event) error {
	m.invalidTransitions.Add(1)
	logs.Warnf("order %d: %s not allowed in %s", o.ID, ev, o.State())
	return ErrInvalidTransition
}

func (m *Manager) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || errors.Is(err, ErrTooLateToCancel) {
			return err
		}
		m.venueErrors.Add(1)
		if attempt >= m.cfg.MaxRetries || !retryable(err) {
			logs.Errorf("venue %s failed after %d attempts, err: %+v", op, attempt+1, err)
			return err
		}
		m.retries.Add(1)
		if serr := sleep(ctx, m.cfg.Backoff.Next(attempt+1)); serr != nil {
			return err
		}
	}
}

func (m *Manager) record(kind audit.Kind, o *ManagedOrder, reason, detail string) {
	if m.audit == nil {
		return
	}
	m.audit.Append(audit.Record{
		Kind:       kind,
		TsNano:     m.now().UnixNano(),
		OrderID:    uint64(o.ID),
		StrategyID: uint32(o.req.StrategyID),
		SymbolID:   uint64(o.req.SymbolID),
		Reason:     reason,
		Detail:     detail,
	})
}

func (m *Manager) lookup(id schema.OrderID) (*ManagedOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o, ok
}

// Order returns a copy of one order.
func (m *Manager) Order(id schema.OrderID) (View, bool) {
	o, ok := m.lookup(id)
	if !ok {
		return View{}, false
	}
	return o.View(), true
}

// Orders returns copies of all orders, oldest first.
func (m *Manager) Orders() []View {
	m.mu.RLock()
	out := make([]View, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o.View())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of non-terminal orders.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders {
		if !o.State().Terminal() {
			n++
		}
	}
	return n
}

// PurgeTerminal drops terminal orders last updated before t.
func (m *Manager) PurgeTerminal(t time.Time) int {
	before := t.UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, o := range m.orders {
		if !o.State().Terminal() {
			continue
		}
		o.mu.Lock()
		stale := o.updatedAt < before
		o.mu.Unlock()
		if stale {
			delete(m.orders, id)
			n++
		}
	}
	return n
}

// Stats is a snapshot of manager counters.
type Stats struct {
	Entered            [stateCount]uint64
	RiskRejected       uint64
	VenueErrors        uint64
	Retries            uint64
	DuplicateReports   uint64
	Overfills          uint64
	InvalidTransitions uint64
	Active             int
}

// Count returns how many times orders entered s.
func (s Stats) Count(st State) uint64 {
	if st >= stateCount {
		return 0
	}
	return s.Entered[st]
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		RiskRejected:       m.riskRejected.Load(),
		VenueErrors:        m.venueErrors.Load(),
		Retries:            m.retries.Load(),
		DuplicateReports:   m.duplicates.Load(),
		Overfills:          m.overfills.Load(),
		InvalidTransitions: m.invalidTransitions.Load(),
		Active:             m.ActiveCount(),
	}
	for i := range m.entered {
		s.Entered[i] = m.entered[i].Load()
	}
	return s
}
