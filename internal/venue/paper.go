package venue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"hft/internal/book"
	"hft/internal/order"
	"hft/internal/schema"
)

var validate = validator.New()

// FillMode selects how the paper venue executes orders.
type FillMode string

const (
	// FillImmediate fills every order in full at its limit price.
	FillImmediate FillMode = "immediate"
	// FillBook matches orders against the current order book.
	FillBook FillMode = "book"
	// FillRest acknowledges orders and never fills them.
	FillRest FillMode = "rest"
)

const (
	defaultReportBuffer = 1024
	matchDepth          = 64
)

// Config controls the paper venue.
type Config struct {
	Mode FillMode `json:"mode" yaml:"mode" validate:"omitempty,oneof=immediate book rest"`
	// Latency delays execution reports.
	Latency time.Duration `json:"latency" yaml:"latency" validate:"gte=0"`
	// FillParts splits immediate fills into that many executions.
	FillParts    int     `json:"fillParts" yaml:"fillParts" validate:"gte=0,lte=100"`
	FeeBps       float64 `json:"feeBps" yaml:"feeBps" validate:"gte=0"`
	ReportBuffer int     `json:"reportBuffer" yaml:"reportBuffer" validate:"gte=0"`
}

// Quotes gives the paper venue a view of the market.
type Quotes interface {
	Lookup(symbol schema.SymbolID) (*book.Book, bool)
}

type paperOrder struct {
	id      schema.OrderID
	venueID string
	req     schema.OrderRequest
	filled  uint64
	done    bool
}

func (o *paperOrder) leaves() uint64 {
	return o.req.Qty - o.filled
}

// Stats counts paper venue activity.
type Stats struct {
	Submitted uint64
	Fills     uint64
	FilledQty uint64
	Resting   int
}

// Paper is an in-process venue for tools and tests. Execution reports are
// delivered on Reports, never from inside Submit's caller stack.
type Paper struct {
	cfg    Config
	quotes Quotes
	now    func() time.Time

	reports chan order.ExecutionReport
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	orders map[schema.OrderID]*paperOrder
	faults []error
	closed bool

	seq       atomic.Uint64
	submitted atomic.Uint64
	fills     atomic.Uint64
	filledQty atomic.Uint64
}

// NewPaper creates a paper venue. quotes is required in book mode.
func NewPaper(cfg Config, quotes Quotes, now func() time.Time) (*Paper, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid paper venue config")
	}
	if cfg.Mode == "" {
		cfg.Mode = FillImmediate
	}
	if cfg.Mode == FillBook && quotes == nil {
		return nil, errors.New("book fill mode needs quotes")
	}
	if cfg.FillParts <= 0 {
		cfg.FillParts = 1
	}
	if cfg.ReportBuffer <= 0 {
		cfg.ReportBuffer = defaultReportBuffer
	}
	if now == nil {
		now = time.Now
	}
	return &Paper{
		cfg:     cfg,
		quotes:  quotes,
		now:     now,
		reports: make(chan order.ExecutionReport, cfg.ReportBuffer),
		done:    make(chan struct{}),
		orders:  make(map[schema.OrderID]*paperOrder),
	}, nil
}

// Reports returns the execution report stream. It is closed by Close.
func (p *Paper) Reports() <-chan order.ExecutionReport {
	return p.reports
}

// FailNext makes the next submits fail with errs, in order.
func (p *Paper) FailNext(errs ...error) {
	p.mu.Lock()
	p.faults = append(p.faults, errs...)
	p.mu.Unlock()
}

// Submit accepts an order and executes what it can right away.
func (p *Paper) Submit(ctx context.Context, o order.VenueOrder) (order.VenueAck, error) {
	if err := ctx.Err(); err != nil {
		return order.VenueAck{}, err
	}

	p.mu.Lock()
	if len(p.faults) != 0 {
		err := p.faults[0]
		p.faults = p.faults[1:]
		p.mu.Unlock()
		return order.VenueAck{}, err
	}
	if p.closed {
		p.mu.Unlock()
		return order.VenueAck{}, &order.VenueError{Op: "submit", Reason: "venue closed"}
	}
	if o.Request.Qty == 0 || !(o.Request.Price > 0) || math.IsInf(o.Request.Price, 0) {
		p.mu.Unlock()
		return order.VenueAck{}, &order.VenueError{Op: "submit", Reason: "invalid order"}
	}
	if _, ok := p.orders[o.ID]; ok {
		p.mu.Unlock()
		return order.VenueAck{}, &order.VenueError{Op: "submit", Reason: "duplicate order id"}
	}

	po := &paperOrder{
		id:      o.ID,
		venueID: fmt.Sprintf("P%d", p.seq.Add(1)),
		req:     o.Request,
	}
	p.orders[o.ID] = po
	p.submitted.Add(1)
	reps := p.executeLocked(po)
	p.mu.Unlock()

	p.deliver(reps)
	return order.VenueAck{VenueOrderID: po.venueID}, nil
}

// Cancel removes a resting order. An order that already completed returns
// order.ErrTooLateToCancel.
func (p *Paper) Cancel(ctx context.Context, id schema.OrderID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.orders[id]
	if !ok {
		return &order.VenueError{Op: "cancel", Reason: "unknown order"}
	}
	if po.done {
		return order.ErrTooLateToCancel
	}
	po.done = true
	return nil
}

// Modify changes price and total quantity of a resting order.
func (p *Paper) Modify(ctx context.Context, id schema.OrderID, price float64, qty uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	po, ok := p.orders[id]
	if !ok || po.done {
		p.mu.Unlock()
		return &order.VenueError{Op: "modify", Reason: "unknown order"}
	}
	if qty <= po.filled {
		p.mu.Unlock()
		return &order.VenueError{Op: "modify", Reason: "quantity below filled"}
	}
	po.req.Price, po.req.Qty = price, qty
	var reps []order.ExecutionReport
	if p.cfg.Mode == FillBook {
		reps = p.matchLocked(po)
	}
	p.mu.Unlock()

	p.deliver(reps)
	return nil
}

// OnMarket matches resting orders of symbol against its book. Call it after
// the book changes.
func (p *Paper) OnMarket(symbol schema.SymbolID) {
	if p.cfg.Mode != FillBook {
		return
	}
	p.mu.Lock()
	var reps []order.ExecutionReport
	for _, po := range p.orders {
		if !po.done && po.req.SymbolID == symbol {
			reps = append(reps, p.matchLocked(po)...)
		}
	}
	p.mu.Unlock()
	p.deliver(reps)
}

// Stats returns the venue counters.
func (p *Paper) Stats() Stats {
	p.mu.Lock()
	resting := 0
	for _, po := range p.orders {
		if !po.done {
			resting++
		}
	}
	p.mu.Unlock()
	return Stats{
		Submitted: p.submitted.Load(),
		Fills:     p.fills.Load(),
		FilledQty: p.filledQty.Load(),
		Resting:   resting,
	}
}

// Close stops report delivery and closes the report stream. Reports still in
// flight are dropped.
func (p *Paper) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	close(p.reports)
}

func (p *Paper) executeLocked(po *paperOrder) []order.ExecutionReport {
	switch p.cfg.Mode {
	case FillImmediate:
		reps := make([]order.ExecutionReport, 0, p.cfg.FillParts)
		qty := po.req.Qty
		parts := uint64(min(p.cfg.FillParts, int(min(qty, math.MaxInt32))))
		for i := uint64(0); i < parts; i++ {
			part := qty / parts
			if i == parts-1 {
				part = qty - part*(parts-1)
			}
			reps = append(reps, p.fillLocked(po, po.req.Price, part))
		}
		po.done = true
		return reps
	case FillBook:
		return p.matchLocked(po)
	default:
		return nil
	}
}

// matchLocked walks the opposite side of the book. The paper venue does not
// consume book liquidity, so each call sees the full displayed depth.
func (p *Paper) matchLocked(po *paperOrder) []order.ExecutionReport {
	if po.done {
		return nil
	}
	levels := p.takeable(po)

	if po.req.TimeInForce == schema.TimeInForceFOK {
		var avail uint64
		for _, lv := range levels {
			avail += lv.Qty
		}
		if avail < po.leaves() {
			po.done = true
			return []order.ExecutionReport{p.report(po, order.ExecExpired, "FOK not fillable")}
		}
	}

	var reps []order.ExecutionReport
	for _, lv := range levels {
		if po.leaves() == 0 {
			break
		}
		reps = append(reps, p.fillLocked(po, lv.Price, min(lv.Qty, po.leaves())))
	}
	if po.leaves() == 0 {
		po.done = true
		return reps
	}
	if po.req.TimeInForce == schema.TimeInForceIOC || po.req.Type == schema.OrderTypeMarket {
		po.done = true
		reps = append(reps, p.report(po, order.ExecExpired, "unfilled remainder"))
	}
	return reps
}

func (p *Paper) takeable(po *paperOrder) []book.PriceLevel {
	b, ok := p.quotes.Lookup(po.req.SymbolID)
	if !ok {
		return nil
	}
	bids, asks := b.Depth(matchDepth)
	levels, crosses := asks, func(px float64) bool { return px <= po.req.Price }
	if po.req.Side == schema.OrderSideSell {
		levels, crosses = bids, func(px float64) bool { return px >= po.req.Price }
	}
	if po.req.Type == schema.OrderTypeMarket {
		return levels
	}
	n := 0
	for n < len(levels) && crosses(levels[n].Price) {
		n++
	}
	return levels[:n]
}

func (p *Paper) fillLocked(po *paperOrder, price float64, qty uint64) order.ExecutionReport {
	po.filled += qty
	p.fills.Add(1)
	p.filledQty.Add(qty)
	rep := p.report(po, order.ExecFill, "")
	rep.ExecID = uuid.NewString()
	rep.LastQty, rep.LastPrice = qty, price
	rep.Fee = price * float64(qty) * p.cfg.FeeBps / 1e4
	return rep
}

func (p *Paper) report(po *paperOrder, typ order.ExecType, reason string) order.ExecutionReport {
	return order.ExecutionReport{
		OrderID:      po.id,
		VenueOrderID: po.venueID,
		Type:         typ,
		Reason:       reason,
		TsNano:       p.now().UnixNano(),
	}
}

func (p *Paper) deliver(reps []order.ExecutionReport) {
	if len(reps) == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	send := func() {
		defer p.wg.Done()
		for _, r := range reps {
			select {
			case p.reports <- r:
			case <-p.done:
				logs.Warnf("paper venue closed, drop %s report of order %d", r.Type, r.OrderID)
				return
			}
		}
	}
	if p.cfg.Latency <= 0 {
		send()
		return
	}
	time.AfterFunc(p.cfg.Latency, send)
}
