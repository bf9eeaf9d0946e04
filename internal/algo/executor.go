package algo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/logs"

	"hft/internal/order"
	"hft/internal/schema"
)

var (
	ErrUnknownExecution = errors.New("algo: execution not found")
	ErrExecutorClosed   = errors.New("algo: executor closed")
)

// OrderManager is the part of the order manager an Executor drives.
type OrderManager interface {
	SubmitOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderID, schema.RiskDecision, error)
	CancelOrder(ctx context.Context, id schema.OrderID) error
	Subscribe(l order.Listener)
}

// VolumeSource reports cumulative traded volume per symbol.
type VolumeSource interface {
	TradedVolume(symbol schema.SymbolID) uint64
}

// Status is the state of an execution.
type Status uint32

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusCancelled
	StatusExpired
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusExpired:
		return "EXPIRED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Progress is a snapshot of an execution.
type Progress struct {
	ID                 string
	Kind               Kind
	Status             Status
	SymbolID           schema.SymbolID
	Side               schema.OrderSide
	TotalQty           uint64
	ExecutedQty        uint64
	RemainingQty       uint64
	OpenQty            uint64
	AvgFillPrice       float64
	ChildOrders        int
	RejectedChildren   int
	Elapsed            time.Duration
	EstimatedRemaining time.Duration
	// ShortfallBps is the signed cost against the arrival price, positive
	// when the fills were worse.
	ShortfallBps float64
	Reason       string
}

type child struct {
	qty    uint64
	filled uint64
	state  order.State
	done   bool
}

type execution struct {
	id     string
	params Params
	status atomic.Uint32

	ctx  context.Context
	stop context.CancelFunc
	wake chan struct{}
	done chan struct{}

	mu         sync.Mutex
	children   map[schema.OrderID]*child
	executed   uint64
	notional   float64
	rejected   int
	reason     string
	startedAt  time.Time
	finishedAt time.Time
}

func (e *execution) Status() Status {
	return Status(e.status.Load())
}

// finish moves a running execution to s. It returns false if the execution
// already ended.
func (e *execution) finish(s Status, reason string) bool {
	if !e.status.CompareAndSwap(uint32(StatusRunning), uint32(s)) {
		return false
	}
	e.mu.Lock()
	e.finishedAt = time.Now()
	if reason != "" {
		e.reason = reason
	}
	e.mu.Unlock()
	e.stop()
	return true
}

func (e *execution) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *execution) childLocked(id schema.OrderID, qty uint64) *child {
	c, ok := e.children[id]
	if !ok {
		c = &child{qty: qty}
		e.children[id] = c
	}
	return c
}

func (e *execution) observe(u order.Update) {
	e.mu.Lock()
	c := e.childLocked(u.Order.ID, u.Order.Request.Qty)
	c.qty = u.Order.Request.Qty
	c.state = u.Order.State
	if u.Fill != nil {
		c.filled += u.Fill.Qty
		e.executed += u.Fill.Qty
		e.notional += u.Fill.Price * float64(u.Fill.Qty)
	}
	if u.Order.State.Terminal() {
		c.done = true
	}
	e.mu.Unlock()
	e.signal()
}

// outstandingLocked is the unfilled quantity of live children.
func (e *execution) outstandingLocked() uint64 {
	var n uint64
	for _, c := range e.children {
		if !c.done && c.qty > c.filled {
			n += c.qty - c.filled
		}
	}
	return n
}

func (e *execution) unallocated() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	used := e.executed + e.outstandingLocked()
	if used >= e.params.TotalQty {
		return 0
	}
	return e.params.TotalQty - used
}

func (e *execution) openChildren() []schema.OrderID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []schema.OrderID
	for id, c := range e.children {
		if !c.done {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *execution) progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := Progress{
		ID:               e.id,
		Kind:             e.params.Kind,
		Status:           e.Status(),
		SymbolID:         e.params.SymbolID,
		Side:             e.params.Side,
		TotalQty:         e.params.TotalQty,
		ExecutedQty:      e.executed,
		OpenQty:          e.outstandingLocked(),
		ChildOrders:      len(e.children),
		RejectedChildren: e.rejected,
		Reason:           e.reason,
	}
	if e.params.TotalQty > e.executed {
		p.RemainingQty = e.params.TotalQty - e.executed
	}
	if e.executed > 0 {
		p.AvgFillPrice = e.notional / float64(e.executed)
		if e.params.ArrivalPrice > 0 {
			p.ShortfallBps = float64(e.params.Side.Sign()) * (p.AvgFillPrice - e.params.ArrivalPrice) / e.params.ArrivalPrice * 1e4
		}
	}

	end := time.Now()
	if !e.finishedAt.IsZero() {
		end = e.finishedAt
	}
	p.Elapsed = end.Sub(e.startedAt)
	if p.Status != StatusRunning || p.RemainingQty == 0 {
		return p
	}
	switch {
	case e.params.Duration > 0:
		p.EstimatedRemaining = max(0, e.params.Duration-p.Elapsed)
	case e.executed > 0:
		rate := float64(e.executed) / float64(p.Elapsed)
		p.EstimatedRemaining = time.Duration(float64(p.RemainingQty) / rate)
	}
	return p
}

// Executor runs algorithmic executions on top of an order manager. Child
// orders carry the execution id in ParentID.
type Executor struct {
	orders OrderManager
	volume VolumeSource
	// submitCtx outlives single executions so a cancel never aborts a
	// submission already in flight.
	submitCtx context.Context

	closed atomic.Bool
	mu     sync.RWMutex
	execs  map[string]*execution
	wg     sync.WaitGroup
}

// NewExecutor subscribes to m. volume may be nil, which disables the
// participation cap.
func NewExecutor(ctx context.Context, m OrderManager, volume VolumeSource) *Executor {
	x := &Executor{
		orders:    m,
		volume:    volume,
		submitCtx: ctx,
		execs:     make(map[string]*execution),
	}
	m.Subscribe(x.onUpdate)
	return x
}

func (x *Executor) onUpdate(u order.Update) {
	pid := u.Order.Request.ParentID
	if pid == "" {
		return
	}
	x.mu.RLock()
	e, ok := x.execs[pid]
	x.mu.RUnlock()
	if ok {
		e.observe(u)
	}
}

func (x *Executor) lookup(id string) (*execution, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.execs[id]
	return e, ok
}

// Start validates p and begins the execution. It returns the execution id.
func (x *Executor) Start(p Params) (string, error) {
	if x.closed.Load() {
		return "", ErrExecutorClosed
	}
	if err := p.Validate(); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(x.submitCtx)
	e := &execution{
		id:        uuid.NewString(),
		params:    p,
		ctx:       ctx,
		stop:      cancel,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		children:  make(map[schema.OrderID]*child),
		startedAt: time.Now(),
	}
	x.mu.Lock()
	x.execs[e.id] = e
	x.mu.Unlock()

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer close(e.done)
		x.run(e)
	}()
	logs.Infof("algo %s started, id: %s, symbol: %d, qty: %d", p.Kind, e.id, p.SymbolID, p.TotalQty)
	return e.id, nil
}

// Progress returns a snapshot of execution id.
func (x *Executor) Progress(id string) (Progress, bool) {
	e, ok := x.lookup(id)
	if !ok {
		return Progress{}, false
	}
	return e.progress(), true
}

// Executions returns snapshots of every known execution.
func (x *Executor) Executions() []Progress {
	x.mu.RLock()
	out := make([]Progress, 0, len(x.execs))
	for _, e := range x.execs {
		out = append(out, e.progress())
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Wait blocks until execution id ends or ctx is done.
func (x *Executor) Wait(ctx context.Context, id string) (Progress, error) {
	e, ok := x.lookup(id)
	if !ok {
		return Progress{}, ErrUnknownExecution
	}
	select {
	case <-e.done:
		return e.progress(), nil
	case <-ctx.Done():
		return e.progress(), ctx.Err()
	}
}

// CancelExecution stops scheduling further slices of id and cancels its open
// children. It is safe to call while a slice is being submitted, and
// cancelling a finished execution is a no-op.
func (x *Executor) CancelExecution(id string) error {
	e, ok := x.lookup(id)
	if !ok {
		return ErrUnknownExecution
	}
	if !e.finish(StatusCancelled, "cancelled") {
		return nil
	}
	x.cancelChildren(e)
	return nil
}

func (x *Executor) cancelChildren(e *execution) {
	for _, oid := range e.openChildren() {
		if err := x.orders.CancelOrder(x.submitCtx, oid); err != nil {
			logs.Warnf("algo %s cancel child %d, err: %+v", e.id, oid, err)
		}
	}
}

// Close cancels every running execution and waits for them to stop.
func (x *Executor) Close() {
	if x.closed.Swap(true) {
		return
	}
	x.mu.RLock()
	ids := make([]string, 0, len(x.execs))
	for id := range x.execs {
		ids = append(ids, id)
	}
	x.mu.RUnlock()
	for _, id := range ids {
		_ = x.CancelExecution(id)
	}
	x.wg.Wait()
}

func (x *Executor) run(e *execution) {
	switch e.params.Kind {
	case KindIceberg:
		x.runIceberg(e)
	case KindTWAP, KindVWAP, KindShortfall:
		x.runScheduled(e)
	default:
		e.finish(StatusFailed, "unsupported algorithm")
	}
	// the parent context ended under a running execution
	e.finish(StatusCancelled, "stopped")
}

// runScheduled sends one slice per interval, sized from the quantity that is
// neither filled nor resting.
func (x *Executor) runScheduled(e *execution) {
	p := e.params
	n, step := p.slices(), p.interval()
	var lastVolume uint64
	if x.volume != nil {
		lastVolume = x.volume.TradedVolume(p.SymbolID)
	}

	for i := 0; i < n; i++ {
		if !sleepUntil(e.ctx, e.startedAt.Add(time.Duration(i)*step)) {
			return
		}
		qty := p.sliceQty(i, n, e.unallocated())
		if p.Kind == KindTWAP && p.ParticipationRate > 0 && x.volume != nil {
			vol := x.volume.TradedVolume(p.SymbolID)
			if i > 0 {
				var recent uint64
				if vol > lastVolume {
					recent = vol - lastVolume
				}
				qty = min(qty, uint64(math.Floor(p.ParticipationRate*float64(recent))))
			}
			lastVolume = vol
		}
		if qty == 0 {
			continue
		}
		x.submit(e, qty, step)
	}

	// give the last slice one interval to work, then pull what is left
	deadline := e.startedAt.Add(p.Duration + step)
	for e.Status() == StatusRunning && len(e.openChildren()) != 0 {
		if !waitWake(e, deadline) {
			break
		}
	}
	x.settle(e)
}

// runIceberg keeps one child resting and replaces it once it has filled.
func (x *Executor) runIceberg(e *execution) {
	p := e.params
	var deadline time.Time
	if p.Duration > 0 {
		deadline = e.startedAt.Add(p.Duration)
	}

	qty := p.VisibleQty
	for e.Status() == StatusRunning {
		qty = min(qty, e.unallocated())
		if qty == 0 {
			break
		}
		oid, ok := x.submit(e, qty, p.Duration)
		if !ok {
			e.finish(StatusFailed, "child order rejected")
			return
		}
		for e.Status() == StatusRunning && !e.childDone(oid) {
			if !waitWake(e, deadline) {
				break
			}
		}
		if e.Status() != StatusRunning {
			return
		}
		if st := e.childState(oid); st != order.StateFilled {
			if !e.childDone(oid) {
				// horizon reached with the slice still resting
				break
			}
			e.finish(StatusFailed, "child order "+st.String())
			return
		}
		qty = p.refresh()
	}
	x.settle(e)
}

func (e *execution) childDone(id schema.OrderID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.children[id]
	return ok && c.done
}

func (e *execution) childState(id schema.OrderID) order.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.children[id]; ok {
		return c.state
	}
	return order.StateCreated
}

// settle ends a schedule that ran out: completed if everything filled,
// expired otherwise.
func (x *Executor) settle(e *execution) {
	if e.progress().RemainingQty == 0 {
		e.finish(StatusCompleted, "")
		return
	}
	if e.finish(StatusExpired, "horizon reached") {
		x.cancelChildren(e)
	}
}

// submit sends one child. The second result is false when the child was not
// accepted.
func (x *Executor) submit(e *execution, qty uint64, window time.Duration) (schema.OrderID, bool) {
	p := e.params
	req := schema.OrderRequest{
		StrategyID:       p.StrategyID,
		SymbolID:         p.SymbolID,
		Side:             p.Side,
		Type:             schema.OrderTypeLimit,
		TimeInForce:      schema.TimeInForceGTC,
		Price:            p.LimitPrice,
		Qty:              qty,
		ParentID:         e.id,
		MaxSlippageBps:   p.MaxSlippageBps,
		MaxExecutionTime: int64(window),
	}
	oid, d, err := x.orders.SubmitOrder(x.submitCtx, req)

	e.mu.Lock()
	accepted := err == nil && d.Approved()
	if oid != 0 {
		c := e.childLocked(oid, qty)
		if !accepted {
			c.done = true
		}
	}
	if !accepted {
		e.rejected++
	}
	e.mu.Unlock()

	if err != nil {
		logs.Warnf("algo %s child submit, qty: %d, err: %+v", e.id, qty, err)
	} else if !d.Approved() {
		logs.Warnf("algo %s child rejected, qty: %d, reason: %s", e.id, qty, d.Reason)
	}

	// a cancel that raced this submission may have missed the new child
	if accepted && e.Status() == StatusCancelled && !e.childDone(oid) {
		if err := x.orders.CancelOrder(x.submitCtx, oid); err != nil {
			logs.Warnf("algo %s cancel child %d, err: %+v", e.id, oid, err)
		}
	}
	return oid, accepted
}

// sleepUntil waits for t. It returns false if ctx ended first.
func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// waitWake waits for a child update. A zero deadline waits without limit. It
// returns false on deadline or cancellation.
func waitWake(e *execution, deadline time.Time) bool {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return false
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-e.wake:
		return true
	case <-e.ctx.Done():
		return false
	case <-timeout:
		return false
	}
}
