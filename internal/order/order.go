package order

import (
	"sync"
	"sync/atomic"

	"hft/internal/schema"
)

// ManagedOrder is the manager's view of one order. State changes go through
// a compare-and-swap so concurrent fills and cancels resolve to one winner.
type ManagedOrder struct {
	ID        schema.OrderID
	CreatedAt int64

	state atomic.Uint32

	mu           sync.Mutex
	req          schema.OrderRequest
	venueOrderID string
	filledQty    uint64
	avgPrice     float64
	reason       string
	decision     schema.RiskDecision
	released     bool
	execIDs      map[string]struct{}
	updatedAt    int64
}

func newManagedOrder(id schema.OrderID, req schema.OrderRequest, now int64) *ManagedOrder {
	return &ManagedOrder{
		ID:        id,
		CreatedAt: now,
		req:       req,
		updatedAt: now,
	}
}

// State returns the current state.
func (o *ManagedOrder) State() State {
	return State(o.state.Load())
}

// apply moves the order along ev. It retries when another goroutine changes
// the state between the table lookup and the swap.
func (o *ManagedOrder) apply(ev Event) (from, to State, ok bool) {
	for {
		from = State(o.state.Load())
		to, ok = Transition(from, ev)
		if !ok {
			return from, from, false
		}
		if o.state.CompareAndSwap(uint32(from), uint32(to)) {
			return from, to, true
		}
	}
}

// View is an immutable copy of a ManagedOrder.
type View struct {
	ID           schema.OrderID
	Request      schema.OrderRequest
	State        State
	VenueOrderID string
	FilledQty    uint64
	LeavesQty    uint64
	AvgFillPrice float64
	Reason       string
	Decision     schema.RiskDecision
	CreatedAt    int64
	UpdatedAt    int64
}

// View returns a consistent copy of the order.
func (o *ManagedOrder) View() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.viewLocked()
}

func (o *ManagedOrder) viewLocked() View {
	v := View{
		ID:           o.ID,
		Request:      o.req,
		State:        o.State(),
		VenueOrderID: o.venueOrderID,
		FilledQty:    o.filledQty,
		AvgFillPrice: o.avgPrice,
		Reason:       o.reason,
		Decision:     o.decision,
		CreatedAt:    o.CreatedAt,
		UpdatedAt:    o.updatedAt,
	}
	if o.req.Qty > o.filledQty {
		v.LeavesQty = o.req.Qty - o.filledQty
	}
	return v
}

// Update is delivered to listeners after every state change.
type Update struct {
	Order View
	From  State
	Event Event
	// Fill is set when the update was caused by an execution.
	Fill *schema.Fill
}
