package obs

import (
	"sync/atomic"
	"time"

	"hft/internal/schema"
)

// TraceGenerator hands out increasing trace ids that follow an order request
// from the strategy through the venue.
type TraceGenerator struct {
	next atomic.Uint64
}

// NewTraceGenerator returns a generator seeded with the given value, or the
// clock when seed is 0.
func NewTraceGenerator(seed uint64) *TraceGenerator {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	g := &TraceGenerator{}
	g.next.Store(seed)
	return g
}

// Next returns the next trace id.
func (g *TraceGenerator) Next() uint64 {
	if g == nil {
		return 0
	}
	return g.next.Add(1)
}

// Stamp assigns a trace id to req unless the strategy already set one.
func (g *TraceGenerator) Stamp(req *schema.OrderRequest) {
	if req.TraceID == 0 {
		req.TraceID = g.Next()
	}
}
