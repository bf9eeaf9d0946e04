package obs

import (
	"sync"
	"sync/atomic"
	"time"

	"hft/internal/bus"
	"hft/internal/schema"
	"hft/internal/wire"
)

const maxMsgType = int(wire.MsgTypeHeartbeat)

// QueueStater is implemented by bus.Queue of any element type.
type QueueStater interface {
	Stats() bus.Stats
}

// Metrics collects lightweight counters and latency stats. Every method is
// safe on a nil receiver.
type Metrics struct {
	messages         [maxMsgType + 1]atomic.Uint64
	riskReasonCounts [schema.RiskReasonCount]atomic.Uint64
	fills            atomic.Uint64
	filledQty        atomic.Uint64
	breakerTrips     atomic.Uint64
	auditDrops       atomic.Uint64

	feedLatency      LatencyStats
	orderFlowLatency LatencyStats
	riskEvalLatency  LatencyStats

	mu     sync.Mutex
	queues []QueueStater
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count atomic.Uint64
	sum   atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Messages         map[wire.MsgType]uint64
	RiskReasonCounts map[schema.RiskReason]uint64
	Fills            uint64
	FilledQty        uint64
	BreakerTrips     uint64
	AuditDrops       uint64
	Queues           []bus.Stats
	FeedLatency      LatencySnapshot
	OrderFlowLatency LatencySnapshot
	RiskEvalLatency  LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Track adds a queue to the snapshot.
func (m *Metrics) Track(q QueueStater) {
	if m == nil || q == nil {
		return
	}
	m.mu.Lock()
	m.queues = append(m.queues, q)
	m.mu.Unlock()
}

// ObserveMessage counts a decoded message and, when recvNano is set, the
// exchange to receive latency.
func (m *Metrics) ObserveMessage(h wire.Header, recvNano int64) {
	if m == nil {
		return
	}
	if idx := int(h.Type); idx >= 0 && idx < len(m.messages) {
		m.messages[idx].Add(1)
	}
	if h.TsNano > 0 && recvNano > 0 {
		if delta := recvNano - h.TsNano; delta >= 0 {
			m.feedLatency.Observe(time.Duration(delta))
		}
	}
}

// IncRiskReason increments the risk reason counter.
func (m *Metrics) IncRiskReason(reason schema.RiskReason) {
	if m == nil {
		return
	}
	if idx := int(reason); idx < len(m.riskReasonCounts) {
		m.riskReasonCounts[idx].Add(1)
	}
}

// ObserveFill counts an execution.
func (m *Metrics) ObserveFill(f schema.Fill) {
	if m == nil {
		return
	}
	m.fills.Add(1)
	m.filledQty.Add(f.Qty)
}

// IncBreakerTrip records a circuit breaker trip.
func (m *Metrics) IncBreakerTrip() {
	if m == nil {
		return
	}
	m.breakerTrips.Add(1)
}

// IncAuditDrop records an audit record lost to a full writer.
func (m *Metrics) IncAuditDrop() {
	if m == nil {
		return
	}
	m.auditDrops.Add(1)
}

// ObserveOrderFlow measures submit to acknowledgement latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m == nil {
		return
	}
	m.orderFlowLatency.Observe(d)
}

// ObserveRiskEval measures risk evaluation latency.
func (m *Metrics) ObserveRiskEval(d time.Duration) {
	if m == nil {
		return
	}
	m.riskEvalLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	messages := make(map[wire.MsgType]uint64)
	for i := range m.messages {
		if v := m.messages[i].Load(); v > 0 {
			messages[wire.MsgType(i)] = v
		}
	}
	riskCounts := make(map[schema.RiskReason]uint64)
	for i := range m.riskReasonCounts {
		if v := m.riskReasonCounts[i].Load(); v > 0 {
			riskCounts[schema.RiskReason(i)] = v
		}
	}

	m.mu.Lock()
	queues := make([]bus.Stats, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q.Stats())
	}
	m.mu.Unlock()

	return Snapshot{
		Messages:         messages,
		RiskReasonCounts: riskCounts,
		Fills:            m.fills.Load(),
		FilledQty:        m.filledQty.Load(),
		BreakerTrips:     m.breakerTrips.Load(),
		AuditDrops:       m.auditDrops.Load(),
		Queues:           queues,
		FeedLatency:      m.feedLatency.Snapshot(),
		OrderFlowLatency: m.orderFlowLatency.Snapshot(),
		RiskEvalLatency:  m.riskEvalLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	l.count.Add(1)
	l.sum.Add(nanos)

	for {
		cur := l.min.Load()
		if cur != 0 && nanos >= cur {
			break
		}
		if l.min.CompareAndSwap(cur, nanos) {
			break
		}
	}
	for {
		cur := l.max.Load()
		if nanos <= cur {
			break
		}
		if l.max.CompareAndSwap(cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := l.count.Load()
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(l.min.Load()),
		Max:   time.Duration(l.max.Load()),
		Avg:   time.Duration(l.sum.Load() / count),
	}
}
