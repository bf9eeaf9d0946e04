package risk

import (
	"sync/atomic"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	BreakerNormal BreakerState = iota
	BreakerWarning
	BreakerTriggered
	BreakerCooldown
)

func (s BreakerState) String() string {
	switch s {
	case BreakerNormal:
		return "NORMAL"
	case BreakerWarning:
		return "WARNING"
	case BreakerTriggered:
		return "TRIGGERED"
	case BreakerCooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// Trip describes the last transition into TRIGGERED.
type Trip struct {
	Reason string
	At     time.Time
}

// CircuitBreaker halts order flow once tripped. Leaving TRIGGERED always
// requires an explicit Reset.
type CircuitBreaker struct {
	state         atomic.Int32
	trip          atomic.Pointer[Trip]
	trips         atomic.Uint64
	cooldownUntil atomic.Int64
	cooldown      time.Duration
	now           func() time.Time
}

// NewCircuitBreaker creates a breaker in NORMAL. A non-zero cooldown makes
// Reset pass through COOLDOWN before settling back to NORMAL.
func NewCircuitBreaker(cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{cooldown: cooldown, now: time.Now}
}

// State returns the current state, settling an elapsed cooldown.
func (b *CircuitBreaker) State() BreakerState {
	s := BreakerState(b.state.Load())
	if s == BreakerCooldown && b.now().UnixNano() >= b.cooldownUntil.Load() {
		if b.state.CompareAndSwap(int32(BreakerCooldown), int32(BreakerNormal)) {
			return BreakerNormal
		}
		return BreakerState(b.state.Load())
	}
	return s
}

// Active reports whether new orders must be rejected.
func (b *CircuitBreaker) Active() bool {
	return BreakerState(b.state.Load()) == BreakerTriggered
}

// Trigger moves the breaker to TRIGGERED. Of any number of concurrent callers
// exactly one observes true.
func (b *CircuitBreaker) Trigger(reason string) bool {
	for {
		s := b.state.Load()
		if BreakerState(s) == BreakerTriggered {
			return false
		}
		if b.state.CompareAndSwap(s, int32(BreakerTriggered)) {
			b.trip.Store(&Trip{Reason: reason, At: b.now()})
			b.trips.Add(1)
			return true
		}
	}
}

// Warn moves NORMAL to WARNING. Other states are left alone.
func (b *CircuitBreaker) Warn() bool {
	return b.state.CompareAndSwap(int32(BreakerNormal), int32(BreakerWarning))
}

// ClearWarning moves WARNING back to NORMAL.
func (b *CircuitBreaker) ClearWarning() bool {
	return b.state.CompareAndSwap(int32(BreakerWarning), int32(BreakerNormal))
}

// Reset releases a triggered breaker. It returns false if the breaker was not
// triggered.
func (b *CircuitBreaker) Reset() bool {
	next := BreakerNormal
	if b.cooldown > 0 {
		b.cooldownUntil.Store(b.now().Add(b.cooldown).UnixNano())
		next = BreakerCooldown
	}
	return b.state.CompareAndSwap(int32(BreakerTriggered), int32(next))
}

// LastTrip returns the most recent trip, if any.
func (b *CircuitBreaker) LastTrip() (Trip, bool) {
	t := b.trip.Load()
	if t == nil {
		return Trip{}, false
	}
	return *t, true
}

// Trips returns the number of transitions into TRIGGERED.
func (b *CircuitBreaker) Trips() uint64 {
	return b.trips.Load()
}
