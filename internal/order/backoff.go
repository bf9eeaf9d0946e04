package order

import (
	"context"
	"math/rand"
	"time"
)

// Backoff configures the delay between venue retries.
type Backoff struct {
	Min    time.Duration `json:"min" yaml:"min" validate:"gte=0"`
	Max    time.Duration `json:"max" yaml:"max" validate:"gte=0"`
	Factor float64       `json:"factor" yaml:"factor" validate:"gte=0"`
	Jitter float64       `json:"jitter" yaml:"jitter" validate:"gte=0,lte=1"`
}

// DefaultBackoff provides venue retry defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    5 * time.Millisecond,
		Max:    200 * time.Millisecond,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the delay before the given retry (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := b.Min
	if wait <= 0 {
		wait = time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := min(b.Jitter, 1)
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
