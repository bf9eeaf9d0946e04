package latency

import (
	"math"
	"slices"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the ring size used when none is given.
const DefaultCapacity = 4096

// Tracker keeps the most recent duration samples in a fixed-size ring.
// Record never locks; once the ring is full the oldest sample is overwritten.
type Tracker struct {
	name    string
	samples []atomic.Int64
	next    atomic.Uint64
	budget  int64
	over    atomic.Uint64
}

// Stats is a point-in-time view of the tracker contents.
type Stats struct {
	Name       string
	Count      int
	Total      uint64
	OverBudget uint64
	Mean       time.Duration
	Min        time.Duration
	Max        time.Duration
	Median     time.Duration
	P95        time.Duration
	P99        time.Duration
}

// NewTracker allocates a tracker with the given ring capacity.
func NewTracker(name string, capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		name:    name,
		samples: make([]atomic.Int64, capacity),
	}
}

// WithBudget sets a latency budget; samples above it are counted separately.
func (t *Tracker) WithBudget(budget time.Duration) *Tracker {
	t.budget = int64(budget)
	return t
}

// Name returns the tracker label.
func (t *Tracker) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// Budget returns the configured budget, 0 if none.
func (t *Tracker) Budget() time.Duration {
	if t == nil {
		return 0
	}
	return time.Duration(t.budget)
}

// Record appends a sample in nanoseconds. Negative samples are ignored.
func (t *Tracker) Record(ns int64) {
	if t == nil || ns < 0 {
		return
	}
	idx := t.next.Add(1) - 1
	t.samples[idx%uint64(len(t.samples))].Store(ns)
	if t.budget > 0 && ns > t.budget {
		t.over.Add(1)
	}
}

// RecordDuration appends a duration sample.
func (t *Tracker) RecordDuration(d time.Duration) {
	t.Record(int64(d))
}

// Total returns the number of samples recorded since creation, including overwritten ones.
func (t *Tracker) Total() uint64 {
	if t == nil {
		return 0
	}
	return t.next.Load()
}

// Count returns the number of samples currently held in the ring.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	total := t.next.Load()
	if total > uint64(len(t.samples)) {
		return len(t.samples)
	}
	return int(total)
}

// OverBudget returns how many samples exceeded the budget.
func (t *Tracker) OverBudget() uint64 {
	if t == nil {
		return 0
	}
	return t.over.Load()
}

// Reset drops all samples.
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.next.Store(0)
	t.over.Store(0)
	for i := range t.samples {
		t.samples[i].Store(0)
	}
}

func (t *Tracker) sorted() []int64 {
	n := t.Count()
	if n == 0 {
		return nil
	}
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		out[i] = t.samples[i].Load()
	}
	slices.Sort(out)
	return out
}

// Mean returns the arithmetic mean of the current samples.
func (t *Tracker) Mean() time.Duration {
	n := t.Count()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(t.samples[i].Load())
	}
	return time.Duration(sum / float64(n))
}

// Min returns the smallest current sample.
func (t *Tracker) Min() time.Duration {
	s := t.sorted()
	if len(s) == 0 {
		return 0
	}
	return time.Duration(s[0])
}

// Max returns the largest current sample.
func (t *Tracker) Max() time.Duration {
	s := t.sorted()
	if len(s) == 0 {
		return 0
	}
	return time.Duration(s[len(s)-1])
}

// Median returns the 50th percentile.
func (t *Tracker) Median() time.Duration {
	return t.Percentile(50)
}

// P95 returns the 95th percentile.
func (t *Tracker) P95() time.Duration {
	return t.Percentile(95)
}

// P99 returns the 99th percentile.
func (t *Tracker) P99() time.Duration {
	return t.Percentile(99)
}

// Percentile returns the nearest-rank percentile p in [0, 100].
func (t *Tracker) Percentile(p float64) time.Duration {
	return time.Duration(percentile(t.sorted(), p))
}

func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// Stats computes every statistic from a single pass over the ring.
func (t *Tracker) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	s := t.sorted()
	st := Stats{
		Name:       t.name,
		Count:      len(s),
		Total:      t.Total(),
		OverBudget: t.OverBudget(),
	}
	if len(s) == 0 {
		return st
	}
	var sum float64
	for _, v := range s {
		sum += float64(v)
	}
	st.Mean = time.Duration(sum / float64(len(s)))
	st.Min = time.Duration(s[0])
	st.Max = time.Duration(s[len(s)-1])
	st.Median = time.Duration(percentile(s, 50))
	st.P95 = time.Duration(percentile(s, 95))
	st.P99 = time.Duration(percentile(s, 99))
	return st
}

// Timer measures one scope. Use as `defer tracker.Start().Stop()`.
type Timer struct {
	t     *Tracker
	start time.Time
}

// Start begins a scoped measurement.
func (t *Tracker) Start() Timer {
	return Timer{t: t, start: time.Now()}
}

// Stop records the elapsed time and returns it.
func (tm Timer) Stop() time.Duration {
	d := time.Since(tm.start)
	tm.t.RecordDuration(d)
	return d
}
