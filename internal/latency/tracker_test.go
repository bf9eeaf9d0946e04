package latency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerStats(t *testing.T) {
	tr := NewTracker("decode", 128)
	for i := int64(1); i <= 100; i++ {
		tr.Record(i)
	}

	st := tr.Stats()
	require.Equal(t, 100, st.Count)
	assert.Equal(t, time.Duration(1), st.Min)
	assert.Equal(t, time.Duration(100), st.Max)
	assert.Equal(t, time.Duration(50), st.Median)
	assert.Equal(t, time.Duration(95), st.P95)
	assert.Equal(t, time.Duration(99), st.P99)
	assert.Equal(t, time.Duration(50), st.Mean) // 50.5 truncated

	assert.Equal(t, st.Min, tr.Min())
	assert.Equal(t, st.Max, tr.Max())
	assert.Equal(t, st.P99, tr.P99())
}

func TestTrackerOverwritesOldest(t *testing.T) {
	tr := NewTracker("ring", 4)
	for i := int64(1); i <= 10; i++ {
		tr.Record(i * 10)
	}
	assert.Equal(t, 4, tr.Count())
	assert.Equal(t, uint64(10), tr.Total())
	assert.Equal(t, time.Duration(70), tr.Min())
	assert.Equal(t, time.Duration(100), tr.Max())
}

func TestTrackerEmpty(t *testing.T) {
	tr := NewTracker("empty", 8)
	st := tr.Stats()
	assert.Zero(t, st.Count)
	assert.Zero(t, tr.Mean())
	assert.Zero(t, tr.P95())

	var nilTracker *Tracker
	nilTracker.Record(5)
	assert.Zero(t, nilTracker.Count())
}

func TestTrackerIgnoresNegative(t *testing.T) {
	tr := NewTracker("neg", 8)
	tr.Record(-1)
	assert.Zero(t, tr.Count())
}

func TestTrackerBudget(t *testing.T) {
	tr := NewTracker("risk", 8).WithBudget(10 * time.Microsecond)
	tr.RecordDuration(5 * time.Microsecond)
	tr.RecordDuration(20 * time.Microsecond)
	assert.Equal(t, uint64(1), tr.OverBudget())
}

func TestTimerRecordsOnEveryExit(t *testing.T) {
	tr := NewTracker("scope", 8)
	run := func(fail bool) error {
		defer tr.Start().Stop()
		if fail {
			return assert.AnError
		}
		return nil
	}
	require.NoError(t, run(false))
	require.Error(t, run(true))
	assert.Equal(t, 2, tr.Count())
}

func TestTrackerConcurrentRecord(t *testing.T) {
	tr := NewTracker("concurrent", 1024)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				tr.Record(int64(i))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(8000), tr.Total())
	assert.Equal(t, 1024, tr.Count())
}

func BenchmarkRecord(b *testing.B) {
	tr := NewTracker("bench", DefaultCapacity)
	var v int64
	for b.Loop() {
		v++
		tr.Record(v)
	}
}

func TestRecordCost(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	res := testing.Benchmark(BenchmarkRecord)
	if res.N == 0 {
		t.Skip("benchmark did not run")
	}
	if perOp := res.NsPerOp(); perOp > 100 {
		t.Logf("record cost %dns/op above target", perOp)
	}
}
