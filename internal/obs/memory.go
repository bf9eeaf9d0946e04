package obs

import (
	"runtime"
	"strconv"
	"time"
)

// MemorySample is the runtime memory delta between two consecutive samples.
type MemorySample struct {
	At          time.Time
	Interval    time.Duration
	AllocGrowth uint64
	HeapAlloc   uint64
	HeapInuse   uint64
	HeapObjects uint64
	AllocRate   float64 // bytes per second
	GCCount     uint32
	GCPause     time.Duration
	GCCPU       float64
	NextGC      uint64
	Mallocs     uint64
	Frees       uint64
	Goroutines  int
}

// MemorySampler reads runtime.MemStats and reports the change since the
// previous read. Not safe for concurrent use.
type MemorySampler struct {
	prev, curr     runtime.MemStats
	prevAt, currAt time.Time
}

func NewMemorySampler() *MemorySampler {
	return &MemorySampler{}
}

// Sample reads the current stats. The first call reports a zero interval.
func (m *MemorySampler) Sample() MemorySample {
	m.prev, m.curr = m.curr, m.prev
	m.prevAt = m.currAt
	m.currAt = time.Now()
	runtime.ReadMemStats(&m.curr)
	if m.prevAt.IsZero() {
		m.prevAt = m.currAt
		m.prev = m.curr
	}

	s := MemorySample{
		At:          m.currAt,
		Interval:    m.currAt.Sub(m.prevAt),
		AllocGrowth: m.curr.TotalAlloc - m.prev.TotalAlloc,
		HeapAlloc:   m.curr.HeapAlloc,
		HeapInuse:   m.curr.HeapInuse,
		HeapObjects: m.curr.HeapObjects,
		GCCount:     m.curr.NumGC - m.prev.NumGC,
		GCPause:     time.Duration(m.curr.PauseTotalNs - m.prev.PauseTotalNs),
		GCCPU:       m.curr.GCCPUFraction,
		NextGC:      m.curr.NextGC,
		Mallocs:     m.curr.Mallocs - m.prev.Mallocs,
		Frees:       m.curr.Frees - m.prev.Frees,
		Goroutines:  runtime.NumGoroutine(),
	}
	if sec := s.Interval.Seconds(); sec > 0 {
		s.AllocRate = float64(s.AllocGrowth) / sec
	}
	return s
}

func (s MemorySample) String() string {
	line := make([]byte, 0, 256)
	line = append(line, "heap alloc="...)
	line = appendBytes(line, float64(s.HeapAlloc))
	line = append(line, " inuse="...)
	line = appendBytes(line, float64(s.HeapInuse))
	line = append(line, " objects="...)
	line = strconv.AppendUint(line, s.HeapObjects, 10)
	line = append(line, " growth="...)
	line = appendBytes(line, float64(s.AllocGrowth))
	line = append(line, " rate="...)
	line = appendBytes(line, s.AllocRate)
	line = append(line, "/s gc times="...)
	line = strconv.AppendUint(line, uint64(s.GCCount), 10)
	line = append(line, " stw="...)
	line = append(line, s.GCPause.String()...)
	line = append(line, " next="...)
	line = appendBytes(line, float64(s.NextGC))
	line = append(line, " cpu="...)
	line = strconv.AppendFloat(line, s.GCCPU, 'f', 6, 64)
	line = append(line, " goroutines="...)
	line = strconv.AppendInt(line, int64(s.Goroutines), 10)
	return string(line)
}

const carryThreshold = 1 << 15

func appendBytes(dst []byte, v float64) []byte {
	unit := " B"
	for _, u := range []string{" KB", " MB", " GB"} {
		if v < carryThreshold {
			break
		}
		v /= 1024
		unit = u
	}
	dst = strconv.AppendFloat(dst, v, 'f', 2, 64)
	return append(dst, unit...)
}
