package chaos

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yanun0323/errors"

	"hft/internal/wire"
)

var validate = validator.New()

// Config controls chaos injection behavior.
type Config struct {
	Seed          int64         `json:"seed" yaml:"seed"`
	DropRate      float64       `json:"dropRate" yaml:"dropRate" validate:"gte=0,lte=1"`
	DuplicateRate float64       `json:"duplicateRate" yaml:"duplicateRate" validate:"gte=0,lte=1"`
	CorruptRate   float64       `json:"corruptRate" yaml:"corruptRate" validate:"gte=0,lte=1"`
	TruncateRate  float64       `json:"truncateRate" yaml:"truncateRate" validate:"gte=0,lte=1"`
	ReorderWindow int           `json:"reorderWindow" yaml:"reorderWindow" validate:"gte=1"`
	MaxDelay      time.Duration `json:"maxDelay" yaml:"maxDelay" validate:"gte=0"`
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid chaos config")
	}
	return nil
}

// Stats counts applied mutations.
type Stats struct {
	In         uint64
	Out        uint64
	Dropped    uint64
	Duplicated uint64
	Corrupted  uint64
	Truncated  uint64
	Delayed    uint64
}

// Engine applies chaos rules to wire frames. It is not safe for concurrent
// use.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending [][]byte
	stats   Stats
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Process applies chaos to a single frame and returns the frames to emit.
// The input is copied, so callers may reuse it.
func (e *Engine) Process(frame []byte) [][]byte {
	if e == nil {
		return [][]byte{frame}
	}
	e.stats.In++
	if e.hit(e.cfg.DropRate) {
		e.stats.Dropped++
		return nil
	}
	f := e.applyDelay(append([]byte(nil), frame...))
	if e.cfg.ReorderWindow <= 1 {
		return e.emit(f)
	}
	e.pending = append(e.pending, f)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	return e.emit(e.take())
}

// Flush returns any buffered frames after processing completes.
func (e *Engine) Flush() [][]byte {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(e.pending))
	for len(e.pending) > 0 {
		out = append(out, e.emit(e.take())...)
	}
	return out
}

// Stats returns the mutation counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

func (e *Engine) hit(rate float64) bool {
	return rate > 0 && e.rng.Float64() < rate
}

func (e *Engine) take() []byte {
	idx := e.rng.Intn(len(e.pending))
	f := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return f
}

func (e *Engine) emit(f []byte) [][]byte {
	out := [][]byte{e.mutate(f)}
	if e.hit(e.cfg.DuplicateRate) {
		e.stats.Duplicated++
		out = append(out, append([]byte(nil), out[0]...))
	}
	e.stats.Out += uint64(len(out))
	return out
}

// mutate corrupts or truncates f. Corruption flips one payload byte so the
// header stays decodable; truncation keeps a strict prefix.
func (e *Engine) mutate(f []byte) []byte {
	if e.hit(e.cfg.CorruptRate) && len(f) > wire.HeaderSize {
		i := wire.HeaderSize + e.rng.Intn(len(f)-wire.HeaderSize)
		f[i] ^= byte(1 + e.rng.Intn(255))
		e.stats.Corrupted++
	}
	if e.hit(e.cfg.TruncateRate) && len(f) > 1 {
		f = f[:1+e.rng.Intn(len(f)-1)]
		e.stats.Truncated++
	}
	return f
}

// applyDelay pushes the header timestamp forward by up to MaxDelay.
func (e *Engine) applyDelay(f []byte) []byte {
	if e.cfg.MaxDelay <= 0 || len(f) < wire.HeaderSize {
		return f
	}
	delay := e.rng.Int63n(e.cfg.MaxDelay.Nanoseconds() + 1)
	if delay == 0 {
		return f
	}
	ts := int64(binary.BigEndian.Uint64(f[6:14]))
	if ts <= 0 {
		return f
	}
	binary.BigEndian.PutUint64(f[6:14], uint64(ts+delay))
	e.stats.Delayed++
	return f
}
