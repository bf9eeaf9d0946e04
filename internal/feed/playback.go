package feed

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/yanun0323/errors"

	"hft/internal/wire"
)

const defaultChunkSize = 64 * 1024

// PlaybackConfig controls capture playback.
type PlaybackConfig struct {
	// Speed paces frames by their header timestamps, 1 is real time and 0
	// disables pacing.
	Speed float64 `json:"speed" yaml:"speed" validate:"gte=0"`
	// ChunkSize is the read size when pacing is off.
	ChunkSize int `json:"chunkSize" yaml:"chunkSize" validate:"gte=0"`
}

// Clock allows deterministic playback control.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Playback streams a capture into a handler.
type Playback struct {
	cfg   PlaybackConfig
	clock Clock
}

// NewPlayback validates the config and creates a playback engine.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	if cfg.Speed < 0 {
		return nil, errors.New("invalid playback config: Speed must be >= 0")
	}
	if cfg.ChunkSize < 0 {
		return nil, errors.New("invalid playback config: ChunkSize must be >= 0")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	return &Playback{cfg: cfg, clock: realClock{}}, nil
}

// WithClock swaps the clock implementation.
func (p *Playback) WithClock(clock Clock) *Playback {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// Run reads r until EOF and calls handler with consecutive pieces of the
// stream. Pieces are raw chunks when pacing is off and single frames when it
// is on. A piece is only valid until handler returns.
func (p *Playback) Run(ctx context.Context, r io.Reader, handler func([]byte) error) error {
	if handler == nil {
		return errors.New("playback handler is nil")
	}
	if p.cfg.Speed <= 0 {
		return p.runChunks(ctx, r, handler)
	}
	return p.runFrames(ctx, r, handler)
}

// RunFile plays the capture at path.
func (p *Playback) RunFile(ctx context.Context, path string, handler func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open capture").With("path", path)
	}
	defer f.Close()
	return p.Run(ctx, f, handler)
}

func (p *Playback) runChunks(ctx context.Context, r io.Reader, handler func([]byte) error) error {
	buf := make([]byte, p.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if herr := handler(buf[:n]); herr != nil {
				return herr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read capture")
		}
	}
}

func (p *Playback) runFrames(ctx context.Context, r io.Reader, handler func([]byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, defaultChunkSize), wire.MaxMessageSize+wire.HeaderSize)
	sc.Split(ScanFrames)

	var prevTS int64
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame := sc.Bytes()
		if err := p.pace(ctx, frameTime(frame), &prevTS); err != nil {
			return err
		}
		if err := handler(frame); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "scan capture")
	}
	return nil
}

func (p *Playback) pace(ctx context.Context, current int64, prevTS *int64) error {
	if current <= 0 {
		return nil
	}
	if *prevTS > 0 {
		delta := current - *prevTS
		if delta > 0 {
			sleep := time.Duration(float64(delta) / p.cfg.Speed)
			if err := p.clock.Sleep(ctx, sleep); err != nil {
				return err
			}
		}
	}
	*prevTS = current
	return nil
}
