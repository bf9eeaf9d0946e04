package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"
)

var (
	ErrQueueFull      = errors.New("audit queue full")
	ErrClosed         = errors.New("audit writer closed")
	ErrNotStarted     = errors.New("audit writer not started")
	ErrAlreadyStarted = errors.New("audit writer already started")
	ErrNilSink        = errors.New("audit sink is nil")
)

// Config controls a Writer.
type Config struct {
	QueueSize     int           `json:"queueSize" yaml:"queueSize" validate:"gte=0"`
	BatchSize     int           `json:"batchSize" yaml:"batchSize" validate:"gte=0"`
	FlushInterval time.Duration `json:"flushInterval" yaml:"flushInterval" validate:"gte=0"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 128
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 100 * time.Millisecond
	}
	return c
}

// Writer batches records to a sink from a bounded queue. Appends never block;
// a full queue drops the record.
type Writer struct {
	cfg  Config
	sink Sink
	ch   chan Record
	done chan struct{}
	wg   sync.WaitGroup
	err  atomic.Pointer[error]
	now  func() time.Time

	started atomic.Bool
	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewWriter creates a writer for sink.
func NewWriter(cfg Config, sink Sink) (*Writer, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	cfg = cfg.withDefaults()
	return &Writer{
		cfg:  cfg,
		sink: sink,
		ch:   make(chan Record, cfg.QueueSize),
		done: make(chan struct{}),
		now:  time.Now,
	}, nil
}

// Start runs the writer loop in a new goroutine.
func (w *Writer) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops the writer and flushes queued records.
func (w *Writer) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		close(w.done)
	}
	w.wg.Wait()
	return w.Err()
}

// Err returns the first error observed by the writer, if any.
func (w *Writer) Err() error {
	if p := w.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (w *Writer) setErr(err error) {
	w.err.CompareAndSwap(nil, &err)
}

// Append enqueues r without blocking and reports whether it was accepted.
// A nil writer accepts nothing.
func (w *Writer) Append(r Record) bool {
	return w.TryAppend(r) == nil
}

// TryAppend enqueues r without blocking.
func (w *Writer) TryAppend(r Record) error {
	if w == nil {
		return ErrNotStarted
	}
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.started.Load() {
		return ErrNotStarted
	}
	if r.TsNano == 0 {
		r.TsNano = w.now().UnixNano()
	}
	select {
	case w.ch <- r:
		return nil
	default:
		w.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns the number of records lost to a full queue.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Written returns the number of records accepted by the sink.
func (w *Writer) Written() uint64 {
	return w.written.Load()
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, w.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// the sink gets its own deadline so a shutdown still flushes
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err := w.sink.Write(fctx, batch)
		cancel()
		if err != nil {
			w.setErr(err)
			logs.Errorf("audit: write %d records, err: %+v", len(batch), err)
		} else {
			w.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}
	defer flush()

	for {
		select {
		case r := <-w.ch:
			batch = append(batch, r)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.done:
			w.drain(&batch, flush)
			return
		case <-ctx.Done():
			w.drain(&batch, flush)
			return
		}
	}
}

func (w *Writer) drain(batch *[]Record, flush func()) {
	for {
		select {
		case r := <-w.ch:
			*batch = append(*batch, r)
			if len(*batch) >= w.cfg.BatchSize {
				flush()
			}
		default:
			return
		}
	}
}
