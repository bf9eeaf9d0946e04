package wire

import (
	"errors"
	"sync/atomic"

	"github.com/yanun0323/logs"

	"hft/internal/latency"
)

// Handlers receive validated messages synchronously from Feed.
type Handlers struct {
	OnTrade       func(Trade)
	OnQuote       func(Quote)
	OnOrderUpdate func(OrderUpdate)
	OnHeartbeat   func(Heartbeat)
	// OnError is told about every counted parse error.
	OnError func(*ParseError)
}

// Config controls a Decoder.
type Config struct {
	Name    string
	Limits  Limits
	Latency *latency.Tracker
}

// Stats is a snapshot of decoder counters.
type Stats struct {
	Messages       [MsgTypeHeartbeat + 1]uint64
	ParseErrors    [parseErrorKinds]uint64
	BytesConsumed  uint64
	ResyncBytes    uint64
	SequenceGaps   uint64
	MissedMessages uint64
	SeqRegressions uint64
	LastSequence   uint64
	Pending        int
}

// ErrorsTotal sums parse errors across kinds.
func (s Stats) ErrorsTotal() uint64 {
	var total uint64
	for _, v := range s.ParseErrors {
		total += v
	}
	return total
}

// MessagesTotal sums decoded messages across types.
func (s Stats) MessagesTotal() uint64 {
	var total uint64
	for _, v := range s.Messages {
		total += v
	}
	return total
}

// Decoder turns a fragmented byte stream of one feed into validated messages.
// A Decoder is single-threaded; run one per feed connection. Stats may be read
// concurrently.
type Decoder struct {
	cfg Config
	lim Limits
	h   Handlers

	buf     []byte
	lastSeq uint64
	// bytes of the last rejected header still being re-tried one at a time
	resyncLeft int

	messages       [MsgTypeHeartbeat + 1]atomic.Uint64
	parseErrors    [parseErrorKinds]atomic.Uint64
	bytesConsumed  atomic.Uint64
	resyncBytes    atomic.Uint64
	seqGaps        atomic.Uint64
	missed         atomic.Uint64
	seqRegressions atomic.Uint64
	lastSeqView    atomic.Uint64
	pending        atomic.Int64
}

// NewDecoder creates a decoder with its own partial-message buffer.
func NewDecoder(cfg Config, h Handlers) *Decoder {
	return &Decoder{
		cfg: cfg,
		lim: cfg.Limits.withDefaults(),
		h:   h,
	}
}

// Feed decodes as many complete frames as possible from data and returns the
// number of bytes consumed. Bytes of a trailing partial frame are retained
// internally and also count as consumed; they are completed by the next call.
func (d *Decoder) Feed(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	if d.cfg.Latency != nil {
		defer d.cfg.Latency.Start().Stop()
	}

	if len(d.buf) == 0 {
		off := d.process(data)
		if off < len(data) {
			d.buf = append(d.buf[:0], data[off:]...)
		}
	} else {
		d.buf = append(d.buf, data...)
		off := d.process(d.buf)
		rest := copy(d.buf, d.buf[off:])
		d.buf = d.buf[:rest]
	}
	d.pending.Store(int64(len(d.buf)))
	d.bytesConsumed.Add(uint64(len(data)))
	return len(data)
}

// Pending returns the number of buffered bytes waiting for the rest of a frame.
func (d *Decoder) Pending() int {
	return int(d.pending.Load())
}

// Reset drops any partial frame and sequence state, e.g. after a reconnect.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.resyncLeft = 0
	d.lastSeq = 0
	d.pending.Store(0)
}

// process walks b frame by frame and returns the offset of the first byte that
// could not yet be decoded.
func (d *Decoder) process(b []byte) int {
	off := 0
	for off < len(b) {
		h, msg, n, err := decodeFrame(b[off:], d.lim)
		if errors.Is(err, ErrIncomplete) {
			return off
		}
		if err != nil {
			var perr *ParseError
			if errors.As(err, &perr) {
				d.reject(h, perr, n)
			}
			off += n
			continue
		}
		d.resyncLeft = 0
		d.trackSequence(h.Seq)
		d.dispatch(msg)
		off += n
	}
	return off
}

func (d *Decoder) reject(h Header, perr *ParseError, n int) {
	if perr.Resync {
		d.resyncBytes.Add(uint64(n))
		if d.resyncLeft > 0 {
			d.resyncLeft -= n
			return
		}
		d.resyncLeft = HeaderSize - n
	} else {
		d.resyncLeft = 0
		d.trackSequence(h.Seq)
	}
	d.parseErrors[perr.Kind].Add(1)
	if d.h.OnError != nil {
		d.h.OnError(perr)
	}
	logs.Debugf("%s: drop frame, err: %+v", d.cfg.Name, perr)
}

func (d *Decoder) trackSequence(seq uint64) {
	if seq == 0 {
		return
	}
	switch {
	case d.lastSeq == 0:
		d.lastSeq = seq
	case seq > d.lastSeq+1:
		d.seqGaps.Add(1)
		d.missed.Add(seq - d.lastSeq - 1)
		d.lastSeq = seq
	case seq <= d.lastSeq:
		d.seqRegressions.Add(1)
		return
	default:
		d.lastSeq = seq
	}
	d.lastSeqView.Store(d.lastSeq)
}

func (d *Decoder) dispatch(msg Message) {
	switch m := msg.(type) {
	case Trade:
		d.messages[MsgTypeTrade].Add(1)
		if d.h.OnTrade != nil {
			d.h.OnTrade(m)
		}
	case Quote:
		d.messages[MsgTypeQuote].Add(1)
		if d.h.OnQuote != nil {
			d.h.OnQuote(m)
		}
	case OrderUpdate:
		d.messages[MsgTypeOrderUpdate].Add(1)
		if d.h.OnOrderUpdate != nil {
			d.h.OnOrderUpdate(m)
		}
	case Heartbeat:
		d.messages[MsgTypeHeartbeat].Add(1)
		if d.h.OnHeartbeat != nil {
			d.h.OnHeartbeat(m)
		}
	}
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() Stats {
	var s Stats
	for i := range d.messages {
		s.Messages[i] = d.messages[i].Load()
	}
	for i := range d.parseErrors {
		s.ParseErrors[i] = d.parseErrors[i].Load()
	}
	s.BytesConsumed = d.bytesConsumed.Load()
	s.ResyncBytes = d.resyncBytes.Load()
	s.SequenceGaps = d.seqGaps.Load()
	s.MissedMessages = d.missed.Load()
	s.SeqRegressions = d.seqRegressions.Load()
	s.LastSequence = d.lastSeqView.Load()
	s.Pending = d.Pending()
	return s
}
