package feed

import (
	"bufio"
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hft/internal/schema"
	"hft/internal/wire"
)

const testTs = int64(1_700_000_000_000_000_000)

type fakeClock struct {
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return nil
}

func heartbeat(seq uint64, ts int64) wire.Message {
	return wire.Heartbeat{
		Header:    wire.Header{Exchange: schema.ExchangeNASDAQ, TsNano: ts, Seq: seq},
		SessionID: 1,
	}
}

func trade(seq uint64, ts int64) wire.Message {
	return wire.Trade{
		Header:   wire.Header{Exchange: schema.ExchangeNASDAQ, TsNano: ts, Seq: seq},
		SymbolID: 7,
		TradeID:  seq,
		Price:    100.5,
		Qty:      10,
	}
}

func capture(msgs ...wire.Message) []byte {
	var out []byte
	for _, m := range msgs {
		out = wire.Encode(out, m)
	}
	return out
}

func scanAll(t *testing.T, data []byte) [][]byte {
	t.Helper()
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Split(ScanFrames)
	var out [][]byte
	for sc.Scan() {
		out = append(out, append([]byte(nil), sc.Bytes()...))
	}
	require.NoError(t, sc.Err())
	return out
}

func TestScanFramesSplitsAtBoundaries(t *testing.T) {
	data := capture(trade(1, testTs), heartbeat(2, testTs), trade(3, testTs))
	frames := scanAll(t, data)
	require.Len(t, frames, 3)
	assert.Len(t, frames[0], wire.FrameSize(wire.MsgTypeTrade))
	assert.Len(t, frames[1], wire.FrameSize(wire.MsgTypeHeartbeat))
	assert.Equal(t, data, bytes.Join(frames, nil))
}

func TestScanFramesResyncsOnGarbage(t *testing.T) {
	good := capture(trade(1, testTs))
	data := append([]byte{0xFF, 0xFF, 0xFF}, good...)
	frames := scanAll(t, data)

	// garbage whose length field is implausible comes out one byte at a time
	require.NotEmpty(t, frames)
	assert.Equal(t, data, bytes.Join(frames, nil))
	assert.Equal(t, good, frames[len(frames)-1])
}

func TestScanFramesTrailingPartial(t *testing.T) {
	data := capture(trade(1, testTs), trade(2, testTs))
	data = data[:len(data)-5]
	frames := scanAll(t, data)
	require.Len(t, frames, 2)
	assert.Equal(t, data, bytes.Join(frames, nil))
	assert.Zero(t, frameTime(frames[1]))
	assert.Equal(t, testTs, frameTime(frames[0]))
}

func TestPlaybackChunks(t *testing.T) {
	data := capture(trade(1, testTs), trade(2, testTs), heartbeat(3, testTs))
	p, err := NewPlayback(PlaybackConfig{ChunkSize: 7})
	require.NoError(t, err)
	clock := &fakeClock{}
	p.WithClock(clock)

	var got []byte
	calls := 0
	require.NoError(t, p.Run(context.Background(), bytes.NewReader(data), func(b []byte) error {
		calls++
		assert.LessOrEqual(t, len(b), 7)
		got = append(got, b...)
		return nil
	}))
	assert.Equal(t, data, got)
	assert.Greater(t, calls, 1)
	assert.Empty(t, clock.sleeps)
}

func TestPlaybackPacesFrames(t *testing.T) {
	data := capture(
		trade(1, testTs),
		trade(2, testTs+int64(10*time.Millisecond)),
		heartbeat(3, testTs+int64(30*time.Millisecond)),
		trade(4, testTs+int64(20*time.Millisecond)),
	)
	p, err := NewPlayback(PlaybackConfig{Speed: 2})
	require.NoError(t, err)
	clock := &fakeClock{}
	p.WithClock(clock)

	var frames int
	require.NoError(t, p.Run(context.Background(), bytes.NewReader(data), func(b []byte) error {
		frames++
		return nil
	}))
	assert.Equal(t, 4, frames)
	// out of order timestamps do not sleep
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond}, clock.sleeps)
}

func TestPlaybackStopsOnHandlerError(t *testing.T) {
	data := capture(trade(1, testTs), trade(2, testTs))
	p, err := NewPlayback(PlaybackConfig{Speed: 1})
	require.NoError(t, err)

	boom := assert.AnError
	calls := 0
	err = p.Run(context.Background(), bytes.NewReader(data), func([]byte) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestPlaybackCancelled(t *testing.T) {
	p, err := NewPlayback(PlaybackConfig{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Run(ctx, bytes.NewReader(capture(trade(1, testTs))), func([]byte) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewPlaybackValidates(t *testing.T) {
	_, err := NewPlayback(PlaybackConfig{Speed: -1})
	assert.Error(t, err)
	_, err = NewPlayback(PlaybackConfig{ChunkSize: -1})
	assert.Error(t, err)

	p, err := NewPlayback(PlaybackConfig{})
	require.NoError(t, err)
	assert.Error(t, p.Run(context.Background(), bytes.NewReader(nil), nil))
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps", "feed.bin")
	w, err := Create(path)
	require.NoError(t, err)

	msgs := []wire.Message{trade(1, testTs), heartbeat(2, testTs), trade(3, testTs)}
	for _, m := range msgs {
		require.NoError(t, w.WriteMessage(m))
	}
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(3), w.Frames())
	assert.Equal(t, uint64(len(capture(msgs...))), w.Bytes())

	p, err := NewPlayback(PlaybackConfig{Speed: 1000})
	require.NoError(t, err)
	p.WithClock(&fakeClock{})

	var decoded []wire.Message
	require.NoError(t, p.RunFile(context.Background(), path, func(b []byte) error {
		m, n, err := wire.DecodeFrame(b, wire.Limits{Now: func() int64 { return testTs }})
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		decoded = append(decoded, m)
		return nil
	}))
	require.Len(t, decoded, 3)
	assert.Equal(t, uint64(3), decoded[2].MessageHeader().Seq)
}

func TestWriterToBuffer(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteMessage(trade(1, testTs)))
	assert.Zero(t, buf.Len())
	require.NoError(t, w.Close())
	assert.Equal(t, capture(trade(1, testTs)), buf.Bytes())
}
