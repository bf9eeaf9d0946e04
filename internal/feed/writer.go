package feed

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/yanun0323/errors"

	"hft/internal/wire"
)

const defaultBufferSize = 256 * 1024

// Writer appends wire frames to a capture file.
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	frames uint64
	bytes  uint64
}

// Create creates or truncates the capture at path.
func Create(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create capture dir").With("dir", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create capture").With("path", path)
	}
	return &Writer{f: f, w: bufio.NewWriterSize(f, defaultBufferSize)}, nil
}

// NewWriter writes frames to w. Close flushes but does not close w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, defaultBufferSize)}
}

// Write appends raw bytes, normally one frame.
func (w *Writer) Write(frame []byte) (int, error) {
	n, err := w.w.Write(frame)
	w.bytes += uint64(n)
	w.frames++
	return n, err
}

// WriteMessage encodes m and appends it.
func (w *Writer) WriteMessage(m wire.Message) error {
	_, err := w.Write(wire.Encode(nil, m))
	return err
}

// Frames returns the number of Write calls.
func (w *Writer) Frames() uint64 {
	return w.frames
}

// Bytes returns the number of bytes written.
func (w *Writer) Bytes() uint64 {
	return w.bytes
}

// Close flushes buffered data and closes the file if the writer owns one.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "flush capture")
	}
	if w.f == nil {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrap(err, "sync capture")
	}
	return w.f.Close()
}
