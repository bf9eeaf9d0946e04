package feed

import (
	"encoding/binary"

	"hft/internal/wire"
)

// ScanFrames is a bufio.SplitFunc that cuts a capture at wire frame
// boundaries. A header whose msg_length cannot be trusted yields a one byte
// token so the decoder downstream sees the same bytes and resynchronises.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	if len(data) < wire.HeaderSize {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	n := int(binary.BigEndian.Uint32(data[2:6]))
	if n < wire.HeaderSize || n > wire.MaxMessageSize {
		return 1, data[:1], nil
	}
	if len(data) < n {
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
	return n, data[:n], nil
}

// frameTime returns the header timestamp of a complete frame, 0 otherwise.
func frameTime(frame []byte) int64 {
	if len(frame) < wire.HeaderSize || int(binary.BigEndian.Uint32(frame[2:6])) != len(frame) {
		return 0
	}
	return int64(binary.BigEndian.Uint64(frame[6:14]))
}
