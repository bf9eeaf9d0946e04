package wire

import (
	"encoding/binary"
	"math"
)

func grow(dst []byte, n int) ([]byte, []byte) {
	start := len(dst)
	if cap(dst)-start < n {
		next := make([]byte, start, start+n)
		copy(next, dst)
		dst = next
	}
	dst = dst[:start+n]
	return dst, dst[start:]
}

func putHeader(buf []byte, h Header, size int) {
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Exchange)
	binary.BigEndian.PutUint32(buf[2:6], uint32(size))
	binary.BigEndian.PutUint64(buf[6:14], uint64(h.TsNano))
	binary.BigEndian.PutUint64(buf[14:22], h.Seq)
}

func putFloat(buf []byte, v float64) {
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
}

// EncodeHeader appends a bare header with an explicit msg_length. It exists for
// producing test and chaos frames; regular encoders compute the length themselves.
func EncodeHeader(dst []byte, h Header) []byte {
	dst, buf := grow(dst, HeaderSize)
	putHeader(buf, h, int(h.Length))
	return dst
}

// EncodeTrade appends a trade frame to dst.
func EncodeTrade(dst []byte, t Trade) []byte {
	dst, buf := grow(dst, TradeSize)
	t.Type = MsgTypeTrade
	putHeader(buf, t.Header, TradeSize)
	p := buf[HeaderSize:]
	binary.BigEndian.PutUint64(p[0:8], uint64(t.SymbolID))
	binary.BigEndian.PutUint64(p[8:16], t.TradeID)
	putFloat(p[16:24], t.Price)
	binary.BigEndian.PutUint64(p[24:32], t.Qty)
	copy(p[32:40], t.BuyerID[:])
	copy(p[40:48], t.SellerID[:])
	return dst
}

func putLevel(p []byte, l Level) {
	putFloat(p[0:8], l.Price)
	binary.BigEndian.PutUint64(p[8:16], l.Qty)
	binary.BigEndian.PutUint32(p[16:20], l.OrderCount)
}

// EncodeQuote appends a quote frame to dst.
func EncodeQuote(dst []byte, q Quote) []byte {
	dst, buf := grow(dst, QuoteSize)
	q.Type = MsgTypeQuote
	putHeader(buf, q.Header, QuoteSize)
	p := buf[HeaderSize:]
	binary.BigEndian.PutUint64(p[0:8], uint64(q.SymbolID))
	putFloat(p[8:16], q.BidPrice)
	binary.BigEndian.PutUint64(p[16:24], q.BidQty)
	putFloat(p[24:32], q.AskPrice)
	binary.BigEndian.PutUint64(p[32:40], q.AskQty)
	off := 40
	for i := 0; i < QuoteLevels; i++ {
		putLevel(p[off:off+levelSize], q.BidLevels[i])
		off += levelSize
	}
	for i := 0; i < QuoteLevels; i++ {
		putLevel(p[off:off+levelSize], q.AskLevels[i])
		off += levelSize
	}
	return dst
}

// EncodeOrderUpdate appends an order update frame to dst.
func EncodeOrderUpdate(dst []byte, u OrderUpdate) []byte {
	dst, buf := grow(dst, OrderUpdateSize)
	u.Type = MsgTypeOrderUpdate
	putHeader(buf, u.Header, OrderUpdateSize)
	p := buf[HeaderSize:]
	binary.BigEndian.PutUint64(p[0:8], uint64(u.SymbolID))
	binary.BigEndian.PutUint64(p[8:16], u.OrderID)
	p[16] = byte(u.Side)
	p[17] = byte(u.Action)
	putFloat(p[18:26], u.Price)
	binary.BigEndian.PutUint64(p[26:34], u.Qty)
	return dst
}

// EncodeHeartbeat appends a heartbeat frame to dst.
func EncodeHeartbeat(dst []byte, h Heartbeat) []byte {
	dst, buf := grow(dst, HeartbeatSize)
	h.Type = MsgTypeHeartbeat
	putHeader(buf, h.Header, HeartbeatSize)
	p := buf[HeaderSize:]
	binary.BigEndian.PutUint32(p[0:4], h.SessionID)
	binary.BigEndian.PutUint64(p[4:12], h.LastSequence)
	return dst
}

// Encode appends any decoded message back into its wire form.
func Encode(dst []byte, m Message) []byte {
	switch v := m.(type) {
	case Trade:
		return EncodeTrade(dst, v)
	case Quote:
		return EncodeQuote(dst, v)
	case OrderUpdate:
		return EncodeOrderUpdate(dst, v)
	case Heartbeat:
		return EncodeHeartbeat(dst, v)
	default:
		return dst
	}
}
