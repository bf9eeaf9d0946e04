package wire

import (
	"encoding/binary"
	"math"
	"time"

	"hft/internal/schema"
)

const (
	DefaultMaxPrice      = 1e9
	DefaultMaxFutureSkew = 5 * time.Second
)

var (
	errHeaderTooShort = resyncErr(ParseErrorTruncated, "msg_length")
	errHeaderTooLarge = resyncErr(ParseErrorTooLarge, "msg_length")
	errUnknownType    = resyncErr(ParseErrorUnknownType, "msg_type")
	errUnknownExch    = resyncErr(ParseErrorUnknownType, "exchange")
	errLengthMismatch = resyncErr(ParseErrorInvalidField, "msg_length")

	errPrice     = fieldErr("price")
	errQty       = fieldErr("quantity")
	errTimestamp = fieldErr("timestamp")
	errSide      = fieldErr("side")
	errAction    = fieldErr("action")
	errSymbol    = fieldErr("symbol_id")
	errLevel     = fieldErr("level")
)

// Limits bounds the business validation applied to payloads.
type Limits struct {
	MaxPrice      float64
	MaxFutureSkew time.Duration
	// Now returns the current time in unix nanoseconds.
	Now func() int64
}

// DefaultLimits returns the production validation limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPrice:      DefaultMaxPrice,
		MaxFutureSkew: DefaultMaxFutureSkew,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPrice <= 0 {
		l.MaxPrice = DefaultMaxPrice
	}
	if l.MaxFutureSkew <= 0 {
		l.MaxFutureSkew = DefaultMaxFutureSkew
	}
	if l.Now == nil {
		l.Now = func() int64 { return time.Now().UnixNano() }
	}
	return l
}

// DecodeFrame parses one frame from the front of b.
//
// It returns ErrIncomplete with n == 0 when more bytes are needed. On a
// *ParseError, n is the number of bytes to skip: 1 when the header itself
// cannot be trusted, the whole frame when only the payload is bad.
func DecodeFrame(b []byte, lim Limits) (Message, int, error) {
	_, msg, n, err := decodeFrame(b, lim.withDefaults())
	return msg, n, err
}

// decodeFrame additionally returns the header whenever it was fully validated,
// so callers can account sequence numbers of dropped payloads.
func decodeFrame(b []byte, lim Limits) (Header, Message, int, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, 0, ErrIncomplete
	}

	length := binary.BigEndian.Uint32(b[2:6])
	if length < HeaderSize {
		return Header{}, nil, 1, errHeaderTooShort
	}
	if length > MaxMessageSize {
		return Header{}, nil, 1, errHeaderTooLarge
	}

	msgType := MsgType(b[0])
	if !msgType.Valid() {
		return Header{}, nil, 1, errUnknownType
	}
	exchange := schema.ExchangeID(b[1])
	if !exchange.Valid() {
		return Header{}, nil, 1, errUnknownExch
	}
	if int(length) != FrameSize(msgType) {
		return Header{}, nil, 1, errLengthMismatch
	}
	if len(b) < int(length) {
		return Header{}, nil, 0, ErrIncomplete
	}

	h := Header{
		Type:     msgType,
		Exchange: exchange,
		Length:   length,
		TsNano:   int64(binary.BigEndian.Uint64(b[6:14])),
		Seq:      binary.BigEndian.Uint64(b[14:22]),
	}
	n := int(length)
	if h.TsNano <= 0 || h.TsNano > lim.Now()+int64(lim.MaxFutureSkew) {
		return h, nil, n, errTimestamp
	}

	p := b[HeaderSize:n]
	switch msgType {
	case MsgTypeTrade:
		t, err := decodeTrade(h, p, lim)
		if err != nil {
			return h, nil, n, err
		}
		return h, t, n, nil
	case MsgTypeQuote:
		q, err := decodeQuote(h, p, lim)
		if err != nil {
			return h, nil, n, err
		}
		return h, q, n, nil
	case MsgTypeOrderUpdate:
		u, err := decodeOrderUpdate(h, p, lim)
		if err != nil {
			return h, nil, n, err
		}
		return h, u, n, nil
	default:
		return h, Heartbeat{
			Header:       h,
			SessionID:    binary.BigEndian.Uint32(p[0:4]),
			LastSequence: binary.BigEndian.Uint64(p[4:12]),
		}, n, nil
	}
}

func readFloat(p []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(p))
}

// validPrice accepts finite prices in (0, max].
func validPrice(v float64, lim Limits) bool {
	return v > 0 && v <= lim.MaxPrice && !math.IsInf(v, 0)
}

// optionalPrice also accepts 0, used for empty quote sides and levels.
func optionalPrice(v float64, lim Limits) bool {
	return v == 0 || validPrice(v, lim)
}

func decodeTrade(h Header, p []byte, lim Limits) (Trade, error) {
	t := Trade{
		Header:   h,
		SymbolID: schema.SymbolID(binary.BigEndian.Uint64(p[0:8])),
		TradeID:  binary.BigEndian.Uint64(p[8:16]),
		Price:    readFloat(p[16:24]),
		Qty:      binary.BigEndian.Uint64(p[24:32]),
	}
	copy(t.BuyerID[:], p[32:40])
	copy(t.SellerID[:], p[40:48])

	if t.SymbolID == 0 {
		return Trade{}, errSymbol
	}
	if !validPrice(t.Price, lim) {
		return Trade{}, errPrice
	}
	if t.Qty == 0 {
		return Trade{}, errQty
	}
	return t, nil
}

func readLevel(p []byte) Level {
	return Level{
		Price:      readFloat(p[0:8]),
		Qty:        binary.BigEndian.Uint64(p[8:16]),
		OrderCount: binary.BigEndian.Uint32(p[16:20]),
	}
}

func decodeQuote(h Header, p []byte, lim Limits) (Quote, error) {
	q := Quote{
		Header:   h,
		SymbolID: schema.SymbolID(binary.BigEndian.Uint64(p[0:8])),
		BidPrice: readFloat(p[8:16]),
		BidQty:   binary.BigEndian.Uint64(p[16:24]),
		AskPrice: readFloat(p[24:32]),
		AskQty:   binary.BigEndian.Uint64(p[32:40]),
	}
	off := 40
	for i := 0; i < QuoteLevels; i++ {
		q.BidLevels[i] = readLevel(p[off : off+levelSize])
		off += levelSize
	}
	for i := 0; i < QuoteLevels; i++ {
		q.AskLevels[i] = readLevel(p[off : off+levelSize])
		off += levelSize
	}

	if q.SymbolID == 0 {
		return Quote{}, errSymbol
	}
	if !optionalPrice(q.BidPrice, lim) || !optionalPrice(q.AskPrice, lim) {
		return Quote{}, errPrice
	}
	if (q.BidPrice > 0) != (q.BidQty > 0) || (q.AskPrice > 0) != (q.AskQty > 0) {
		return Quote{}, errQty
	}
	if q.BidQty == 0 && q.AskQty == 0 {
		return Quote{}, errQty
	}
	for i := 0; i < QuoteLevels; i++ {
		if !optionalPrice(q.BidLevels[i].Price, lim) || !optionalPrice(q.AskLevels[i].Price, lim) {
			return Quote{}, errLevel
		}
	}
	return q, nil
}

func decodeOrderUpdate(h Header, p []byte, lim Limits) (OrderUpdate, error) {
	u := OrderUpdate{
		Header:   h,
		SymbolID: schema.SymbolID(binary.BigEndian.Uint64(p[0:8])),
		OrderID:  binary.BigEndian.Uint64(p[8:16]),
		Side:     schema.OrderSide(p[16]),
		Action:   UpdateAction(p[17]),
		Price:    readFloat(p[18:26]),
		Qty:      binary.BigEndian.Uint64(p[26:34]),
	}

	if u.SymbolID == 0 {
		return OrderUpdate{}, errSymbol
	}
	if u.Side != schema.OrderSideBuy && u.Side != schema.OrderSideSell {
		return OrderUpdate{}, errSide
	}
	switch u.Action {
	case UpdateActionAdd:
		if !validPrice(u.Price, lim) {
			return OrderUpdate{}, errPrice
		}
		if u.Qty == 0 {
			return OrderUpdate{}, errQty
		}
	case UpdateActionModify:
		// a modify to zero is a cancel; price is informational
		if !optionalPrice(u.Price, lim) {
			return OrderUpdate{}, errPrice
		}
	case UpdateActionCancel:
	default:
		return OrderUpdate{}, errAction
	}
	return u, nil
}
