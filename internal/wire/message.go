package wire

import (
	"hft/internal/schema"
)

// MsgType is the wire message type enumeration.
type MsgType uint8

const (
	MsgTypeUnknown MsgType = iota
	MsgTypeTrade
	MsgTypeQuote
	MsgTypeOrderUpdate
	MsgTypeHeartbeat
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeTrade:
		return "TRADE"
	case MsgTypeQuote:
		return "QUOTE"
	case MsgTypeOrderUpdate:
		return "ORDER_UPDATE"
	case MsgTypeHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the type belongs to the known enumeration.
func (t MsgType) Valid() bool {
	return t >= MsgTypeTrade && t <= MsgTypeHeartbeat
}

const (
	HeaderSize = 22

	// MaxMessageSize is the hard cap on a declared msg_length.
	MaxMessageSize = 64 * 1024

	QuoteLevels    = 5
	levelSize      = 20
	IDSize         = 8
	tradePayload   = 48
	quotePayload   = 40 + 2*QuoteLevels*levelSize
	updatePayload  = 34
	heartbeatBytes = 12

	TradeSize       = HeaderSize + tradePayload
	QuoteSize       = HeaderSize + quotePayload
	OrderUpdateSize = HeaderSize + updatePayload
	HeartbeatSize   = HeaderSize + heartbeatBytes
)

// FrameSize returns the exact frame length for a message type, 0 if unknown.
func FrameSize(t MsgType) int {
	switch t {
	case MsgTypeTrade:
		return TradeSize
	case MsgTypeQuote:
		return QuoteSize
	case MsgTypeOrderUpdate:
		return OrderUpdateSize
	case MsgTypeHeartbeat:
		return HeartbeatSize
	default:
		return 0
	}
}

// Header is the validated common prefix of every message.
type Header struct {
	Type     MsgType
	Exchange schema.ExchangeID
	Length   uint32
	TsNano   int64
	Seq      uint64
}

// Message is a decoded and validated wire message: Trade, Quote, OrderUpdate or Heartbeat.
type Message interface {
	MessageHeader() Header
}

// Trade is a last-sale print.
type Trade struct {
	Header
	SymbolID schema.SymbolID
	TradeID  uint64
	Price    float64
	Qty      uint64
	BuyerID  [IDSize]byte
	SellerID [IDSize]byte
}

// Level is one aggregated depth row inside a quote.
type Level struct {
	Price      float64
	Qty        uint64
	OrderCount uint32
}

// Quote is a full top-of-book plus five levels per side.
type Quote struct {
	Header
	SymbolID  schema.SymbolID
	BidPrice  float64
	BidQty    uint64
	AskPrice  float64
	AskQty    uint64
	BidLevels [QuoteLevels]Level
	AskLevels [QuoteLevels]Level
}

// UpdateAction is the book operation carried by an OrderUpdate.
type UpdateAction uint8

const (
	UpdateActionUnknown UpdateAction = iota
	UpdateActionAdd
	UpdateActionModify
	UpdateActionCancel
)

// OrderUpdate is a per-order book event.
type OrderUpdate struct {
	Header
	SymbolID schema.SymbolID
	OrderID  uint64
	Side     schema.OrderSide
	Action   UpdateAction
	Price    float64
	Qty      uint64
}

// Heartbeat carries session liveness.
type Heartbeat struct {
	Header
	SessionID    uint32
	LastSequence uint64
}

func (h Header) MessageHeader() Header { return h }
