package schema

// SymbolID is the numeric identifier used on the wire for an instrument.
type SymbolID uint64

// StrategyID identifies the strategy that owns an order or position.
type StrategyID uint32

// OrderID identifies a managed order.
type OrderID uint64

// ExchangeID is the wire enumeration of exchanges.
type ExchangeID uint8

const (
	ExchangeUnknown ExchangeID = iota
	ExchangeNASDAQ
	ExchangeNYSE
	ExchangeCME
	ExchangeBinance
	ExchangeCoinbase
)

// MaxExchangeID is the highest known exchange id.
const MaxExchangeID = ExchangeCoinbase

// Valid reports whether the exchange id belongs to the known enumeration.
func (e ExchangeID) Valid() bool {
	return e > ExchangeUnknown && e <= MaxExchangeID
}

func (e ExchangeID) String() string {
	switch e {
	case ExchangeNASDAQ:
		return "NASDAQ"
	case ExchangeNYSE:
		return "NYSE"
	case ExchangeCME:
		return "CME"
	case ExchangeBinance:
		return "BINANCE"
	case ExchangeCoinbase:
		return "COINBASE"
	default:
		return "UNKNOWN"
	}
}

// ExchangeByName resolves the enumeration from its name.
func ExchangeByName(name string) (ExchangeID, bool) {
	for id := ExchangeNASDAQ; id <= MaxExchangeID; id++ {
		if id.String() == name {
			return id, true
		}
	}
	return ExchangeUnknown, false
}
