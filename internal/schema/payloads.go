package schema

// OrderSide describes order direction.
type OrderSide uint8

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Sign returns +1 for buys, -1 for sells and 0 otherwise.
func (s OrderSide) Sign() int64 {
	switch s {
	case OrderSideBuy:
		return 1
	case OrderSideSell:
		return -1
	default:
		return 0
	}
}

// OrderType describes order type.
type OrderType uint8

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

// TimeInForce describes order time-in-force.
type TimeInForce uint8

const (
	TimeInForceUnknown TimeInForce = iota
	TimeInForceGTC
	TimeInForceIOC
	TimeInForceFOK
)

// OrderRequest is what a strategy hands to the order manager.
type OrderRequest struct {
	StrategyID  StrategyID
	SymbolID    SymbolID
	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce
	// Price is the limit price, or the reference price used for risk on market orders.
	Price    float64
	Qty      uint64
	TraceID  uint64
	ParentID string

	// MaxSlippageBps and MaxExecutionTime are the order's risk attributes.
	MaxSlippageBps   float64
	MaxExecutionTime int64 // nanoseconds, 0 = no limit
}

// Notional returns qty * price.
func (r OrderRequest) Notional() float64 {
	return float64(r.Qty) * r.Price
}

// Fill is a single execution against an order.
type Fill struct {
	OrderID    OrderID
	StrategyID StrategyID
	SymbolID   SymbolID
	Side       OrderSide
	Price      float64
	Qty        uint64
	Fee        float64
	TsNano     int64
}

// RiskReason is the machine-readable reason code of a risk decision.
type RiskReason uint8

const (
	RiskReasonNone RiskReason = iota
	RiskReasonCircuitBreaker
	RiskReasonBlacklist
	RiskReasonOrderSize
	RiskReasonPositionLimit
	RiskReasonExposureLimit
	RiskReasonCompliance
)

// RiskReasonCount is the number of defined risk reasons.
const RiskReasonCount = int(RiskReasonCompliance) + 1

func (r RiskReason) String() string {
	switch r {
	case RiskReasonNone:
		return "APPROVED"
	case RiskReasonCircuitBreaker:
		return "REJECTED_CIRCUIT_BREAKER"
	case RiskReasonBlacklist:
		return "REJECTED_BLACKLIST"
	case RiskReasonOrderSize:
		return "REJECTED_ORDER_SIZE"
	case RiskReasonPositionLimit:
		return "REJECTED_POSITION_LIMIT"
	case RiskReasonExposureLimit:
		return "REJECTED_EXPOSURE_LIMIT"
	case RiskReasonCompliance:
		return "REJECTED_COMPLIANCE"
	default:
		return "UNKNOWN"
	}
}

// RiskDecision is the outcome of a pre-trade check.
type RiskDecision struct {
	StrategyID    StrategyID
	SymbolID      SymbolID
	Reason        RiskReason
	ProposedQty   uint64
	ProposedPrice float64
	CurrentPos    int64
	MaxPos        int64
	MaxNotional   float64
	LatencyNanos  int64
}

// Approved reports whether the order was admitted.
func (d RiskDecision) Approved() bool {
	return d.Reason == RiskReasonNone
}
