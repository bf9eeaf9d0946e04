package algo

import (
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yanun0323/errors"

	"hft/internal/schema"
)

// Kind is the execution algorithm.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTWAP
	KindVWAP
	KindIceberg
	KindShortfall
)

func (k Kind) String() string {
	switch k {
	case KindTWAP:
		return "TWAP"
	case KindVWAP:
		return "VWAP"
	case KindIceberg:
		return "ICEBERG"
	case KindShortfall:
		return "IS"
	default:
		return "UNKNOWN"
	}
}

// ParseKind maps a name such as "twap" to its Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "twap", "TWAP":
		return KindTWAP, true
	case "vwap", "VWAP":
		return KindVWAP, true
	case "iceberg", "ICEBERG":
		return KindIceberg, true
	case "is", "IS", "shortfall":
		return KindShortfall, true
	default:
		return KindUnknown, false
	}
}

// DefaultShortfallSlices is used when an IS execution does not set NumSlices.
const DefaultShortfallSlices = 10

var validate = validator.New()

// Params describes one parent order and how to slice it.
type Params struct {
	Kind       Kind              `json:"kind" yaml:"kind" validate:"gt=0,lte=4"`
	StrategyID schema.StrategyID `json:"strategyId" yaml:"strategyId"`
	SymbolID   schema.SymbolID   `json:"symbolId" yaml:"symbolId" validate:"gt=0"`
	Side       schema.OrderSide  `json:"side" yaml:"side" validate:"gt=0,lte=2"`
	LimitPrice float64           `json:"limitPrice" yaml:"limitPrice" validate:"gt=0"`
	TotalQty   uint64            `json:"totalQty" yaml:"totalQty" validate:"gt=0"`

	// Duration is the execution horizon. Required for TWAP, VWAP and IS.
	Duration  time.Duration `json:"duration" yaml:"duration" validate:"gte=0"`
	NumSlices int           `json:"numSlices" yaml:"numSlices" validate:"gte=0"`

	// ParticipationRate caps TWAP children against recent traded volume and
	// sizes VWAP buckets.
	ParticipationRate float64 `json:"participationRate" yaml:"participationRate" validate:"gte=0,lte=1"`
	// VolumeProfile is the expected traded volume per VWAP bucket.
	VolumeProfile []float64 `json:"volumeProfile" yaml:"volumeProfile" validate:"dive,gte=0"`

	VisibleQty uint64 `json:"visibleQty" yaml:"visibleQty"`
	RefreshQty uint64 `json:"refreshQty" yaml:"refreshQty"`

	RiskAversion float64 `json:"riskAversion" yaml:"riskAversion" validate:"gte=0,lte=1"`
	// ArrivalPrice is the decision price shortfall is measured against.
	ArrivalPrice float64 `json:"arrivalPrice" yaml:"arrivalPrice" validate:"gte=0"`

	MaxSlippageBps float64 `json:"maxSlippageBps" yaml:"maxSlippageBps" validate:"gte=0"`
}

// Validate checks the parameters of p.Kind.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return errors.Wrap(err, "validate algo params")
	}
	if math.IsInf(p.LimitPrice, 0) {
		return errors.Errorf("limit price %v is not finite", p.LimitPrice)
	}
	switch p.Kind {
	case KindTWAP:
		if p.Duration <= 0 || p.NumSlices <= 0 {
			return errors.New("twap needs a duration and a slice count")
		}
	case KindVWAP:
		if p.Duration <= 0 || len(p.VolumeProfile) == 0 || p.ParticipationRate <= 0 {
			return errors.New("vwap needs a duration, a volume profile and a participation rate")
		}
	case KindIceberg:
		if p.VisibleQty == 0 {
			return errors.New("iceberg needs a visible quantity")
		}
	case KindShortfall:
		if p.Duration <= 0 {
			return errors.New("implementation shortfall needs a duration")
		}
	}
	return nil
}

func (p Params) slices() int {
	switch p.Kind {
	case KindVWAP:
		return len(p.VolumeProfile)
	case KindShortfall:
		if p.NumSlices > 0 {
			return p.NumSlices
		}
		return DefaultShortfallSlices
	default:
		return p.NumSlices
	}
}

// interval is the spacing of scheduled slices.
func (p Params) interval() time.Duration {
	n := p.slices()
	if n <= 0 {
		return 0
	}
	return p.Duration / time.Duration(n)
}

func (p Params) refresh() uint64 {
	if p.RefreshQty > 0 {
		return p.RefreshQty
	}
	return p.VisibleQty
}

// Slice is one scheduled child order.
type Slice struct {
	Offset time.Duration
	Qty    uint64
}

// Plan returns the nominal schedule of p, assuming every child fills in full
// and no participation cap applies.
func Plan(p Params) ([]Slice, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	remaining := p.TotalQty
	var out []Slice
	if p.Kind == KindIceberg {
		qty := min(p.VisibleQty, remaining)
		for remaining > 0 {
			out = append(out, Slice{Qty: qty})
			remaining -= qty
			qty = min(p.refresh(), remaining)
		}
		return out, nil
	}

	n, step := p.slices(), p.interval()
	for i := 0; i < n && remaining > 0; i++ {
		qty := p.sliceQty(i, n, remaining)
		if qty == 0 {
			continue
		}
		out = append(out, Slice{Offset: time.Duration(i) * step, Qty: qty})
		remaining -= qty
	}
	return out, nil
}

// sliceQty sizes scheduled slice i of n given the unallocated quantity.
func (p Params) sliceQty(i, n int, unallocated uint64) uint64 {
	if unallocated == 0 {
		return 0
	}
	switch p.Kind {
	case KindTWAP:
		left := uint64(n - i)
		return (unallocated + left - 1) / left
	case KindVWAP:
		want := uint64(math.Floor(p.VolumeProfile[i] * p.ParticipationRate))
		return min(want, unallocated)
	case KindShortfall:
		return min(uint64(math.Ceil(float64(unallocated)*urgency(i, n, p.RiskAversion))), unallocated)
	default:
		return 0
	}
}

// urgency is the fraction of the unallocated quantity sent in slice i of n.
// It rises with elapsed time and reaches 1 on the final slice; a higher risk
// aversion bends the curve towards early completion.
func urgency(i, n int, riskAversion float64) float64 {
	if n <= 0 {
		return 1
	}
	x := float64(i+1) / float64(n)
	gamma := 1 - 0.9*riskAversion
	return math.Pow(x, gamma)
}
