package risk

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yanun0323/errors"

	"hft/internal/schema"
)

// DefaultCheckBudget is the latency target of a single pre-trade check.
const DefaultCheckBudget = 10 * time.Microsecond

var validate = validator.New()

// Limits defines the risk limits. A zero limit disables its check.
type Limits struct {
	MaxOrderValue       float64       `json:"maxOrderValue" yaml:"maxOrderValue" validate:"gte=0"`
	MaxPosition         int64         `json:"maxPosition" yaml:"maxPosition" validate:"gte=0"`
	MaxGrossExposure    float64       `json:"maxGrossExposure" yaml:"maxGrossExposure" validate:"gte=0"`
	MaxStrategyExposure float64       `json:"maxStrategyExposure" yaml:"maxStrategyExposure" validate:"gte=0"`
	OrderRateLimit      int64         `json:"orderRateLimit" yaml:"orderRateLimit" validate:"gte=0"`
	OrderRateWindow     time.Duration `json:"orderRateWindow" yaml:"orderRateWindow" validate:"required_with=OrderRateLimit,gte=0"`
	WarnDrawdown        float64       `json:"warnDrawdown" yaml:"warnDrawdown" validate:"gte=0"`
	MaxDrawdown         float64       `json:"maxDrawdown" yaml:"maxDrawdown" validate:"gte=0"`
	Cooldown            time.Duration `json:"cooldown" yaml:"cooldown" validate:"gte=0"`
	CheckBudget         time.Duration `json:"checkBudget" yaml:"checkBudget" validate:"gte=0"`

	// SymbolPositionLimits overrides MaxPosition per symbol. It is resolved
	// from symbol names by the config loader.
	SymbolPositionLimits map[schema.SymbolID]int64 `json:"-" yaml:"-"`
}

// Validate checks the limits for internal consistency.
func (l Limits) Validate() error {
	if err := validate.Struct(l); err != nil {
		return errors.Wrap(err, "validate risk limits")
	}
	if l.WarnDrawdown > 0 && l.MaxDrawdown > 0 && l.WarnDrawdown > l.MaxDrawdown {
		return errors.Errorf("warn drawdown %.2f exceeds max drawdown %.2f", l.WarnDrawdown, l.MaxDrawdown)
	}
	for id, v := range l.SymbolPositionLimits {
		if v < 0 {
			return errors.Errorf("negative position limit %d for symbol %d", v, id)
		}
	}
	return nil
}

// PositionLimit returns the absolute position limit for symbol, 0 if none.
func (l *Limits) PositionLimit(symbol schema.SymbolID) int64 {
	if v, ok := l.SymbolPositionLimits[symbol]; ok {
		return v
	}
	return l.MaxPosition
}

func (l Limits) budget() time.Duration {
	if l.CheckBudget <= 0 {
		return DefaultCheckBudget
	}
	return l.CheckBudget
}
