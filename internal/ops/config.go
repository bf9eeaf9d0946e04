package ops

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"hft/internal/algo"
	"hft/internal/audit"
	"hft/internal/mdg"
	"hft/internal/order"
	"hft/internal/pipeline"
	"hft/internal/position"
	"hft/internal/risk"
	"hft/internal/schema"
	"hft/internal/venue"
	"hft/internal/wire"
	"hft/pkg/conn"
)

var validate = validator.New()

// File mirrors the config file layout. JSON durations are nanoseconds, YAML
// durations may also be written as "250ms".
type File struct {
	Symbols   []SymbolConfig  `json:"symbols" yaml:"symbols" validate:"required,min=1,dive"`
	Risk      RiskConfig      `json:"risk" yaml:"risk"`
	Positions PositionConfig  `json:"positions" yaml:"positions"`
	Order     order.Config    `json:"order" yaml:"order"`
	Algo      AlgoConfig      `json:"algo" yaml:"algo"`
	Wire      WireConfig      `json:"wire" yaml:"wire"`
	Pipeline  pipeline.Config `json:"pipeline" yaml:"pipeline"`
	Venue     venue.Config    `json:"venue" yaml:"venue"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	Generator *mdg.Config     `json:"generator,omitempty" yaml:"generator,omitempty"`
	Profiling ProfilingConfig `json:"profiling" yaml:"profiling"`
}

// SymbolConfig describes a symbol entry.
type SymbolConfig struct {
	ID       uint64  `json:"id" yaml:"id" validate:"gt=0"`
	Name     string  `json:"name" yaml:"name" validate:"required"`
	Exchange string  `json:"exchange" yaml:"exchange" validate:"required"`
	TickSize float64 `json:"tickSize" yaml:"tickSize" validate:"gte=0"`
}

// RiskConfig is the risk section. Per-symbol limits and the blacklist are
// keyed by symbol name.
type RiskConfig struct {
	Limits          risk.Limits       `json:"limits" yaml:"limits"`
	SymbolPositions map[string]int64  `json:"symbolPositions" yaml:"symbolPositions"`
	Blacklist       map[string]string `json:"blacklist" yaml:"blacklist"`
	HistorySize     int               `json:"historySize" yaml:"historySize" validate:"gte=0"`
}

// PositionConfig is the position tracker section.
type PositionConfig struct {
	Limits          position.Limits  `json:"limits" yaml:"limits"`
	SymbolPositions map[string]int64 `json:"symbolPositions" yaml:"symbolPositions"`
}

// AlgoConfig holds defaults for algorithmic executions.
type AlgoConfig struct {
	NumSlices         int     `json:"numSlices" yaml:"numSlices" validate:"gte=0"`
	ParticipationRate float64 `json:"participationRate" yaml:"participationRate" validate:"gte=0,lte=1"`
	MaxSlippageBps    float64 `json:"maxSlippageBps" yaml:"maxSlippageBps" validate:"gte=0"`
	RiskAversion      float64 `json:"riskAversion" yaml:"riskAversion" validate:"gte=0,lte=1"`
}

// Apply fills the zero fields of p with the defaults.
func (c AlgoConfig) Apply(p *algo.Params) {
	if p.NumSlices == 0 && p.Kind != algo.KindIceberg {
		p.NumSlices = c.NumSlices
	}
	// TWAP treats a participation rate as a cap, so only VWAP takes the default
	if p.ParticipationRate == 0 && p.Kind == algo.KindVWAP {
		p.ParticipationRate = c.ParticipationRate
	}
	if p.MaxSlippageBps == 0 {
		p.MaxSlippageBps = c.MaxSlippageBps
	}
	if p.RiskAversion == 0 && p.Kind == algo.KindShortfall {
		p.RiskAversion = c.RiskAversion
	}
}

// WireConfig bounds decoder business validation.
type WireConfig struct {
	MaxPrice      float64       `json:"maxPrice" yaml:"maxPrice" validate:"gte=0"`
	MaxFutureSkew time.Duration `json:"maxFutureSkew" yaml:"maxFutureSkew" validate:"gte=0"`
}

// AuditConfig is the audit trail section. Without a postgres section records
// are kept in memory.
type AuditConfig struct {
	Writer   audit.Config   `json:"writer" yaml:"writer"`
	Postgres *conn.Postgres `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// ProfilingConfig enables continuous profiling when Address is set.
type ProfilingConfig struct {
	Address string `json:"address" yaml:"address" validate:"omitempty,url"`
	AppName string `json:"appName" yaml:"appName"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Registry  *schema.Registry
	Risk      risk.Config
	Blacklist map[schema.SymbolID]string
	Positions position.Limits
	Order     order.Config
	Algo      AlgoConfig
	Wire      wire.Limits
	Pipeline  pipeline.Config
	Venue     venue.Config
	Audit     AuditConfig
	Generator mdg.Config
	Profiling ProfilingConfig
}

// Load reads a JSON or YAML config file, chosen by extension.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config").With("path", path)
	}
	f, err := Decode(data, formatOf(path))
	if err != nil {
		return Loaded{}, errors.Wrap(err, "decode config").With("path", path)
	}
	return Resolve(f)
}

// LoadRegistry reads a config file and only builds the registry.
func LoadRegistry(path string) (*schema.Registry, error) {
	l, err := Load(path)
	if err != nil {
		return nil, err
	}
	return l.Registry, nil
}

// Format is a config encoding.
type Format uint8

const (
	FormatJSON Format = iota
	FormatYAML
)

func formatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode parses a config document.
func Decode(data []byte, format Format) (File, error) {
	var f File
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &f)
	default:
		err = sonic.Unmarshal(data, &f)
	}
	if err != nil {
		return File{}, err
	}
	return f, nil
}

// Resolve validates f and resolves symbol names into ids.
func Resolve(f File) (Loaded, error) {
	if err := validate.Struct(f); err != nil {
		return Loaded{}, errors.Wrap(err, "validate config")
	}
	reg, err := buildRegistry(f.Symbols)
	if err != nil {
		return Loaded{}, err
	}

	riskLimits := f.Risk.Limits
	if riskLimits.SymbolPositionLimits, err = resolveSymbolLimits(reg, f.Risk.SymbolPositions); err != nil {
		return Loaded{}, errors.Wrap(err, "risk symbol positions")
	}
	if err := riskLimits.Validate(); err != nil {
		return Loaded{}, err
	}
	posLimits := f.Positions.Limits
	if posLimits.SymbolPositions, err = resolveSymbolLimits(reg, f.Positions.SymbolPositions); err != nil {
		return Loaded{}, errors.Wrap(err, "position symbol positions")
	}
	if err := f.Order.Validate(); err != nil {
		return Loaded{}, errors.Wrap(err, "validate order config")
	}

	blacklist := make(map[schema.SymbolID]string, len(f.Risk.Blacklist))
	for name, reason := range f.Risk.Blacklist {
		id, ok := reg.SymbolIDByName(name)
		if !ok {
			return Loaded{}, errors.Errorf("blacklisted symbol not found: %s", name)
		}
		blacklist[id] = reason
	}

	gen := mdg.DefaultConfig()
	if f.Generator != nil {
		gen = *f.Generator
	}

	return Loaded{
		Registry:  reg,
		Risk:      risk.Config{Limits: riskLimits, HistorySize: f.Risk.HistorySize},
		Blacklist: blacklist,
		Positions: posLimits,
		Order:     f.Order,
		Algo:      f.Algo,
		Wire:      wire.Limits{MaxPrice: f.Wire.MaxPrice, MaxFutureSkew: f.Wire.MaxFutureSkew},
		Pipeline:  f.Pipeline,
		Venue:     f.Venue,
		Audit:     f.Audit,
		Generator: gen,
		Profiling: f.Profiling,
	}, nil
}

func buildRegistry(symbols []SymbolConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, sym := range symbols {
		ex, ok := schema.ExchangeByName(sym.Exchange)
		if !ok {
			return nil, errors.Errorf("exchange not found: %s", sym.Exchange)
		}
		if err := reg.AddSymbol(schema.Symbol{
			ID:       schema.SymbolID(sym.ID),
			Exchange: ex,
			Name:     sym.Name,
			TickSize: sym.TickSize,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func resolveSymbolLimits(reg *schema.Registry, byName map[string]int64) (map[schema.SymbolID]int64, error) {
	if len(byName) == 0 {
		return nil, nil
	}
	out := make(map[schema.SymbolID]int64, len(byName))
	for name, v := range byName {
		id, ok := reg.SymbolIDByName(name)
		if !ok {
			return nil, errors.Errorf("symbol not found: %s", name)
		}
		out[id] = v
	}
	return out, nil
}

// Default returns the built-in single venue setup used when no config file is
// given.
func Default() (Loaded, error) {
	return Resolve(File{
		Symbols: []SymbolConfig{
			{ID: 1, Name: "AAPL", Exchange: "NASDAQ", TickSize: 0.01},
			{ID: 2, Name: "MSFT", Exchange: "NASDAQ", TickSize: 0.01},
		},
		Risk: RiskConfig{Limits: risk.Limits{
			MaxOrderValue:       1_000_000,
			MaxPosition:         10_000,
			MaxGrossExposure:    10_000_000,
			MaxStrategyExposure: 5_000_000,
			OrderRateLimit:      1000,
			OrderRateWindow:     time.Second,
			WarnDrawdown:        50_000,
			MaxDrawdown:         100_000,
			Cooldown:            time.Minute,
			CheckBudget:         10 * time.Microsecond,
		}},
		Positions: PositionConfig{Limits: position.Limits{MaxPosition: 10_000}},
		Algo:      AlgoConfig{NumSlices: 10, RiskAversion: 0.5},
		Wire:      WireConfig{MaxPrice: wire.DefaultMaxPrice, MaxFutureSkew: wire.DefaultMaxFutureSkew},
	})
}
