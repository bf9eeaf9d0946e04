package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"hft/internal/algo"
	"hft/internal/book"
	"hft/internal/bus"
	"hft/internal/feed"
	"hft/internal/latency"
	"hft/internal/obs"
	"hft/internal/order"
	"hft/internal/position"
	"hft/internal/risk"
	"hft/internal/schema"
	"hft/internal/wire"
)

var validate = validator.New()

// Config sizes the stages.
type Config struct {
	MarketQueue  int `json:"marketQueue" yaml:"marketQueue" validate:"gte=0"`
	RequestQueue int `json:"requestQueue" yaml:"requestQueue" validate:"gte=0"`
	ReportQueue  int `json:"reportQueue" yaml:"reportQueue" validate:"gte=0"`
	BookDepth    int `json:"bookDepth" yaml:"bookDepth" validate:"gte=0"`
	// LatencyWindow is the sample ring size of every stage latency tracker.
	LatencyWindow      int                 `json:"latencyWindow" yaml:"latencyWindow" validate:"gte=0"`
	MonitorInterval    time.Duration       `json:"monitorInterval" yaml:"monitorInterval" validate:"gte=0"`
	LimitCheckInterval time.Duration       `json:"limitCheckInterval" yaml:"limitCheckInterval" validate:"gte=0"`
	Playback           feed.PlaybackConfig `json:"playback" yaml:"playback"`
	// SnapshotPath receives the position snapshot when Run returns.
	SnapshotPath string `json:"snapshotPath" yaml:"snapshotPath"`
}

func (c Config) withDefaults() Config {
	if c.MarketQueue <= 0 {
		c.MarketQueue = 8192
	}
	if c.RequestQueue <= 0 {
		c.RequestQueue = 1024
	}
	if c.ReportQueue <= 0 {
		c.ReportQueue = 4096
	}
	if c.BookDepth <= 0 {
		c.BookDepth = 20
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 100 * time.Millisecond
	}
	if c.LimitCheckInterval <= 0 {
		c.LimitCheckInterval = time.Second
	}
	return c
}

// Venue is an order venue that streams execution reports.
type Venue interface {
	order.Venue
	Reports() <-chan order.ExecutionReport
}

// marketWatcher is implemented by venues that fill against the books.
type marketWatcher interface {
	OnMarket(symbol schema.SymbolID)
}

// Options are everything a Runtime is built from.
type Options struct {
	Config    Config
	Registry  *schema.Registry
	Risk      risk.Config
	Blacklist map[schema.SymbolID]string
	Positions position.Limits
	Order     order.Config
	Wire      wire.Limits
	// Venue builds the venue once the books exist, so paper venues can fill
	// against them.
	Venue   func(books *book.Manager) (Venue, error)
	Audit   order.Auditor
	Metrics *obs.Metrics
	Now     func() time.Time
}

// Runtime owns every component of one trading process.
type Runtime struct {
	cfg      Config
	registry *schema.Registry
	now      func() time.Time

	books     *book.Manager
	risk      *risk.Engine
	positions *position.Tracker
	orders    *order.Manager
	executor  *algo.Executor
	venue     Venue
	decoder   *wire.Decoder
	audit     order.Auditor
	metrics   *obs.Metrics
	trace     *obs.TraceGenerator

	market   *bus.Queue[wire.Message]
	requests *bus.Queue[schema.OrderRequest]
	reports  *bus.Queue[order.ExecutionReport]

	latencies []*latency.Tracker
	trips     uint64

	feedDone chan struct{}
	feedOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// New builds a runtime. It does not start any goroutine.
func New(opts Options) (*Runtime, error) {
	if err := validate.Struct(opts.Config); err != nil {
		return nil, errors.Wrap(err, "invalid pipeline config")
	}
	if opts.Registry == nil || opts.Venue == nil {
		return nil, errors.New("pipeline needs a registry and a venue")
	}
	cfg := opts.Config.withDefaults()
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = obs.NewMetrics()
	}

	rt := &Runtime{
		cfg:      cfg,
		registry: opts.Registry,
		now:      now,
		audit:    opts.Audit,
		metrics:  metrics,
		trace:    obs.NewTraceGenerator(0),
		market:   bus.NewQueue[wire.Message]("market", cfg.MarketQueue),
		requests: bus.NewQueue[schema.OrderRequest]("requests", cfg.RequestQueue),
		reports:  bus.NewQueue[order.ExecutionReport]("reports", cfg.ReportQueue),
		feedDone: make(chan struct{}),
	}
	track := func(name string) *latency.Tracker {
		t := latency.NewTracker(name, cfg.LatencyWindow)
		rt.latencies = append(rt.latencies, t)
		return t
	}

	rt.books = book.NewManager(cfg.BookDepth, track("book"))

	riskCfg := opts.Risk
	riskCfg.Latency = track("risk")
	riskCfg.Now = now
	eng, err := risk.NewEngine(riskCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create risk engine")
	}
	rt.risk = eng
	symbols := make([]schema.SymbolID, 0, opts.Registry.SymbolCount())
	for _, sym := range opts.Registry.Symbols() {
		symbols = append(symbols, sym.ID)
	}
	eng.Register(symbols, nil)
	for id, reason := range opts.Blacklist {
		eng.Blacklist().Add(id, reason)
	}

	rt.positions = position.NewTracker(opts.Positions, opts.Registry.SymbolName)

	rt.venue, err = opts.Venue(rt.books)
	if err != nil {
		return nil, errors.Wrap(err, "create venue")
	}

	rt.orders, err = order.NewManager(opts.Order, order.Deps{
		Venue:     rt.venue,
		Risk:      eng,
		Positions: rt.positions,
		Audit:     opts.Audit,
		Latency:   track("order"),
		Now:       now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create order manager")
	}
	rt.orders.Subscribe(rt.onOrderUpdate)

	ctx, cancel := context.WithCancel(context.Background())
	rt.ctx, rt.cancel = ctx, cancel
	rt.executor = algo.NewExecutor(ctx, rt.orders, rt.books)

	rt.decoder = wire.NewDecoder(wire.Config{
		Name:    "feed",
		Limits:  opts.Wire,
		Latency: track("decode"),
	}, rt.decoderHandlers())

	metrics.Track(rt.market)
	metrics.Track(rt.requests)
	metrics.Track(rt.reports)
	return rt, nil
}

func (rt *Runtime) Books() *book.Manager         { return rt.books }
func (rt *Runtime) Risk() *risk.Engine           { return rt.risk }
func (rt *Runtime) Positions() *position.Tracker { return rt.positions }
func (rt *Runtime) Orders() *order.Manager       { return rt.orders }
func (rt *Runtime) Executor() *algo.Executor     { return rt.executor }
func (rt *Runtime) Metrics() *obs.Metrics        { return rt.metrics }

// FeedDone is closed when the feed stage has played its whole input.
func (rt *Runtime) FeedDone() <-chan struct{} {
	return rt.feedDone
}

// Submit queues a strategy order request, waiting while the order stage is
// behind.
func (rt *Runtime) Submit(ctx context.Context, req schema.OrderRequest) error {
	rt.trace.Stamp(&req)
	return rt.requests.Publish(ctx, req)
}

// StartAlgo begins an algorithmic execution.
func (rt *Runtime) StartAlgo(p algo.Params) (string, error) {
	return rt.executor.Start(p)
}

// RestorePositions loads a position snapshot written by an earlier run.
func (rt *Runtime) RestorePositions(path string) error {
	snap, err := position.ReadSnapshot(path)
	if err != nil {
		return err
	}
	rt.positions.Restore(snap)
	for _, e := range snap.Positions {
		rt.risk.SetPosition(e.SymbolID, rt.positions.SymbolPosition(e.SymbolID), e.MarketPrice)
	}
	logs.Infof("restored %d positions from %s", len(snap.Positions), path)
	return nil
}

// Run starts every stage and blocks until ctx is done or a stage fails. src
// may be nil when market data arrives some other way. On return algorithmic
// executions are stopped and the position snapshot is written.
func (rt *Runtime) Run(ctx context.Context, src io.Reader) error {
	err := rt.runStages(ctx, src)
	if ctx.Err() != nil {
		// stages stop with the context error on shutdown
		err = nil
	}
	rt.executor.Close()
	rt.cancel()

	if rt.cfg.SnapshotPath != "" {
		if serr := position.WriteSnapshot(rt.cfg.SnapshotPath, rt.positions.Snapshot()); serr != nil {
			logs.Errorf("write position snapshot, err: %+v", serr)
			if err == nil {
				err = serr
			}
		}
	}
	return err
}

// Snapshot is a read-only view of runtime health.
type Snapshot struct {
	Metrics   obs.Snapshot
	Decoder   wire.Stats
	Orders    order.Stats
	Risk      risk.Stats
	Portfolio position.Exposure
	Latency   []latency.Stats
}

// Snapshot collects the counters of every component.
func (rt *Runtime) Snapshot() Snapshot {
	lat := make([]latency.Stats, 0, len(rt.latencies))
	for _, t := range rt.latencies {
		lat = append(lat, t.Stats())
	}
	return Snapshot{
		Metrics:   rt.metrics.Snapshot(),
		Decoder:   rt.decoder.Stats(),
		Orders:    rt.orders.Stats(),
		Risk:      rt.risk.Stats(),
		Portfolio: rt.positions.Portfolio(),
		Latency:   lat,
	}
}
