package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/bytedance/sonic"
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"hft/internal/algo"
	"hft/internal/audit"
	"hft/internal/book"
	"hft/internal/obs"
	"hft/internal/ops"
	"hft/internal/pipeline"
	"hft/internal/venue"
	"hft/pkg/conn"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON or YAML config (default: built-in symbols)")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	input := flag.String("input", "", "Market data capture to trade against (required)")
	speed := flag.Float64("speed", -1, "Playback speed override (1=real-time, 0=no pacing, <0=config)")
	algoPath := flag.String("algos", "", "JSON file with algorithmic executions to start")
	snapshotPath := flag.String("snapshot", "", "Position snapshot written on exit (default: config)")
	restorePath := flag.String("restore", "", "Position snapshot to restore on start")
	statsInterval := flag.Duration("stats-interval", 5*time.Second, "Stats log interval (0=disable)")
	flag.Parse()

	if *input == "" {
		log.Fatalf("missing capture; use -input")
	}
	loaded, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	holder := ops.NewHolder(loaded)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if addr := loaded.Profiling.Address; addr != "" {
		stopProfiler := startProfiler(addr, loaded.Profiling.AppName)
		defer stopProfiler()
	}

	auditWriter, closeAudit, err := openAudit(ctx, loaded.Audit)
	if err != nil {
		log.Fatalf("audit init failed: %v", err)
	}
	defer closeAudit()

	pipeCfg := loaded.Pipeline
	if *speed >= 0 {
		pipeCfg.Playback.Speed = *speed
	}
	if *snapshotPath != "" {
		pipeCfg.SnapshotPath = *snapshotPath
	}
	var paper *venue.Paper
	metrics := obs.NewMetrics()
	rt, err := pipeline.New(pipeline.Options{
		Config:    pipeCfg,
		Registry:  loaded.Registry,
		Risk:      loaded.Risk,
		Blacklist: loaded.Blacklist,
		Positions: loaded.Positions,
		Order:     loaded.Order,
		Wire:      loaded.Wire,
		Venue: func(books *book.Manager) (pipeline.Venue, error) {
			p, err := venue.NewPaper(loaded.Venue, books, nil)
			paper = p
			return p, err
		},
		Audit:   auditWriter,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer paper.Close()

	if *restorePath != "" {
		if err := rt.RestorePositions(*restorePath); err != nil {
			log.Fatalf("restore positions failed: %v", err)
		}
	}

	if *configPath != "" && *configReload > 0 {
		go ops.Watch(ctx, *configPath, *configReload, func(l ops.Loaded) {
			holder.Update(l)
			if err := rt.Risk().UpdateLimits(l.Risk.Limits); err != nil {
				logs.Errorf("apply reloaded risk limits, err: %+v", err)
				return
			}
			for id, reason := range l.Blacklist {
				rt.Risk().Blacklist().Add(id, reason)
			}
		})
	}
	if *statsInterval > 0 {
		go logStats(ctx, rt, auditWriter, *statsInterval)
	}

	if *algoPath != "" {
		if err := startAlgos(rt, holder.Load().Algo, *algoPath); err != nil {
			log.Fatalf("start algos failed: %v", err)
		}
	}

	f, err := os.Open(*input)
	if err != nil {
		log.Fatalf("open capture failed: %v", err)
	}
	defer f.Close()

	logs.Infof("trader started, symbols: %d, capture: %s", loaded.Registry.SymbolCount(), *input)
	if err := rt.Run(ctx, f); err != nil {
		log.Fatalf("trader run failed: %v", err)
	}
	logSnapshot(rt.Snapshot(), auditWriter)
	logExecutions(rt)
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Default()
	}
	return ops.Load(path)
}

// openAudit starts the audit writer on postgres when configured, in memory
// otherwise.
func openAudit(ctx context.Context, cfg ops.AuditConfig) (*audit.Writer, func(), error) {
	var sink audit.Sink = audit.NewMemorySink()
	closeDB := func() {}
	if cfg.Postgres != nil {
		client, err := conn.OpenPostgres(ctx, *cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		gormSink, err := audit.NewGormSink(client.DB())
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		sink = gormSink
		closeDB = func() {
			if err := client.Close(); err != nil {
				logs.Errorf("close audit database, err: %+v", err)
			}
		}
	}

	w, err := audit.NewWriter(cfg.Writer, sink)
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	// the writer outlives ctx so records appended during shutdown still flush
	if err := w.Start(context.Background()); err != nil {
		closeDB()
		return nil, nil, err
	}
	return w, func() {
		if err := w.Close(); err != nil {
			logs.Errorf("close audit writer, err: %+v", err)
		}
		closeDB()
	}, nil
}

func startAlgos(rt *pipeline.Runtime, defaults ops.AlgoConfig, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	var params []algo.Params
	if err := sonic.Unmarshal(data, &params); err != nil {
		return err
	}
	for _, p := range params {
		defaults.Apply(&p)
		id, err := rt.StartAlgo(p)
		if err != nil {
			return err
		}
		logs.Infof("started %s execution %s, symbol: %d, qty: %d", p.Kind, id, p.SymbolID, p.TotalQty)
	}
	return nil
}

func logStats(ctx context.Context, rt *pipeline.Runtime, w *audit.Writer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	mem := obs.NewMemorySampler()
	mem.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logSnapshot(rt.Snapshot(), w)
			logExecutions(rt)
			logs.Infof("runtime %s", mem.Sample())
		}
	}
}

func logSnapshot(s pipeline.Snapshot, w *audit.Writer) {
	logs.Infof("decoder messages: %d, errors: %d, gaps: %d", s.Decoder.MessagesTotal(), s.Decoder.ErrorsTotal(), s.Decoder.SequenceGaps)
	logs.Infof("orders active: %d, risk rejected: %d, venue errors: %d, fills: %d, filled qty: %d",
		s.Orders.Active, s.Orders.RiskRejected, s.Orders.VenueErrors, s.Metrics.Fills, s.Metrics.FilledQty)
	logs.Infof("portfolio gross: %.2f, net: %.2f, pnl: %.2f, breaker trips: %d",
		s.Portfolio.Gross, s.Portfolio.Net, s.Portfolio.PnL(), s.Metrics.BreakerTrips)
	for _, q := range s.Metrics.Queues {
		logs.Infof("queue %s len: %d/%d, published: %d, blocked: %d", q.Name, q.Len, q.Cap, q.Published, q.Blocked)
	}
	for _, l := range s.Latency {
		logs.Infof("latency %s n: %d, p50: %s, p99: %s, over budget: %d", l.Name, l.Total, l.Median, l.P99, l.OverBudget)
	}
	logs.Infof("audit written: %d, dropped: %d", w.Written(), w.Dropped())
}

func logExecutions(rt *pipeline.Runtime) {
	for _, p := range rt.Executor().Executions() {
		logs.Infof("execution %s %s %s executed: %d/%d, avg: %.4f, children: %d, shortfall: %.2fbps",
			p.ID, p.Kind, p.Status, p.ExecutedQty, p.TotalQty, p.AvgFillPrice, p.ChildOrders, p.ShortfallBps)
	}
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...interface{})  { logs.Debugf(format, args...) }
func (profilerLogger) Debugf(format string, args ...interface{}) { logs.Debugf(format, args...) }
func (profilerLogger) Errorf(format string, args ...interface{}) { logs.Errorf(format, args...) }

func startProfiler(addr, app string) func() {
	if app == "" {
		app = "hft/trader"
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: app,
		ServerAddress:   addr,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		log.Fatalf("pyroscope start failed: %v", err)
	}
	return func() { _ = profiler.Stop() }
}
