package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"hft/internal/algo"
	"hft/internal/book"
	"hft/internal/mdg"
	"hft/internal/ops"
	"hft/internal/order"
	"hft/internal/pipeline"
	"hft/internal/schema"
	"hft/internal/venue"
	"hft/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON or YAML config (default: built-in symbols)")
	input := flag.String("input", "", "Capture to trade against (default: generate one)")
	speed := flag.Float64("speed", 1, "Capture playback speed (1=real-time)")
	kindName := flag.String("algo", "twap", "Algorithm: twap|vwap|iceberg|is")
	symbolName := flag.String("symbol", "AAPL", "Symbol name")
	sideName := flag.String("side", "buy", "Side: buy|sell")
	qty := flag.Uint64("qty", 1000, "Parent quantity")
	price := flag.Float64("price", 101, "Limit price")
	duration := flag.Duration("duration", 10*time.Second, "Execution horizon")
	slices := flag.Int("slices", 0, "Slice count (0=config default)")
	visible := flag.Uint64("visible", 100, "Iceberg visible quantity")
	participation := flag.Float64("participation", 0, "Participation rate (0=config default)")
	mode := flag.String("fill", string(venue.FillBook), "Paper fill mode: immediate|book|rest")
	report := flag.Duration("report-interval", time.Second, "Progress print interval")
	flag.Parse()

	loaded, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	params, err := buildParams(loaded, *kindName, *symbolName, *sideName, *qty, *price, *duration, *slices, *visible, *participation)
	if err != nil {
		log.Fatalf("invalid algo parameters: %v", err)
	}

	src, err := openSource(loaded, *input, *duration)
	if err != nil {
		log.Fatalf("market data source failed: %v", err)
	}
	defer src.Close()

	venueCfg := loaded.Venue
	venueCfg.Mode = venue.FillMode(*mode)
	var paper *venue.Paper
	pipeCfg := loaded.Pipeline
	pipeCfg.Playback.Speed = *speed
	rt, err := pipeline.New(pipeline.Options{
		Config:    pipeCfg,
		Registry:  loaded.Registry,
		Risk:      loaded.Risk,
		Blacklist: loaded.Blacklist,
		Positions: loaded.Positions,
		Order:     loaded.Order,
		Wire:      loaded.Wire,
		Venue: func(books *book.Manager) (pipeline.Venue, error) {
			p, err := venue.NewPaper(venueCfg, books, nil)
			paper = p
			return p, err
		},
	})
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return rt.Run(egCtx, src) })
	eg.Go(func() error {
		defer cancel()
		id, err := rt.StartAlgo(params)
		if err != nil {
			return err
		}
		logs.Infof("started %s execution %s: %s %d %s @ %.4f over %s", params.Kind, id, params.Side, params.TotalQty, *symbolName, params.LimitPrice, params.Duration)

		ticker := time.NewTicker(*report)
		defer ticker.Stop()
		done := make(chan algo.Progress, 1)
		go func() {
			p, _ := rt.Executor().Wait(egCtx, id)
			done <- p
		}()
		for {
			select {
			case p := <-done:
				printProgress(p)
				return nil
			case <-ticker.C:
				if p, ok := rt.Executor().Progress(id); ok {
					printProgress(p)
				}
			}
		}
	})
	if err := eg.Wait(); err != nil {
		log.Fatalf("paper run failed: %v", err)
	}
	paper.Close()

	snap := rt.Snapshot()
	st := paper.Stats()
	fmt.Printf("venue submitted=%d fills=%d filled_qty=%d resting=%d\n", st.Submitted, st.Fills, st.FilledQty, st.Resting)
	fmt.Printf("orders filled=%d cancelled=%d rejected=%d risk_rejected=%d\n",
		snap.Orders.Count(order.StateFilled), snap.Orders.Count(order.StateCancelled), snap.Orders.Count(order.StateRejected), snap.Orders.RiskRejected)
	fmt.Printf("portfolio gross=%.2f net=%.2f realized=%.2f unrealized=%.2f\n",
		snap.Portfolio.Gross, snap.Portfolio.Net, snap.Portfolio.Realized, snap.Portfolio.Unrealized)
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Default()
	}
	return ops.Load(path)
}

func buildParams(loaded ops.Loaded, kindName, symbolName, sideName string, qty uint64, price float64, duration time.Duration, slices int, visible uint64, participation float64) (algo.Params, error) {
	kind, ok := algo.ParseKind(kindName)
	if !ok {
		return algo.Params{}, fmt.Errorf("unknown algorithm %q", kindName)
	}
	symbol, ok := loaded.Registry.SymbolIDByName(symbolName)
	if !ok {
		return algo.Params{}, fmt.Errorf("unknown symbol %q", symbolName)
	}
	side := schema.OrderSideBuy
	switch strings.ToLower(sideName) {
	case "buy":
	case "sell":
		side = schema.OrderSideSell
	default:
		return algo.Params{}, fmt.Errorf("unknown side %q", sideName)
	}

	p := algo.Params{
		Kind:              kind,
		StrategyID:        1,
		SymbolID:          symbol,
		Side:              side,
		LimitPrice:        price,
		TotalQty:          qty,
		Duration:          duration,
		NumSlices:         slices,
		ParticipationRate: participation,
		ArrivalPrice:      price,
	}
	switch kind {
	case algo.KindVWAP:
		// flat profile, one bucket per slice
		n := max(slices, loaded.Algo.NumSlices, 1)
		p.VolumeProfile = make([]float64, n)
		for i := range p.VolumeProfile {
			p.VolumeProfile[i] = 1
		}
	case algo.KindIceberg:
		p.VisibleQty = visible
	}
	loaded.Algo.Apply(&p)
	return p, p.Validate()
}

// openSource opens the capture, or generates one covering the horizon with a
// little slack so the market keeps moving until the execution ends.
func openSource(loaded ops.Loaded, input string, horizon time.Duration) (io.ReadCloser, error) {
	if input != "" {
		return os.Open(input)
	}
	cfg := loaded.Generator
	if cfg.Step <= 0 {
		cfg.Step = time.Millisecond
	}
	gen, err := mdg.NewGenerator(loaded.Registry, cfg, time.Now())
	if err != nil {
		return nil, err
	}
	n := int((horizon + 2*time.Second) / cfg.Step)
	var buf bytes.Buffer
	var frame []byte
	for range n {
		frame = wire.Encode(frame[:0], gen.Next())
		buf.Write(frame)
	}
	return io.NopCloser(&buf), nil
}

func printProgress(p algo.Progress) {
	fmt.Printf("%s %s %s executed=%d/%d open=%d avg=%.4f children=%d rejected=%d elapsed=%s eta=%s shortfall=%.2fbps %s\n",
		p.ID, p.Kind, p.Status, p.ExecutedQty, p.TotalQty, p.OpenQty, p.AvgFillPrice, p.ChildOrders, p.RejectedChildren,
		p.Elapsed.Truncate(time.Millisecond), p.EstimatedRemaining.Truncate(time.Millisecond), p.ShortfallBps, p.Reason)
}
