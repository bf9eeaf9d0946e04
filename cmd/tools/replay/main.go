package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"

	"hft/internal/book"
	"hft/internal/feed"
	"hft/internal/latency"
	"hft/internal/ops"
	"hft/internal/schema"
	"hft/internal/wire"
)

func main() {
	input := flag.String("input", "testdata/feed.bin", "Capture to replay")
	configPath := flag.String("config", "", "Path to JSON or YAML config (default: built-in symbols)")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	depth := flag.Int("depth", 5, "Book levels to print per side")
	verbose := flag.Bool("verbose", false, "Print every decoded message")
	flag.Parse()

	loaded, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	decodeLat := latency.NewTracker("decode", 0)
	bookLat := latency.NewTracker("book", 0)
	books := book.NewManager(*depth, bookLat)

	var index int
	apply := func(m wire.Message) {
		index++
		if *verbose {
			printMessage(index, m)
		}
		if err := books.Apply(m); err != nil {
			h := m.MessageHeader()
			fmt.Printf("%08d seq=%d book rejected %s: %v\n", index, h.Seq, h.Type, err)
		}
	}
	var parseErrors []string
	dec := wire.NewDecoder(wire.Config{
		Name: "replay",
		// captures are replayed long after they were taken
		Limits:  wire.Limits{MaxPrice: loaded.Wire.MaxPrice, Now: func() int64 { return math.MaxInt64 / 2 }},
		Latency: decodeLat,
	}, wire.Handlers{
		OnTrade:       func(t wire.Trade) { apply(t) },
		OnQuote:       func(q wire.Quote) { apply(q) },
		OnOrderUpdate: func(u wire.OrderUpdate) { apply(u) },
		OnHeartbeat:   func(h wire.Heartbeat) { apply(h) },
		OnError: func(perr *wire.ParseError) {
			if len(parseErrors) < 20 {
				parseErrors = append(parseErrors, perr.Error())
			}
		},
	})

	pb, err := feed.NewPlayback(feed.PlaybackConfig{Speed: *speed})
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}
	if err := pb.RunFile(ctx, *input, func(b []byte) error {
		dec.Feed(b)
		return nil
	}); err != nil {
		log.Fatalf("playback run failed: %v", err)
	}

	for _, id := range books.Symbols() {
		printBook(loaded.Registry, books.Book(id), *depth)
	}
	printStats(dec.Stats(), parseErrors, decodeLat.Stats(), bookLat.Stats())
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Default()
	}
	return ops.Load(path)
}

func printMessage(index int, m wire.Message) {
	h := m.MessageHeader()
	switch v := m.(type) {
	case wire.Trade:
		fmt.Printf("%08d seq=%d ts=%d TRADE symbol=%d id=%d price=%.4f qty=%d\n", index, h.Seq, h.TsNano, v.SymbolID, v.TradeID, v.Price, v.Qty)
	case wire.Quote:
		fmt.Printf("%08d seq=%d ts=%d QUOTE symbol=%d bid=%.4f/%d ask=%.4f/%d\n", index, h.Seq, h.TsNano, v.SymbolID, v.BidPrice, v.BidQty, v.AskPrice, v.AskQty)
	case wire.OrderUpdate:
		fmt.Printf("%08d seq=%d ts=%d UPDATE symbol=%d order=%d side=%s action=%d price=%.4f qty=%d\n", index, h.Seq, h.TsNano, v.SymbolID, v.OrderID, v.Side, v.Action, v.Price, v.Qty)
	case wire.Heartbeat:
		fmt.Printf("%08d seq=%d ts=%d HEARTBEAT session=%d last=%d\n", index, h.Seq, h.TsNano, v.SessionID, v.LastSequence)
	}
}

func printBook(reg *schema.Registry, b *book.Book, depth int) {
	top := b.Top()
	bidLevels, askLevels := b.LevelCount()
	fmt.Printf("== %s (%d) ==\n", reg.SymbolName(b.Symbol()), b.Symbol())
	fmt.Printf("  top bid=%.4f/%d ask=%.4f/%d spread=%.4f mid=%.4f\n", top.BidPrice, top.BidQty, top.AskPrice, top.AskQty, b.Spread(), b.Mid())
	fmt.Printf("  levels bid=%d ask=%d orders=%d imbalance=%.3f vwap(%d)=%.4f\n", bidLevels, askLevels, b.OrderCount(), b.Imbalance(), depth, b.VWAP(depth))
	fmt.Printf("  trades=%d volume=%d last=%.4f updates=%d\n", b.TradeCount(), b.TotalVolume(), b.LastTradePrice(), b.Updates())
	bids, asks := b.Depth(depth)
	for i := 0; i < max(len(bids), len(asks)); i++ {
		var bid, ask string
		if i < len(bids) {
			bid = fmt.Sprintf("%d @ %.4f", bids[i].Qty, bids[i].Price)
		}
		if i < len(asks) {
			ask = fmt.Sprintf("%.4f @ %d", asks[i].Price, asks[i].Qty)
		}
		fmt.Printf("  %24s | %-24s\n", bid, ask)
	}
}

func printStats(st wire.Stats, parseErrors []string, lats ...latency.Stats) {
	fmt.Println("== decoder ==")
	for t := wire.MsgTypeTrade; t <= wire.MsgTypeHeartbeat; t++ {
		fmt.Printf("  %-12s %d\n", t, st.Messages[t])
	}
	fmt.Printf("  bytes=%d resync=%d errors=%d gaps=%d missed=%d regressions=%d last_seq=%d pending=%d\n",
		st.BytesConsumed, st.ResyncBytes, st.ErrorsTotal(), st.SequenceGaps, st.MissedMessages, st.SeqRegressions, st.LastSequence, st.Pending)
	for _, e := range parseErrors {
		fmt.Printf("  error: %s\n", e)
	}
	fmt.Println("== latency ==")
	for _, l := range lats {
		fmt.Printf("  %-8s n=%d mean=%s p50=%s p99=%s max=%s over_budget=%d\n", l.Name, l.Total, l.Mean, l.Median, l.P99, l.Max, l.OverBudget)
	}
}
