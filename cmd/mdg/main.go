package main

import (
	"flag"
	"log"
	"time"

	"github.com/yanun0323/logs"

	"hft/internal/feed"
	"hft/internal/mdg"
	"hft/internal/ops"
)

func main() {
	out := flag.String("out", "testdata/feed.bin", "Capture file to write")
	configPath := flag.String("config", "", "Path to JSON or YAML config (default: built-in symbols)")
	count := flag.Int("count", 100_000, "Number of messages to generate")
	seed := flag.Int64("seed", 0, "Random seed (0=use config)")
	start := flag.String("start", "", "Timestamp of the first message, RFC3339 (default: now)")
	flag.Parse()

	if *count <= 0 {
		log.Fatalf("count must be > 0")
	}

	loaded, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	cfg := loaded.Generator
	if *seed != 0 {
		cfg.Seed = *seed
	}

	startAt := time.Now()
	if *start != "" {
		if startAt, err = time.Parse(time.RFC3339, *start); err != nil {
			log.Fatalf("invalid start: %v", err)
		}
	}

	gen, err := mdg.NewGenerator(loaded.Registry, cfg, startAt)
	if err != nil {
		log.Fatalf("generator init failed: %v", err)
	}
	w, err := feed.Create(*out)
	if err != nil {
		log.Fatalf("capture create failed: %v", err)
	}

	for range *count {
		if err := w.WriteMessage(gen.Next()); err != nil {
			_ = w.Close()
			log.Fatalf("capture write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		log.Fatalf("capture close failed: %v", err)
	}
	logs.Infof("wrote %d frames (%d bytes) for %d symbols to %s", w.Frames(), w.Bytes(), loaded.Registry.SymbolCount(), *out)
}

func loadConfig(path string) (ops.Loaded, error) {
	if path == "" {
		return ops.Default()
	}
	return ops.Load(path)
}
