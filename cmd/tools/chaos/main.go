package main

import (
	"bufio"
	"flag"
	"log"
	"os"

	"github.com/yanun0323/logs"

	"hft/internal/chaos"
	"hft/internal/feed"
	"hft/internal/wire"
)

func main() {
	input := flag.String("input", "testdata/feed.bin", "Input capture")
	output := flag.String("output", "testdata/feed_chaos.bin", "Output capture")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	corruptRate := flag.Float64("corrupt-rate", 0, "Payload corruption probability [0-1]")
	truncateRate := flag.Float64("truncate-rate", 0, "Truncation probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	maxDelay := flag.Duration("max-delay", 0, "Max timestamp delay")
	flag.Parse()

	engine, err := chaos.NewEngine(chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		CorruptRate:   *corruptRate,
		TruncateRate:  *truncateRate,
		ReorderWindow: *reorderWindow,
		MaxDelay:      *maxDelay,
	})
	if err != nil {
		log.Fatalf("chaos config invalid: %v", err)
	}

	in, err := os.Open(*input)
	if err != nil {
		log.Fatalf("open input failed: %v", err)
	}
	defer in.Close()

	w, err := feed.Create(*output)
	if err != nil {
		log.Fatalf("create output failed: %v", err)
	}

	write := func(frames [][]byte) {
		for _, f := range frames {
			if _, err := w.Write(f); err != nil {
				_ = w.Close()
				log.Fatalf("write output failed: %v", err)
			}
		}
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), wire.HeaderSize+wire.MaxMessageSize)
	scanner.Split(feed.ScanFrames)
	for scanner.Scan() {
		write(engine.Process(scanner.Bytes()))
	}
	if err := scanner.Err(); err != nil {
		_ = w.Close()
		log.Fatalf("read input failed: %v", err)
	}
	write(engine.Flush())
	if err := w.Close(); err != nil {
		log.Fatalf("close output failed: %v", err)
	}

	st := engine.Stats()
	logs.Infof("chaos in=%d out=%d dropped=%d duplicated=%d corrupted=%d truncated=%d delayed=%d",
		st.In, st.Out, st.Dropped, st.Duplicated, st.Corrupted, st.Truncated, st.Delayed)
}
