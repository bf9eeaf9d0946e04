package position

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"

	"hft/internal/schema"
)

// Snapshot captures positions at a point in time.
type Snapshot struct {
	Timestamp int64   `json:"timestamp"`
	Positions []Entry `json:"positions"`
}

// Entry is a single position in a snapshot.
type Entry struct {
	StrategyID  schema.StrategyID `json:"strategyId"`
	SymbolID    schema.SymbolID   `json:"symbolId"`
	Qty         int64             `json:"qty"`
	AvgPrice    float64           `json:"avgPrice"`
	MarketPrice float64           `json:"marketPrice"`
	RealizedPnL decimal.Decimal   `json:"realizedPnl"`
	Fees        decimal.Decimal   `json:"fees"`
}

// Snapshot builds a snapshot from current positions.
func (t *Tracker) Snapshot() Snapshot {
	positions := t.Positions()
	entries := make([]Entry, 0, len(positions))
	for _, p := range positions {
		entries = append(entries, Entry{
			StrategyID:  p.StrategyID,
			SymbolID:    p.SymbolID,
			Qty:         p.Qty,
			AvgPrice:    p.AvgPrice,
			MarketPrice: p.MarketPrice,
			RealizedPnL: p.RealizedPnL,
			Fees:        p.Fees,
		})
	}
	return Snapshot{
		Timestamp: time.Now().UTC().UnixNano(),
		Positions: entries,
	}
}

// Restore replaces all positions with a snapshot.
func (t *Tracker) Restore(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.positions)
	clear(t.marks)
	for _, e := range snap.Positions {
		p := &Position{
			Key:         Key{StrategyID: e.StrategyID, SymbolID: e.SymbolID},
			Qty:         e.Qty,
			AvgPrice:    e.AvgPrice,
			MarketPrice: e.MarketPrice,
			RealizedPnL: e.RealizedPnL,
			Fees:        e.Fees,
			LastUpdate:  snap.Timestamp,
		}
		p.revalue()
		t.positions[p.Key] = p
		if e.MarketPrice > 0 {
			t.marks[e.SymbolID] = e.MarketPrice
		}
	}
}

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snap Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot dir").With("dir", dir)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write snapshot").With("path", path)
	}
	return nil
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "read snapshot").With("path", path)
	}
	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, errors.Wrap(err, "unmarshal snapshot").With("path", path)
	}
	return snap, nil
}

// CompareSnapshots checks that two snapshots hold the same quantities and
// realized P&L.
func CompareSnapshots(expected, actual Snapshot) error {
	if len(expected.Positions) != len(actual.Positions) {
		return errors.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expected.Positions), len(actual.Positions))
	}
	want := make(map[Key]Entry, len(expected.Positions))
	for _, e := range expected.Positions {
		want[Key{StrategyID: e.StrategyID, SymbolID: e.SymbolID}] = e
	}
	for _, e := range actual.Positions {
		w, ok := want[Key{StrategyID: e.StrategyID, SymbolID: e.SymbolID}]
		if !ok {
			return errors.Errorf("snapshot missing position: strategy=%d symbol=%d", e.StrategyID, e.SymbolID)
		}
		if w.Qty != e.Qty {
			return errors.Errorf("snapshot qty mismatch: strategy=%d symbol=%d expected=%d actual=%d", e.StrategyID, e.SymbolID, w.Qty, e.Qty)
		}
		if !w.RealizedPnL.Equal(e.RealizedPnL) {
			return errors.Errorf("snapshot pnl mismatch: strategy=%d symbol=%d expected=%s actual=%s", e.StrategyID, e.SymbolID, w.RealizedPnL, e.RealizedPnL)
		}
	}
	return nil
}
