package book

import (
	"sort"
	"sync"

	"hft/internal/latency"
	"hft/internal/schema"
	"hft/internal/wire"
)

// Manager owns one Book per symbol.
type Manager struct {
	depth int
	lat   *latency.Tracker

	mu    sync.RWMutex
	books map[schema.SymbolID]*Book
}

// NewManager creates a manager whose books track depth levels per side for
// Imbalance and share the given update latency tracker.
func NewManager(depth int, lat *latency.Tracker) *Manager {
	return &Manager{
		depth: depth,
		lat:   lat,
		books: make(map[schema.SymbolID]*Book),
	}
}

// Book returns the book for symbol, creating it on first use.
func (m *Manager) Book(symbol schema.SymbolID) *Book {
	m.mu.RLock()
	b, ok := m.books[symbol]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.books[symbol]; ok {
		return b
	}
	b = New(symbol, m.depth, m.lat)
	m.books[symbol] = b
	return b
}

// Lookup returns the book for symbol without creating it.
func (m *Manager) Lookup(symbol schema.SymbolID) (*Book, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[symbol]
	return b, ok
}

// Symbols returns the symbols with a book, sorted.
func (m *Manager) Symbols() []schema.SymbolID {
	m.mu.RLock()
	out := make([]schema.SymbolID, 0, len(m.books))
	for id := range m.books {
		out = append(out, id)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TradedVolume returns the cumulative traded volume of symbol, 0 when no
// book exists.
func (m *Manager) TradedVolume(symbol schema.SymbolID) uint64 {
	if b, ok := m.Lookup(symbol); ok {
		return b.TotalVolume()
	}
	return 0
}

// Apply routes a decoded market data message to its book. Heartbeats are
// ignored.
func (m *Manager) Apply(msg wire.Message) error {
	switch v := msg.(type) {
	case wire.Trade:
		m.Book(v.SymbolID).UpdateTrade(v.Price, v.Qty, v.TsNano)
	case wire.Quote:
		return m.Book(v.SymbolID).UpdateQuote(v)
	case wire.OrderUpdate:
		b := m.Book(v.SymbolID)
		switch v.Action {
		case wire.UpdateActionAdd:
			return b.AddOrder(v.OrderID, v.Side, v.Price, v.Qty, v.TsNano)
		case wire.UpdateActionModify:
			b.ModifyOrder(v.OrderID, v.Qty, v.TsNano)
		case wire.UpdateActionCancel:
			b.CancelOrder(v.OrderID, v.TsNano)
		}
	}
	return nil
}
