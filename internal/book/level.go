package book

import (
	"math"
	"sort"
)

// PriceLevel is one aggregated price on one side of the book.
// A level with zero quantity is never stored. Levels are keyed by the exact
// decoded price.
type PriceLevel struct {
	Price      float64
	Qty        uint64
	OrderCount uint32
	TsNano     int64
}

// side keeps levels sorted best-first: descending for bids, ascending for asks.
type side struct {
	desc   bool
	levels []PriceLevel
}

func newSide(desc bool, capacity int) side {
	return side{desc: desc, levels: make([]PriceLevel, 0, capacity)}
}

// better reports whether price a ranks ahead of price b on this side.
func (s *side) better(a, b float64) bool {
	if s.desc {
		return a > b
	}
	return a < b
}

// search returns the index of price, or the insertion index if absent.
func (s *side) search(price float64) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		return !s.better(s.levels[i].Price, price)
	})
	return i, i < len(s.levels) && s.levels[i].Price == price
}

func (s *side) add(price float64, qty uint64, orders uint32, ts int64) {
	i, ok := s.search(price)
	if ok {
		lv := &s.levels[i]
		lv.Qty += qty
		lv.OrderCount += orders
		lv.TsNano = ts
		return
	}
	s.levels = append(s.levels, PriceLevel{})
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = PriceLevel{Price: price, Qty: qty, OrderCount: orders, TsNano: ts}
}

// reduce takes qty (and orders) away from the level at price and removes
// the level once it is empty.
func (s *side) reduce(price float64, qty uint64, orders uint32, ts int64) {
	i, ok := s.search(price)
	if !ok {
		return
	}
	lv := &s.levels[i]
	if qty >= lv.Qty {
		s.remove(i)
		return
	}
	lv.Qty -= qty
	if orders >= lv.OrderCount {
		lv.OrderCount = 1
	} else {
		lv.OrderCount -= orders
	}
	lv.TsNano = ts
}

func (s *side) remove(i int) {
	copy(s.levels[i:], s.levels[i+1:])
	s.levels = s.levels[:len(s.levels)-1]
}

func (s *side) best() (PriceLevel, bool) {
	if len(s.levels) == 0 {
		return PriceLevel{}, false
	}
	return s.levels[0], true
}

func (s *side) top(depth int) []PriceLevel {
	if depth <= 0 || depth > len(s.levels) {
		depth = len(s.levels)
	}
	return s.levels[:depth]
}

// normalize filters, sorts and aggregates raw levels into a fresh slice.
func normalize(raw []PriceLevel, desc bool) []PriceLevel {
	s := newSide(desc, len(raw))
	for _, lv := range raw {
		if lv.Qty == 0 || !(lv.Price > 0) || math.IsInf(lv.Price, 0) {
			continue
		}
		orders := lv.OrderCount
		if orders == 0 {
			orders = 1
		}
		s.add(lv.Price, lv.Qty, orders, lv.TsNano)
	}
	return s.levels
}
