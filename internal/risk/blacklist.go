package risk

import (
	"sync"
	"sync/atomic"

	"hft/internal/schema"
)

// Blacklist is a set of symbols that may not be traded. Reads are a single
// atomic load plus a map lookup; writes copy the map.
type Blacklist struct {
	mu  sync.Mutex
	set atomic.Pointer[map[schema.SymbolID]string]
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	bl := &Blacklist{}
	empty := map[schema.SymbolID]string{}
	bl.set.Store(&empty)
	return bl
}

// Add blacklists symbol with reason.
func (bl *Blacklist) Add(symbol schema.SymbolID, reason string) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	cur := *bl.set.Load()
	next := make(map[schema.SymbolID]string, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[symbol] = reason
	bl.set.Store(&next)
}

// Remove lifts the blacklisting of symbol.
func (bl *Blacklist) Remove(symbol schema.SymbolID) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	cur := *bl.set.Load()
	if _, ok := cur[symbol]; !ok {
		return
	}
	next := make(map[schema.SymbolID]string, len(cur))
	for k, v := range cur {
		if k != symbol {
			next[k] = v
		}
	}
	bl.set.Store(&next)
}

// Contains reports whether symbol is blacklisted.
func (bl *Blacklist) Contains(symbol schema.SymbolID) bool {
	_, ok := (*bl.set.Load())[symbol]
	return ok
}

// Reason returns why symbol was blacklisted.
func (bl *Blacklist) Reason(symbol schema.SymbolID) (string, bool) {
	r, ok := (*bl.set.Load())[symbol]
	return r, ok
}

// Len returns the number of blacklisted symbols.
func (bl *Blacklist) Len() int {
	return len(*bl.set.Load())
}
