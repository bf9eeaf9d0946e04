package schema

import "github.com/yanun0323/errors"

// Symbol describes a tradable instrument.
type Symbol struct {
	ID       SymbolID
	Exchange ExchangeID
	Name     string
	TickSize float64
}

// Registry stores exchange and symbol mappings.
type Registry struct {
	symbols      map[SymbolID]Symbol
	symbolByName map[string]SymbolID
	order        []SymbolID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		symbols:      make(map[SymbolID]Symbol),
		symbolByName: make(map[string]SymbolID),
	}
}

// AddSymbol registers a symbol under its wire id.
func (r *Registry) AddSymbol(sym Symbol) error {
	if sym.Name == "" {
		return errors.New("symbol name is empty")
	}
	if sym.ID == 0 {
		return errors.Errorf("symbol id is invalid: %s", sym.Name)
	}
	if !sym.Exchange.Valid() {
		return errors.Errorf("exchange is invalid for %s: %d", sym.Name, sym.Exchange)
	}
	if _, ok := r.symbolByName[sym.Name]; ok {
		return errors.Errorf("symbol already exists: %s", sym.Name)
	}
	if _, ok := r.symbols[sym.ID]; ok {
		return errors.Errorf("symbol id already exists: %d", sym.ID)
	}
	r.symbols[sym.ID] = sym
	r.symbolByName[sym.Name] = sym.ID
	r.order = append(r.order, sym.ID)
	return nil
}

// Symbol returns the symbol by id.
func (r *Registry) Symbol(id SymbolID) (Symbol, bool) {
	sym, ok := r.symbols[id]
	return sym, ok
}

// SymbolIDByName returns the symbol id for a name.
func (r *Registry) SymbolIDByName(name string) (SymbolID, bool) {
	id, ok := r.symbolByName[name]
	return id, ok
}

// SymbolName returns the registered name, or "" for unknown ids.
func (r *Registry) SymbolName(id SymbolID) string {
	if r == nil {
		return ""
	}
	return r.symbols[id].Name
}

// SymbolCount returns the number of symbols in the registry.
func (r *Registry) SymbolCount() int {
	return len(r.order)
}

// Symbols returns the symbols in registration order.
func (r *Registry) Symbols() []Symbol {
	out := make([]Symbol, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.symbols[id])
	}
	return out
}
