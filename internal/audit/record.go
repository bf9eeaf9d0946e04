package audit

import (
	"context"
	"sync"
)

// Kind classifies an audit record.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRiskRejection
	KindVenueError
	KindParseError
	KindCircuitBreaker
	KindInvalidTransition
	KindOrderTimeout
)

func (k Kind) String() string {
	switch k {
	case KindRiskRejection:
		return "RISK_REJECTION"
	case KindVenueError:
		return "VENUE_ERROR"
	case KindParseError:
		return "PARSE_ERROR"
	case KindCircuitBreaker:
		return "CIRCUIT_BREAKER"
	case KindInvalidTransition:
		return "INVALID_TRANSITION"
	case KindOrderTimeout:
		return "ORDER_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Record is a machine-readable audit entry. Reason carries the reason code,
// or the venue's text verbatim for venue errors.
type Record struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Kind       Kind   `gorm:"index" json:"kind"`
	TsNano     int64  `gorm:"index" json:"ts"`
	OrderID    uint64 `json:"orderId,omitempty"`
	StrategyID uint32 `json:"strategyId,omitempty"`
	SymbolID   uint64 `json:"symbolId,omitempty"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// TableName sets the gorm table.
func (Record) TableName() string {
	return "audit_records"
}

// Sink persists batches of records.
type Sink interface {
	Write(ctx context.Context, records []Record) error
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, records []Record) error {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of the stored records.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Count returns the number of records of kind.
func (s *MemorySink) Count(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.Kind == kind {
			n++
		}
	}
	return n
}
