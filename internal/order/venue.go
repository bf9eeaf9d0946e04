package order

import (
	"context"
	"errors"
	"fmt"

	"hft/internal/schema"
)

// Venue is the execution venue connector. Authentication and transport are
// the implementation's concern.
type Venue interface {
	Submit(ctx context.Context, o VenueOrder) (VenueAck, error)
	Cancel(ctx context.Context, id schema.OrderID) error
	Modify(ctx context.Context, id schema.OrderID, price float64, qty uint64) error
}

// VenueOrder is what the manager sends to a venue.
type VenueOrder struct {
	ID      schema.OrderID
	Request schema.OrderRequest
}

// VenueAck is the venue's synchronous acceptance of an order.
type VenueAck struct {
	VenueOrderID string
}

// ErrTooLateToCancel is returned by a venue when the order completed before
// the cancel arrived. The order stays PENDING_CANCEL until its fills land.
var ErrTooLateToCancel = errors.New("order: too late to cancel")

// VenueError is a failure reported by a venue. Reason is kept verbatim.
type VenueError struct {
	Op        string
	Reason    string
	Retryable bool
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue %s: %s", e.Op, e.Reason)
}

// retryable reports whether err is worth another attempt. Errors that are not
// VenueErrors are treated as transport failures and retried.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTooLateToCancel) {
		return false
	}
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return true
}

// venueReason extracts the venue's reason text from err.
func venueReason(err error) string {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}

// ExecType is the kind of an execution report.
type ExecType uint8

const (
	ExecUnknown ExecType = iota
	ExecAck
	ExecFill
	ExecCancelled
	ExecRejected
	ExecExpired
)

func (t ExecType) String() string {
	switch t {
	case ExecAck:
		return "ACK"
	case ExecFill:
		return "FILL"
	case ExecCancelled:
		return "CANCELLED"
	case ExecRejected:
		return "REJECTED"
	case ExecExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// ExecutionReport is an asynchronous update from a venue.
type ExecutionReport struct {
	OrderID      schema.OrderID
	VenueOrderID string
	// ExecID identifies a fill; reports with a seen ExecID are ignored.
	ExecID    string
	Type      ExecType
	LastQty   uint64
	LastPrice float64
	Fee       float64
	Reason    string
	TsNano    int64
}
