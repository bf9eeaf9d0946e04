package wire

import "errors"

// ErrIncomplete means the buffer does not yet hold a full frame.
var ErrIncomplete = errors.New("wire: incomplete frame")

// ParseErrorKind classifies a rejected frame.
type ParseErrorKind uint8

const (
	ParseErrorTooLarge ParseErrorKind = iota
	ParseErrorUnknownType
	ParseErrorTruncated
	ParseErrorInvalidField
)

const parseErrorKinds = int(ParseErrorInvalidField) + 1

func (k ParseErrorKind) String() string {
	switch k {
	case ParseErrorTooLarge:
		return "TOO_LARGE"
	case ParseErrorUnknownType:
		return "UNKNOWN_TYPE"
	case ParseErrorTruncated:
		return "TRUNCATED"
	case ParseErrorInvalidField:
		return "INVALID_FIELD"
	default:
		return "UNKNOWN"
	}
}

// ParseError describes why a frame was dropped.
type ParseError struct {
	Kind  ParseErrorKind
	Field string
	// Resync is set when the header could not be trusted and the stream must
	// advance one byte instead of a whole frame.
	Resync bool
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return "wire: " + e.Kind.String()
	}
	return "wire: " + e.Kind.String() + ": " + e.Field
}

func resyncErr(kind ParseErrorKind, field string) *ParseError {
	return &ParseError{Kind: kind, Field: field, Resync: true}
}

func fieldErr(field string) *ParseError {
	return &ParseError{Kind: ParseErrorInvalidField, Field: field}
}
