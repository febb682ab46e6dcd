package ingest

import (
	"errors"
	"fmt"
)

// errorCode is used to represent the various classes of ingestion
// failure. Callers branch on the class, the message is for operators.
type errorCode uint8

const (
	// ErrMalformed is returned when a transaction or label is
	// structurally broken, e.g. a zero txid, no outputs, or claimed
	// input provenance that contradicts the stored funding output.
	ErrMalformed errorCode = iota

	// ErrNegativeValue is returned when any input or output carries
	// a negative value.
	ErrNegativeValue

	// ErrConservation is returned when a non-coinbase transaction
	// spends less than it emits, which would imply a negative fee.
	ErrConservation

	// ErrTimeTravel is returned when a transaction references a
	// funding transaction with a later timestamp. Rejecting these
	// keeps the graph free of time cycles.
	ErrTimeTravel

	// ErrDoubleSpend is returned when an input consumes an outpoint
	// that a different stored transaction already spent.
	ErrDoubleSpend

	// ErrTxConflict is returned when a txid is re-ingested with
	// content that differs from what is stored.
	ErrTxConflict
)

// String returns a human readable name for the error class.
func (c errorCode) String() string {
	switch c {
	case ErrMalformed:
		return "Malformed"
	case ErrNegativeValue:
		return "NegativeValue"
	case ErrConservation:
		return "Conservation"
	case ErrTimeTravel:
		return "TimeTravel"
	case ErrDoubleSpend:
		return "DoubleSpend"
	case ErrTxConflict:
		return "TxConflict"
	default:
		return "Unknown"
	}
}

// ingestError is the error type returned by ingestion validation,
// pairing an operator-readable message with a code the caller can
// branch on.
type ingestError struct {
	err  error
	code errorCode
}

// Error returns the string representation of the ingest error.
//
// NOTE: part of the error interface.
func (e *ingestError) Error() string {
	return fmt.Sprintf("%v: %v", e.code, e.err)
}

// Unwrap returns the wrapped error.
func (e *ingestError) Unwrap() error {
	return e.err
}

// newErr creates an ingestError for the given class.
func newErr(code errorCode, format string, a ...interface{}) *ingestError {
	return &ingestError{
		code: code,
		err:  fmt.Errorf(format, a...),
	}
}

// IsError checks whether err is an ingestion error of one of the given
// classes.
func IsError(err error, codes ...errorCode) bool {
	var e *ingestError
	if !errors.As(err, &e) {
		return false
	}

	for _, code := range codes {
		if e.code == code {
			return true
		}
	}

	return false
}
