package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Error kinds surfaced by the engine. Test with errors.Is.
var (
	// ErrConcurrencyConflict indicates a stale expected version. The caller must
	// reload the aggregate and recompute; it is never retried internally.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrOptimisticConcurrency is the historical name of ErrConcurrencyConflict.
	ErrOptimisticConcurrency = ErrConcurrencyConflict

	// ErrStorageUnavailable indicates a transient backend failure that outlived the retry budget.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrPoolExhausted indicates no connection lease became free within the timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrDeserialization indicates a stored payload could not be decoded.
	ErrDeserialization = errors.New("event deserialization failed")

	// ErrSchemaViolation indicates an integrity violation other than a version collision.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")

	// ErrClosed indicates use of a closed pool or engine.
	ErrClosed = errors.New("closed")
)

// Fault classifies a backend error for retry and lease handling.
type Fault int

const (
	// FaultNone is returned for a nil error.
	FaultNone Fault = iota
	// FaultConflict is a collision on (tenant, aggregate, version).
	FaultConflict
	// FaultTransient may succeed if retried on the same connection.
	FaultTransient
	// FaultBrokenConn may succeed if retried on a fresh connection.
	FaultBrokenConn
	// FaultSchema is any other integrity violation.
	FaultSchema
	// FaultCanceled is a caller deadline or cancellation.
	FaultCanceled
	// FaultFatal is everything else.
	FaultFatal
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultConflict:
		return "conflict"
	case FaultTransient:
		return "transient"
	case FaultBrokenConn:
		return "broken_conn"
	case FaultSchema:
		return "schema"
	case FaultCanceled:
		return "canceled"
	default:
		return "fatal"
	}
}

// Retryable reports whether the fault is worth another attempt.
func (f Fault) Retryable() bool {
	return f == FaultTransient || f == FaultBrokenConn
}

// ClassifyCommon handles the faults every backend shares: cancellation,
// broken connections, network errors and the sentinel kinds. ok is false when
// the error needs driver-specific inspection.
func ClassifyCommon(err error) (fault Fault, ok bool) {
	switch {
	case err == nil:
		return FaultNone, true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FaultCanceled, true
	case errors.Is(err, ErrConcurrencyConflict):
		return FaultConflict, true
	case errors.Is(err, ErrSchemaViolation):
		return FaultSchema, true
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return FaultBrokenConn, true
	case errors.Is(err, syscall.ECONNREFUSED):
		return FaultTransient, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return FaultTransient, true
	}
	return FaultFatal, false
}

// Error carries the context a caller needs to reload or retry.
type Error struct {
	// Kind is one of the package's sentinel errors.
	Kind error

	// Op names the failed operation, e.g. "append" or "load_stream".
	Op string

	AggregateID string

	// Version is the attempted version for appends, or the event version for decode failures.
	Version int64

	// Err is the underlying cause, if any.
	Err error
}

// NewError builds an *Error.
func NewError(kind error, op, aggregateID string, version int64, cause error) *Error {
	return &Error{Kind: kind, Op: op, AggregateID: aggregateID, Version: version, Err: cause}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s (aggregate %q, version %d)", e.Op, e.Kind, e.AggregateID, e.Version)
	if e.Err != nil && e.Err != e.Kind {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}
