package cqcorex

import (
	"errors"
	"fmt"
)

var (
	// ErrCqExists is returned when registering a CQ under a name that is
	// already taken.
	ErrCqExists = errors.New("cq already exists")

	// ErrInvalidQuery is returned when a query string fails validation at
	// registration time. Nothing is registered.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrCqClosed is returned for operations on a CQ that has already been
	// closed.
	ErrCqClosed = errors.New("cq closed")

	// ErrServiceStopped is returned for operations on a CQ service that has
	// been shut down.
	ErrServiceStopped = errors.New("cq service stopped")

	// ErrInvalidDelta is returned by a listener when it cannot apply a delta
	// to its local state; the dispatcher responds by fetching the full value.
	ErrInvalidDelta = errors.New("invalid delta")

	// ErrDeltaRecovery is returned when the full-value fetch after a delta
	// failure did not yield a value. The event is dropped, never retried.
	ErrDeltaRecovery = errors.New("delta recovery failed")
)

type CqExistsError struct {
	CqName string
}

func (e CqExistsError) Error() string {
	return fmt.Sprintf("a cq with the name %s already exists", e.CqName)
}

func (e CqExistsError) Unwrap() error {
	return ErrCqExists
}

type InvalidQueryError struct {
	QueryString string
	Cause       error
}

func (e InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query `%s`: %s", e.QueryString, e.Cause)
}

func (e InvalidQueryError) Unwrap() error {
	return ErrInvalidQuery
}

type unsupportedEventError struct {
	Event CacheEvent
}

func (e unsupportedEventError) Error() string {
	return fmt.Sprintf("unsupported cache event type %T", e.Event)
}

type CqClosedError struct {
	CqName string
}

func (e CqClosedError) Error() string {
	return fmt.Sprintf("cq %s is closed", e.CqName)
}

func (e CqClosedError) Unwrap() error {
	return ErrCqClosed
}
