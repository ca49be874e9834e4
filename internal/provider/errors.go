package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies provider failures for retry decisions.
type Kind int

const (
	// Transient failures may succeed on a later attempt.
	Transient Kind = iota + 1
	// Permanent failures poison the record until an operator intervenes.
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	}
	return "unknown"
}

// Error is returned by every provider adapter.
type Error struct {
	Op         string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewPermanent wraps err as a permanent failure of op.
func NewPermanent(op string, err error) *Error {
	return &Error{Op: op, Kind: Permanent, Err: err}
}

// NewTransient wraps err as a transient failure of op.
func NewTransient(op string, err error) *Error {
	return &Error{Op: op, Kind: Transient, Err: err}
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Transient
}

// IsPermanent reports whether err is a non-retryable provider failure.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Permanent
}

// ClassifyStatus maps an HTTP status onto a failure kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return Transient
	default:
		return Permanent
	}
}

// classifyTransport maps a transport error onto a failure kind. Network
// errors and timeouts are transient; cancellation by the caller is not.
func classifyTransport(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	return Transient
}
