// Package apperr defines the error kinds returned at every operation boundary.
// Callers branch on the Kind, never on the shape of the underlying cause.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	Internal Kind = iota
	Unauthenticated
	Forbidden
	NotFound
	InvalidArgument
	Retrievable
	PartialFailure
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not found"
	case InvalidArgument:
		return "invalid argument"
	case Retrievable:
		return "retrievable"
	case PartialFailure:
		return "partial failure"
	default:
		return "internal"
	}
}

type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err.Error())
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error wrapping err.
func E(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(op string, kind Kind, format string, args ...any) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the outermost *Error in err's chain. Context
// deadlines count as Retrievable, anything unclassified is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retrievable
	}

	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the failure is transient.
func IsRetryable(err error) bool {
	return Is(err, Retrievable)
}
