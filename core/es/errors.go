package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codewandler/eventrepo/ports/backend"
)

// Kind classifies every error returned by the repository.
type Kind int

const (
	KindUnknown Kind = iota
	KindOptimisticLock
	KindConnection
	KindDeserialization
)

var (
	// ErrOptimisticLock reports that a concurrent writer already advanced the
	// stream or the snapshot past the expected point. Reload and retry.
	ErrOptimisticLock = errors.New("optimistic lock error")
	// ErrConnection reports that the backend could not be reached or the
	// transaction failed for infrastructure reasons.
	ErrConnection = errors.New("connection error")
	// ErrDeserialization reports a stored record that does not decode.
	ErrDeserialization = errors.New("deserialization error")
	// ErrUnknown is the catch-all kind.
	ErrUnknown = errors.New("unknown error")
)

func (k Kind) String() string {
	switch k {
	case KindOptimisticLock:
		return "optimistic_lock"
	case KindConnection:
		return "connection"
	case KindDeserialization:
		return "deserialization"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindOptimisticLock:
		return ErrOptimisticLock
	case KindConnection:
		return ErrConnection
	case KindDeserialization:
		return ErrDeserialization
	default:
		return ErrUnknown
	}
}

// Error is the concrete error type returned by repository operations. It
// matches its kind's sentinel and its cause with errors.Is.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("es: %s: %s", e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("es: %s: %s: %s", e.Op, e.Kind.sentinel(), e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf returns the kind of err. Errors not produced by this package are
// classified the same way backend failures are.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrOptimisticLock):
		return KindOptimisticLock
	case errors.Is(err, ErrConnection):
		return KindConnection
	case errors.Is(err, ErrDeserialization):
		return KindDeserialization
	case errors.Is(err, ErrUnknown):
		return KindUnknown
	}
	return classifyKind(err)
}

// IsOptimisticLock reports whether err is an optimistic lock conflict.
func IsOptimisticLock(err error) bool { return errors.Is(err, ErrOptimisticLock) }

func newError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// wrapErr maps err to exactly one kind. Errors already carrying a kind pass
// through unchanged.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(op, classifyKind(err), err)
}

func classifyKind(err error) Kind {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, backend.ErrKeyExists), errors.Is(err, backend.ErrConflict):
		return KindOptimisticLock
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindConnection
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return KindDeserialization
	case errors.Is(err, backend.ErrNotFound),
		errors.Is(err, backend.ErrUnknownStore),
		errors.Is(err, backend.ErrUnknownIndex),
		errors.Is(err, backend.ErrInvalidKey),
		errors.Is(err, backend.ErrReadOnly),
		errors.Is(err, backend.ErrTxDone):
		return KindUnknown
	}
	return KindConnection
}
