package radio

import (
	"errors"
	"fmt"
)

// ErrorKind classifies radio failures.
type ErrorKind int

const (
	KindIO ErrorKind = iota
	KindUnavailable
	KindUnauthorized
	KindNotFound
	KindNotConnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindNotConnected:
		return "not connected"
	default:
		return "io"
	}
}

var (
	ErrUnavailable  = errors.New("radio unavailable")
	ErrUnauthorized = errors.New("radio access not authorized")
	ErrNotFound     = errors.New("device not found")
	ErrNotConnected = errors.New("no device connected")
)

// Error is returned by every Transport operation that fails.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrNotConnected:
		return e.Kind == KindNotConnected
	}
	return false
}

func newError(op string, kind ErrorKind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}
