// Package voiceerr classifies failures of the audio and network pipeline.
package voiceerr

import (
	"errors"
	"fmt"
)

// Kind is the failure class used to decide whether a session survives an error.
type Kind int

const (
	KindTransport Kind = iota + 1
	KindProtocol
	KindResource
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Error carries the failing operation and its class.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Transport(op string, err error) error   { return newError(KindTransport, op, err) }
func Protocol(op string, err error) error    { return newError(KindProtocol, op, err) }
func Resource(op string, err error) error    { return newError(KindResource, op, err) }
func Application(op string, err error) error { return newError(KindApplication, op, err) }

// Protocolf builds a protocol error from a format string.
func Protocolf(op, format string, args ...any) error {
	return Protocol(op, fmt.Errorf(format, args...))
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	var ve *Error
	for err != nil {
		if !errors.As(err, &ve) {
			return false
		}
		if ve.Kind == kind {
			return true
		}
		err = ve.Err
	}
	return false
}

// KindOf returns the outermost kind in err's chain, or zero.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return 0
}
