// Package brokererr defines the error taxonomy shared by the connection
// broker: a small set of fatal/recoverable error kinds, optionally carrying
// a source code from the underlying transport or TLS library.
package brokererr

import (
	"errors"
	"fmt"
)

// Kind classifies a broker error. Kinds are not Go types so that callers can
// still use errors.Is/errors.As against the underlying cause.
type Kind int

const (
	// Capacity means admission was refused because the slot table is full.
	// Recoverable at the caller; the connection is closed cleanly.
	Capacity Kind = iota
	// ProtocolError means the control-plane codec hit a short read or a
	// malformed field. Fatal to the connection.
	ProtocolError
	// TLSFailure means the handshake failed, the peer closed unexpectedly, or
	// a read/write on the TLS channel failed. Fatal.
	TLSFailure
	// VerbsSetup means device/PD/CQ/MR/QP creation failed. Fatal to the
	// server process if at process start, fatal to the connection if
	// per-connection.
	VerbsSetup
	// StateTransition means a QP attribute-modify call returned non-zero.
	// Fatal to the connection.
	StateTransition
	// CompletionError means a completion queue entry returned a non-success
	// status. Fatal to the connection.
	CompletionError
	// PoolExhausted means the buffer pool had no free slab. The caller
	// releases its slot and reports Capacity.
	PoolExhausted
	// RandomFailure means no entropy source was available to draw a PSN.
	// Fatal.
	RandomFailure
)

func (k Kind) String() string {
	switch k {
	case Capacity:
		return "capacity"
	case ProtocolError:
		return "protocol_error"
	case TLSFailure:
		return "tls_failure"
	case VerbsSetup:
		return "verbs_setup"
	case StateTransition:
		return "state_transition"
	case CompletionError:
		return "completion_error"
	case PoolExhausted:
		return "pool_exhausted"
	case RandomFailure:
		return "random_failure"
	default:
		return "unknown"
	}
}

// Error is a broker error: a Kind, an optional transport-supplied source
// code, and an optional wrapped cause.
type Error struct {
	Kind Kind
	Code int // source code from the underlying library, 0 if not applicable
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Code != 0 {
			return fmt.Sprintf("%s (code %d): %s: %v", e.Kind, e.Code, e.Msg, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// do errors.Is(err, brokererr.New(brokererr.Capacity, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an *Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// WithCode creates an *Error of the given kind carrying a transport source
// code.
func WithCode(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. The second return is false if no *Error is found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
