// Package taskerr implements the error taxonomy of spec.md §7 as typed
// errors so the supervisor and strategy loop can branch with errors.As
// instead of matching on string content.
package taskerr

import (
	"errors"
	"fmt"
)

// Kind is the top-level error category.
type Kind string

const (
	// KindConfig marks invalid/missing configuration. Surfaced to the
	// caller; aborts task startup.
	KindConfig Kind = "config"
	// KindAuth marks a handshake or request-signing failure. An Auth error
	// from Spawn's Authenticate fails the task's startup; the strategy loop
	// retries a placement that fails with it like a Transport error, and
	// no re-authentication is attempted.
	KindAuth Kind = "auth"
	// KindTransport marks network/timeout failures. Retried with
	// backoff, then fails the operation.
	KindTransport Kind = "transport"
	// KindProtocol marks an exchange-returned error code.
	KindProtocol Kind = "protocol"
	// KindInvariant marks a local state inconsistency. Never panics the
	// supervisor; the strategy loop logs it and keeps running, so it does
	// not by itself fail the task.
	KindInvariant Kind = "invariant"
	// KindCancelled marks cooperative cancellation. Treated as success.
	KindCancelled Kind = "cancelled"
)

// ProtocolCode narrows a KindProtocol error to the reason the exchange gave.
type ProtocolCode string

const (
	ProtocolRejectedOrder       ProtocolCode = "RejectedOrder"
	ProtocolInsufficientMargin ProtocolCode = "InsufficientMargin"
	ProtocolNotFound            ProtocolCode = "NotFound"
	ProtocolUnknown             ProtocolCode = "Unknown"
)

// Error is the concrete error type used throughout the core.
type Error struct {
	Kind Kind
	Op   string
	Code ProtocolCode // only meaningful when Kind == KindProtocol
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, &taskerr.Error{Kind: taskerr.KindCancelled})
// style comparisons: a target *Error matches if its non-empty Kind and Code
// equal this error's.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return true
}

func Config(op string, err error) error    { return &Error{Kind: KindConfig, Op: op, Err: err} }
func Auth(op string, err error) error      { return &Error{Kind: KindAuth, Op: op, Err: err} }
func Transport(op string, err error) error { return &Error{Kind: KindTransport, Op: op, Err: err} }
func Invariant(op string, err error) error { return &Error{Kind: KindInvariant, Op: op, Err: err} }
func Cancelled(op string) error            { return &Error{Kind: KindCancelled, Op: op} }

func Protocol(op string, code ProtocolCode, err error) error {
	return &Error{Kind: KindProtocol, Op: op, Code: code, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IsProtocolCode reports whether err is a KindProtocol error with the given code.
func IsProtocolCode(err error, code ProtocolCode) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == KindProtocol && e.Code == code
}
