// Package blterr defines the error taxonomy shared by the firmware store, the file
// codecs, the transports and the session engine.
//
// Every fallible operation returns an error whose kind, as reported by KindOf, is one
// of ErrConfig, ErrTransport, ErrTimeout, ErrProtocol, ErrAuthentication, ErrRange or
// ErrFormat. The error matches its kind with errors.Is, and usually a more specific
// detail sentinel as well.
package blterr

import (
	"errors"
	"fmt"
)

// Kind sentinels.
var (
	ErrConfig         = errors.New("config error")
	ErrTransport      = errors.New("transport error")
	ErrTimeout        = errors.New("timeout")
	ErrProtocol       = errors.New("protocol error")
	ErrAuthentication = errors.New("authentication failed")
	ErrRange          = errors.New("range error")
	ErrFormat         = errors.New("format error")
)

// Detail sentinels.
var (
	ErrDeviceNotFound        = errors.New("device not found")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrConnectionRefused     = errors.New("connection refused")
	ErrDisconnected          = errors.New("disconnected")
	ErrTimedOut              = errors.New("timed out")
	ErrMalformed             = errors.New("malformed packet")
	ErrIncomplete            = errors.New("incomplete packet")
	ErrTargetRejected        = errors.New("target rejected command")
	ErrChecksumMismatch      = errors.New("checksum mismatch")
	ErrMalformedRecord       = errors.New("malformed record")
	ErrUnsupportedRecordType = errors.New("unsupported record type")
	ErrIndexOutOfRange       = errors.New("index out of range")
	ErrSessionAlreadyActive  = errors.New("session already active")
	ErrInvalidState          = errors.New("invalid session state")
	ErrInfoTableMismatch     = errors.New("info table mismatch")
	ErrInfoTableNotSupported = errors.New("info table check not supported")
)

// Result codes for callers that need the two-valued convention.
const (
	ResultOK           = 0
	ResultErrorGeneric = 1
)

// Error is an error of a specific kind raised by an operation.
type Error struct {
	Op   string
	Kind error
	Err  error
}

// New creates an error of the given kind for op. err may be nil.
func New(kind error, op string, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf creates an error of the given kind with a formatted detail message.
// The format may use %w to wrap a detail sentinel.
func Errorf(kind error, op string, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// KindOf returns the kind of the outermost *Error in the chain of err, or nil if err
// carries no kind.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// Code collapses err into ResultOK or ResultErrorGeneric.
func Code(err error) int {
	if err == nil {
		return ResultOK
	}
	return ResultErrorGeneric
}
