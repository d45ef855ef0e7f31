// Package cow implements a block-level copy-on-write virtual device: a
// Backend that presents an origin device and a cow device as one writable
// logical device, redirecting post-activation writes to the cow device
// while leaving the origin untouched.
package cow

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes Error the way ublk.UblkErrorCode categorizes
// *ublk.Error, so callers can switch on failure class across both packages.
type ErrorCode string

const (
	ErrCodeInvalidArgument   ErrorCode = "invalid argument"
	ErrCodeResourceExhausted ErrorCode = "resource exhausted"
	ErrCodeIOError           ErrorCode = "I/O error"
	ErrCodeOutOfBounds       ErrorCode = "out of bounds"
)

// Error is a structured error carrying the operation and chunk context
// that produced it, following the shape of ublk.Error.
type Error struct {
	Op    string    // operation that failed, e.g. "activate", "copy", "persist"
	Chunk int64     // chunk index involved, -1 if not applicable
	Code  ErrorCode
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.Chunk >= 0 {
		return fmt.Sprintf("cow: %s (op=%s chunk=%d)", e.Msg, e.Op, e.Chunk)
	}
	return fmt.Sprintf("cow: %s (op=%s)", e.Msg, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	var ce *Error
	if errors.As(target, &ce) {
		return e.Code == ce.Code
	}
	return false
}

func newError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Chunk: -1, Code: code, Msg: msg}
}

func newChunkError(op string, chunk int64, code ErrorCode, msg string, inner error) *Error {
	return &Error{Op: op, Chunk: chunk, Code: code, Msg: msg, Inner: inner}
}

func wrapIOError(op string, chunk int64, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Chunk: chunk, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error (directly or via errors.As) with
// the given code.
func IsCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// Sentinel errors for common KILL/activation conditions, so callers that
// only care about the category can use errors.Is without digging into the
// structured fields.
var (
	ErrInvalidArgumentCount = newError("activate", ErrCodeInvalidArgument, "expected exactly two arguments: origin path, cow path")
	ErrTargetTooLarge       = newError("activate", ErrCodeInvalidArgument, "target exceeds 32768 chunks (128MiB)")
	ErrJobPoolExhausted     = newError("route", ErrCodeResourceExhausted, "job pool exhausted")
	ErrChunkOutOfRange      = newError("route", ErrCodeOutOfBounds, "chunk index out of range")
	ErrClosed               = newError("route", ErrCodeInvalidArgument, "device is closed")
	ErrSchedulerFull        = newError("route", ErrCodeResourceExhausted, "worker queue full")
)
