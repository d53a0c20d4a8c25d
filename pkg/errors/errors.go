// Package errors defines the kernel's error-kind vocabulary (spec.md §7).
// Every subsystem propagates one of these sentinels, wrapped with context
// via fmt.Errorf's %w, instead of inventing ad-hoc error strings, so callers
// can branch on kind with errors.Is regardless of which layer produced it.
package errors

import (
	stdliberrors "errors"
)

var (
	ErrUnsupported = stdliberrors.ErrUnsupported

	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap

	// Error kinds from spec.md §7. These are the only sentinels that cross
	// subsystem boundaries; everything else is wrapped context around one
	// of these.
	ErrNoMem        = stdliberrors.New("out of memory")
	ErrInvalid      = stdliberrors.New("invalid argument")
	ErrNotFound     = stdliberrors.New("not found")
	ErrPerm         = stdliberrors.New("permission denied")
	ErrNoDev        = stdliberrors.New("no such device")
	ErrIO           = stdliberrors.New("i/o error")
	ErrAddrInUse    = stdliberrors.New("address in use")
	ErrConnRefused  = stdliberrors.New("connection refused")
	ErrBusy         = stdliberrors.New("resource busy")
	ErrCrossDevice  = stdliberrors.New("cross-device link")
	ErrAgain        = stdliberrors.New("resource temporarily unavailable")
	ErrTimedOut     = stdliberrors.New("timed out")
	ErrInterrupted  = stdliberrors.New("interrupted")
	ErrBrokenPipe   = stdliberrors.New("broken pipe")
	ErrNotSupported = stdliberrors.New("not supported")
	ErrOverflow     = stdliberrors.New("overflow")
)

// NewRetryable wraps text in an error that satisfies RetryableError.
func NewRetryable(text string) RetryableError {
	return &retryableError{text}
}

// Retryable reports whether err (or one it wraps) is a RetryableError.
// Recoverable failures per spec.md §7 — OOM under contention, EAGAIN,
// ETIMEDOUT, EINTR on an interruptible wait — are returned to the caller
// rather than panicking; such errors are typically also Retryable.
func Retryable(err error) bool {
	var rerr RetryableError
	return As(err, &rerr)
}

type RetryableError interface {
	error
	Retryable()
}

type retryableError struct {
	text string
}

func (r *retryableError) Error() string {
	return r.text
}

func (r *retryableError) Retryable() {}
