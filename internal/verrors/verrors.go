// Package verrors defines the typed error kinds observable to VeloxDB
// callers (spec §7) and the wrapping conventions used to carry them
// through the engine's internal layers.
package verrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error categories callers may switch on.
type Kind uint8

const (
	// Conflict is a write-write conflict detected at commit. The caller
	// should retry the transaction.
	Conflict Kind = iota + 1
	// UniqueConstraintViolation is a unique index collision.
	UniqueConstraintViolation
	// ReferentialIntegrity is a PreventDelete block or a dangling reference.
	ReferentialIntegrity
	// SchemaMismatch means the operation used a stale schema descriptor.
	SchemaMismatch
	// DatabaseBusy is a transient inability to start a transaction.
	DatabaseBusy
	// DatabaseDisposed means the database is shutting down or shut down.
	DatabaseDisposed
	// IoError wraps an underlying file/OS error.
	IoError
	// Corruption means restore found an invalid block marker or
	// inconsistent header. Fatal.
	Corruption
	// OutOfMemory means an allocator failed. Fatal.
	OutOfMemory
	// UnsupportedFormat means a log/snapshot version is newer than supported.
	UnsupportedFormat
)

func (k Kind) String() string {
	switch k {
	case Conflict:
		return "Conflict"
	case UniqueConstraintViolation:
		return "UniqueConstraintViolation"
	case ReferentialIntegrity:
		return "ReferentialIntegrity"
	case SchemaMismatch:
		return "SchemaMismatch"
	case DatabaseBusy:
		return "DatabaseBusy"
	case DatabaseDisposed:
		return "DatabaseDisposed"
	case IoError:
		return "IoError"
	case Corruption:
		return "Corruption"
	case OutOfMemory:
		return "OutOfMemory"
	case UnsupportedFormat:
		return "UnsupportedFormat"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Fatal reports whether the kind triggers an orderly engine shutdown
// per spec §7: Corruption and OutOfMemory. A sector-size mismatch
// surfaces as IoError, which Fatal does not report as fatal.
func (k Kind) Fatal() bool {
	return k == Corruption || k == OutOfMemory
}

// Error is a typed VeloxDB failure.
type Error struct {
	kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.kind, e.cause)
	}
	return e.kind.String()
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// New builds a typed error whose cause is a pkg/errors error carrying
// msg and the caller's stack trace.
func New(k Kind, msg string) error {
	return &Error{kind: k, cause: errors.New(msg)}
}

// Wrap attaches a kind to an existing error. Fatal kinds capture a stack
// trace via pkg/errors so the orderly-shutdown log line has context;
// non-fatal kinds wrap without one to keep the hot commit path cheap.
func Wrap(k Kind, cause error) error {
	if cause == nil {
		return nil
	}
	if k.Fatal() {
		return &Error{kind: k, cause: errors.WithStack(cause)}
	}
	return &Error{kind: k, cause: cause}
}

// Wrapf is Wrap with a formatted message prefixed onto cause.
func Wrapf(k Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return Wrap(k, errors.Wrapf(cause, format, args...))
}

// As reports the Kind of err if it (or something it wraps) is a *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return 0, false
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	got, ok := As(err)
	return ok && got == k
}
